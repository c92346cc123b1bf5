// Package mcp exposes a read-only view of a running agent over the Model
// Context Protocol: run status, destination histories and the fact ledger.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"keke-agent/internal/agent"
	"keke-agent/internal/archive"
	"keke-agent/internal/chat"
	"keke-agent/internal/config"
	"keke-agent/internal/logging"
	"keke-agent/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// StatusSource is the running agent, see agent.Agent.
type StatusSource interface {
	Status() agent.Status
	Chats() []agent.ChatStatus
	History(name chat.Name) ([]chat.Message, bool)
}

// ArchiveReader is the transcript archive, see archive.Store.
type ArchiveReader interface {
	Recent(ctx context.Context, name chat.Name, limit int, replyPrefix string) ([]chat.Message, error)
	Chats(ctx context.Context) ([]archive.ChatSummary, error)
}

// Server wires the MCP runtime to the agent snapshots and the fact ledger.
type Server struct {
	cfg       config.Config
	status    StatusSource
	engine    *mangle.Engine
	archive   ArchiveReader
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer registers the status tools. engine and store may be nil.
func NewServer(cfg config.Config, status StatusSource, engine *mangle.Engine, store ArchiveReader) (*Server, error) {
	if status == nil {
		return nil, fmt.Errorf("status source is required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		status:    status,
		engine:    engine,
		archive:   store,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	logging.Infof("MCP status server listening on :%d", port)

	select {
	case <-ctx.Done():
		logging.Infof("SSE server shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	s.registerTool(&AgentStatusTool{status: s.status})
	s.registerTool(&ListChatsTool{status: s.status, archive: s.archive})
	s.registerTool(&ChatHistoryTool{status: s.status, archive: s.archive, replyPrefix: s.cfg.Agent.ReplyPrefix})

	if s.engine != nil && s.cfg.Mangle.Enable {
		s.registerTool(&QueryFactsTool{engine: s.engine})
		s.registerTool(&EvaluateRuleTool{engine: s.engine})
		s.registerTool(&ReadFactsTool{engine: s.engine})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
