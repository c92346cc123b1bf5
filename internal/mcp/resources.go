package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keke-agent/internal/chat"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"keke://about",
			"Keke About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Agent identity, wake-up settings and run status."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"keke://chat/{chat}/history{?limit}",
			"Chat History",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Newest messages accumulated for a destination chat in this run."),
		),
		s.handleChatHistoryResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"wake_up":      s.cfg.Agent.WakeUp,
		"quit_phrase":  s.cfg.Agent.QuitPhrase,
		"model":        s.cfg.Completion.Model,
		"status":       s.status.Status(),
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handleChatHistoryResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	name := chat.Name(argString(request.Params.Arguments["chat"]))
	if name == "" {
		return nil, fmt.Errorf("missing chat")
	}
	limit := clampLimit(int(asInt64(request.Params.Arguments["limit"])))

	msgs, ok := s.status.History(name)
	if !ok {
		return nil, fmt.Errorf("no history for %q", name)
	}
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return jsonContents(request.Params.URI, map[string]interface{}{
		"chat":     name,
		"count":    len(msgs),
		"messages": msgs,
	})
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
