package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/mangle"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// AgentStatusTool reports the run status.
type AgentStatusTool struct {
	status StatusSource
}

func (t *AgentStatusTool) Name() string { return "agent-status" }
func (t *AgentStatusTool) Description() string {
	return "Run status of the sync agent: cycles completed, replies sent, the last error and one entry per destination chat."
}
func (t *AgentStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *AgentStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return t.status.Status(), nil
}

// ListChatsTool lists destinations seen in this run, plus archived ones.
type ListChatsTool struct {
	status  StatusSource
	archive ArchiveReader
}

func (t *ListChatsTool) Name() string { return "list-chats" }
func (t *ListChatsTool) Description() string {
	return "List destination chats with their message counts. Set archived=true to list every chat in the transcript archive instead."
}
func (t *ListChatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"archived": map[string]interface{}{
				"type":        "boolean",
				"description": "Read from the transcript archive rather than this run",
			},
		},
	}
}
func (t *ListChatsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if getBoolArg(args, "archived", false) {
		if t.archive == nil {
			return nil, errors.New("transcript archive disabled")
		}
		chats, err := t.archive.Chats(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"source": "archive", "count": len(chats), "chats": chats}, nil
	}
	chats := t.status.Chats()
	return map[string]interface{}{"source": "run", "count": len(chats), "chats": chats}, nil
}

// ChatHistoryTool returns the newest messages of one destination.
type ChatHistoryTool struct {
	status      StatusSource
	archive     ArchiveReader
	replyPrefix string
}

func (t *ChatHistoryTool) Name() string { return "chat-history" }
func (t *ChatHistoryTool) Description() string {
	return "Newest messages of a destination chat, oldest first. Falls back to the transcript archive when the chat has not been seen in this run."
}
func (t *ChatHistoryTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"chat": map[string]interface{}{
				"type":        "string",
				"description": "Chat title as shown in WhatsApp Web",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum messages to return (default 50)",
			},
		},
		"required": []string{"chat"},
	}
}
func (t *ChatHistoryTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	name := chat.Name(strings.TrimSpace(getStringArg(args, "chat")))
	if name == "" {
		return nil, errors.New("chat is required")
	}
	limit := clampLimit(getIntArg(args, "limit", defaultHistoryLimit))

	source := "run"
	msgs, ok := t.status.History(name)
	if !ok {
		if t.archive == nil {
			return nil, fmt.Errorf("no history for %q", name)
		}
		var err error
		if msgs, err = t.archive.Recent(ctx, name, limit, t.replyPrefix); err != nil {
			return nil, err
		}
		source = "archive"
	}
	total := len(msgs)
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return map[string]interface{}{
		"chat":     name,
		"source":   source,
		"total":    total,
		"count":    len(msgs),
		"messages": msgs,
	}, nil
}

// QueryFactsTool runs a single-atom query against the fact ledger.
type QueryFactsTool struct {
	engine *mangle.Engine
}

func (t *QueryFactsTool) Name() string { return "query-facts" }
func (t *QueryFactsTool) Description() string {
	return `Query the fact ledger with one atom, e.g. chat_author("Family", Author). Variables are bound per matching fact.`
}
func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle atom, the trailing period is optional",
			},
		},
		"required": []string{"query"},
	}
}
func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := strings.TrimSpace(getStringArg(args, "query"))
	if query == "" {
		return nil, errors.New("query is required")
	}
	if !strings.HasSuffix(query, ".") {
		query += "."
	}
	results, err := t.engine.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"query": query, "count": len(results), "results": results}, nil
}

// EvaluateRuleTool evaluates the rules and returns every fact of a predicate.
type EvaluateRuleTool struct {
	engine *mangle.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate-rule" }
func (t *EvaluateRuleTool) Description() string {
	return "Evaluate the ledger rules and return the derived facts of a predicate such as active_chat or answered_chat. An optional rule is added first."
}
func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to return",
			},
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Optional Mangle source (Decl plus rules) merged before evaluation",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	if predicate == "" {
		return nil, errors.New("predicate is required")
	}
	if rule := getStringArg(args, "rule"); strings.TrimSpace(rule) != "" {
		if err := t.engine.AddRule(rule); err != nil {
			return nil, err
		}
	}
	facts, err := t.engine.Evaluate(ctx, predicate)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

// ReadFactsTool returns buffered observations, optionally since a point in time.
type ReadFactsTool struct {
	engine *mangle.Engine
}

func (t *ReadFactsTool) Name() string { return "read-facts" }
func (t *ReadFactsTool) Description() string {
	return "Read buffered observations of one predicate (chat_message, unread_chat, wake_message, reply_sent, sync_cycle), newest last."
}
func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to read",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts newer than this Unix time in milliseconds",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 50)",
			},
		},
		"required": []string{"predicate"},
	}
}
func (t *ReadFactsTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	predicate := strings.TrimSpace(getStringArg(args, "predicate"))
	if predicate == "" {
		return nil, errors.New("predicate is required")
	}
	var since time.Time
	if ms := asInt64(args["since_ms"]); ms > 0 {
		since = time.UnixMilli(ms)
	}
	facts := t.engine.QueryTemporal(predicate, since, time.Time{})
	if limit := clampLimit(getIntArg(args, "limit", defaultHistoryLimit)); len(facts) > limit {
		facts = facts[len(facts)-limit:]
	}
	return map[string]interface{}{"predicate": predicate, "count": len(facts), "facts": facts}, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
