package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"keke-agent/internal/agent"
	"keke-agent/internal/archive"
	"keke-agent/internal/chat"
	"keke-agent/internal/config"
	"keke-agent/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
)

var t0 = time.Date(2023, 4, 9, 9, 0, 0, 0, time.UTC)

func msg(minute int, author, text string) chat.Message {
	return chat.NewMessage(t0.Add(time.Duration(minute)*time.Minute), "", author, text, chat.DefaultReplyPrefix)
}

type fakeStatus struct {
	histories map[chat.Name][]chat.Message
}

func (f *fakeStatus) Status() agent.Status {
	return agent.Status{RunID: "run-1", Cycles: 3, Replies: 1, LastReplyTo: "Family", Chats: f.Chats()}
}

func (f *fakeStatus) Chats() []agent.ChatStatus {
	var out []agent.ChatStatus
	for name, msgs := range f.histories {
		out = append(out, agent.ChatStatus{Name: name, Messages: len(msgs)})
	}
	return out
}

func (f *fakeStatus) History(name chat.Name) ([]chat.Message, bool) {
	msgs, ok := f.histories[name]
	return msgs, ok
}

type fakeArchive struct {
	msgs map[chat.Name][]chat.Message
	err  error
}

func (a *fakeArchive) Recent(_ context.Context, name chat.Name, limit int, _ string) ([]chat.Message, error) {
	if a.err != nil {
		return nil, a.err
	}
	msgs := a.msgs[name]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (a *fakeArchive) Chats(context.Context) ([]archive.ChatSummary, error) {
	var out []archive.ChatSummary
	for name, msgs := range a.msgs {
		out = append(out, archive.ChatSummary{Name: name, Messages: len(msgs)})
	}
	return out, a.err
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	cfg.Mangle = config.MangleConfig{Enable: true, FactBufferLimit: 1000}
	return cfg
}

func newTestServer(t *testing.T, store ArchiveReader) (*Server, *mangle.Engine) {
	t.Helper()
	cfg := setupTestServerConfig()
	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	status := &fakeStatus{histories: map[chat.Name][]chat.Message{
		"Family": {msg(0, "Alice", "hi"), msg(1, "Bob", "keke, hello"), msg(2, "Keke", chat.DefaultReplyPrefix+"Hello Bob")},
	}}
	server, err := NewServer(cfg, status, engine, store)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, engine
}

func TestNewServer(t *testing.T) {
	t.Run("registers every tool", func(t *testing.T) {
		server, _ := newTestServer(t, nil)
		for _, name := range []string{"agent-status", "list-chats", "chat-history", "query-facts", "evaluate-rule", "read-facts"} {
			if _, ok := server.tools[name]; !ok {
				t.Errorf("tool %s not registered", name)
			}
		}
	})

	t.Run("fact tools need the engine", func(t *testing.T) {
		cfg := setupTestServerConfig()
		cfg.Mangle.Enable = false
		server, err := NewServer(cfg, &fakeStatus{}, nil, nil)
		if err != nil {
			t.Fatalf("NewServer failed: %v", err)
		}
		if _, ok := server.tools["query-facts"]; ok {
			t.Error("query-facts must not be registered without an engine")
		}
		if len(server.tools) != 3 {
			t.Errorf("expected 3 tools, got %d", len(server.tools))
		}
	})

	t.Run("requires a status source", func(t *testing.T) {
		if _, err := NewServer(setupTestServerConfig(), nil, nil, nil); err == nil {
			t.Error("expected error without a status source")
		}
	})
}

func TestToolInterface(t *testing.T) {
	server, _ := newTestServer(t, nil)
	for name, tool := range server.tools {
		if tool.Name() != name {
			t.Errorf("tool registered as %q reports %q", name, tool.Name())
		}
		if tool.Description() == "" {
			t.Errorf("%s: expected non-empty description", name)
		}
		schema := tool.InputSchema()
		if schema["type"] != "object" {
			t.Errorf("%s: expected object schema, got %v", name, schema["type"])
		}
	}
}

func TestExecuteTool(t *testing.T) {
	server, _ := newTestServer(t, nil)

	t.Run("unknown tool", func(t *testing.T) {
		if _, err := server.ExecuteTool("push-facts", nil); err == nil {
			t.Error("expected error for unknown tool")
		}
	})

	t.Run("agent status", func(t *testing.T) {
		result, err := server.ExecuteTool("agent-status", nil)
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		st, ok := result.(agent.Status)
		if !ok || st.Cycles != 3 || st.LastReplyTo != "Family" {
			t.Errorf("unexpected status %+v", result)
		}
	})
}

func TestWrapTool(t *testing.T) {
	server, _ := newTestServer(t, nil)
	handler := server.wrapTool(server.tools["chat-history"])

	t.Run("success payload", func(t *testing.T) {
		var req mcp.CallToolRequest
		req.Params.Arguments = map[string]interface{}{"chat": "Family", "limit": float64(2)}
		res, err := handler(context.Background(), req)
		if err != nil {
			t.Fatalf("handler failed: %v", err)
		}
		if res.IsError {
			t.Fatalf("unexpected tool error %+v", res.Content)
		}
		text, ok := res.Content[0].(mcp.TextContent)
		if !ok {
			t.Fatalf("expected text content, got %T", res.Content[0])
		}
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(text.Text), &decoded); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if decoded["count"].(float64) != 2 || decoded["total"].(float64) != 3 {
			t.Errorf("unexpected payload %v", decoded)
		}
	})

	t.Run("errors become tool results", func(t *testing.T) {
		res, err := handler(context.Background(), mcp.CallToolRequest{})
		if err != nil {
			t.Fatalf("handler must not fail: %v", err)
		}
		if !res.IsError {
			t.Error("expected IsError for a missing chat argument")
		}
	})
}

func TestMarshalToolPayloadFallback(t *testing.T) {
	payload := marshalToolPayload("test-tool", map[string]interface{}{
		"bad": math.NaN(),
	})
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload should always be valid JSON: %v", err)
	}
	if success, _ := decoded["success"].(bool); success {
		t.Fatalf("expected success=false fallback payload, got %v", decoded)
	}
	if decoded["error"] == nil {
		t.Fatalf("expected fallback payload to include error, got %v", decoded)
	}
}

func TestChatHistoryTool(t *testing.T) {
	store := &fakeArchive{msgs: map[chat.Name][]chat.Message{
		"Work": {msg(0, "Carol", "standup"), msg(5, "Dave", "done")},
	}}
	server, _ := newTestServer(t, store)
	ctx := context.Background()
	tool := server.tools["chat-history"]

	t.Run("run history", func(t *testing.T) {
		result, err := tool.Execute(ctx, map[string]interface{}{"chat": "Family"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		m := result.(map[string]interface{})
		if m["source"] != "run" || m["count"].(int) != 3 {
			t.Errorf("unexpected result %v", m)
		}
	})

	t.Run("falls back to the archive", func(t *testing.T) {
		result, err := tool.Execute(ctx, map[string]interface{}{"chat": "Work", "limit": "1"})
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		m := result.(map[string]interface{})
		msgs := m["messages"].([]chat.Message)
		if m["source"] != "archive" || len(msgs) != 1 || msgs[0].Author != "Dave" {
			t.Errorf("unexpected result %v", m)
		}
	})

	t.Run("archive error", func(t *testing.T) {
		store.err = errors.New("database is locked")
		defer func() { store.err = nil }()
		if _, err := tool.Execute(ctx, map[string]interface{}{"chat": "Work"}); err == nil {
			t.Error("expected archive error to surface")
		}
	})

	t.Run("unknown chat without archive", func(t *testing.T) {
		bare, _ := newTestServer(t, nil)
		if _, err := bare.ExecuteTool("chat-history", map[string]interface{}{"chat": "Nobody"}); err == nil {
			t.Error("expected error for an unknown chat")
		}
	})
}

func TestListChatsTool(t *testing.T) {
	store := &fakeArchive{msgs: map[chat.Name][]chat.Message{"Work": {msg(0, "Carol", "hi")}}}
	server, _ := newTestServer(t, store)

	result, err := server.ExecuteTool("list-chats", nil)
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	if m := result.(map[string]interface{}); m["count"].(int) != 1 || m["source"] != "run" {
		t.Errorf("unexpected run chats %v", m)
	}

	result, err = server.ExecuteTool("list-chats", map[string]interface{}{"archived": true})
	if err != nil {
		t.Fatalf("ExecuteTool failed: %v", err)
	}
	chats := result.(map[string]interface{})["chats"].([]archive.ChatSummary)
	if len(chats) != 1 || chats[0].Name != "Work" {
		t.Errorf("unexpected archived chats %v", chats)
	}

	bare, _ := newTestServer(t, nil)
	if _, err := bare.ExecuteTool("list-chats", map[string]interface{}{"archived": "true"}); err == nil {
		t.Error("expected error when the archive is disabled")
	}
}

func TestFactTools(t *testing.T) {
	server, engine := newTestServer(t, nil)
	ctx := context.Background()
	if err := engine.AddFacts(ctx, []mangle.Fact{
		mangle.ChatMessage("Family", msg(0, "Alice", "hi")),
		mangle.ChatMessage("Family", msg(1, "Bob", "keke, hello")),
		mangle.ReplySent("Family", t0.Add(2*time.Minute)),
		mangle.SyncCycle(1, 2, t0),
		mangle.SyncCycle(1, 1, t0.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	t.Run("query tolerates missing trailing period", func(t *testing.T) {
		result, err := server.ExecuteTool("query-facts", map[string]interface{}{"query": `chat_author("Family", Author)`})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if n := result.(map[string]interface{})["count"].(int); n != 2 {
			t.Errorf("expected 2 authors, got %d", n)
		}
	})

	t.Run("query requires text", func(t *testing.T) {
		if _, err := server.ExecuteTool("query-facts", nil); err == nil {
			t.Error("expected error for empty query")
		}
	})

	t.Run("evaluate derived predicate", func(t *testing.T) {
		result, err := server.ExecuteTool("evaluate-rule", map[string]interface{}{"predicate": "answered_chat"})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if n := result.(map[string]interface{})["count"].(int); n != 1 {
			t.Errorf("expected 1 answered chat, got %d", n)
		}
	})

	t.Run("evaluate with an added rule", func(t *testing.T) {
		rule := "Decl talker(Author).\ntalker(A) :- chat_author(_, A).\n"
		result, err := server.ExecuteTool("evaluate-rule", map[string]interface{}{"predicate": "talker", "rule": rule})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if n := result.(map[string]interface{})["count"].(int); n != 2 {
			t.Errorf("expected 2 talkers, got %d", n)
		}
	})

	t.Run("read facts since", func(t *testing.T) {
		since := t0.Add(30 * time.Second).UnixMilli()
		result, err := server.ExecuteTool("read-facts", map[string]interface{}{"predicate": "sync_cycle", "since_ms": float64(since)})
		if err != nil {
			t.Fatalf("ExecuteTool failed: %v", err)
		}
		if n := result.(map[string]interface{})["count"].(int); n != 1 {
			t.Errorf("expected 1 recent cycle, got %d", n)
		}
	})
}

func TestArgHelpers(t *testing.T) {
	args := map[string]interface{}{"n": float64(7), "s": "12", "blank": "", "b": "true"}
	if got := getIntArg(args, "n", 0); got != 7 {
		t.Errorf("getIntArg(n) = %d", got)
	}
	if got := getIntArg(args, "s", 0); got != 12 {
		t.Errorf("getIntArg(s) = %d", got)
	}
	if got := getIntArg(args, "blank", 5); got != 5 {
		t.Errorf("getIntArg(blank) = %d", got)
	}
	if !getBoolArg(args, "b", false) {
		t.Error("getBoolArg should parse string booleans")
	}
	if got := argString([]string{"Family"}); got != "Family" {
		t.Errorf("argString = %q", got)
	}
}
