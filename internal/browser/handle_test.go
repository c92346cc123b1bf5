package browser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHandleRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "keke-session.json")
	want := Handle{EndpointURL: "ws://127.0.0.1:9222/devtools/browser/abc", SessionID: "TARGET1"}

	if err := WriteHandle(path, want); err != nil {
		t.Fatalf("WriteHandle: %v", err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"session_id": "TARGET1"`) || !strings.Contains(string(raw), `"url":`) {
		t.Errorf("unexpected file layout %s", raw)
	}

	got, err := ReadHandle(path)
	if err != nil {
		t.Fatalf("ReadHandle: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestReadHandleErrors(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"garbage.json": "not json",
		"partial.json": `{"url": "ws://x"}`,
	}
	for name, content := range tests {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadHandle(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := ReadHandle(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for a missing handle")
	}
}

func TestWriteHandleRejectsEmpty(t *testing.T) {
	if err := WriteHandle(filepath.Join(t.TempDir(), "h.json"), Handle{}); err == nil {
		t.Error("expected error for an empty handle")
	}
}
