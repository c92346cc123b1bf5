package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"keke-agent/internal/chat"
	"keke-agent/internal/config"
	"keke-agent/internal/logging"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := logging.CurrentLevel()
	t.Cleanup(func() { logging.SetLevel(prev) })

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDumpConfig(t *testing.T) {
	out, err := execute(t, "--no-workspace", "dump-config")
	if err != nil {
		t.Fatalf("dump-config failed: %v", err)
	}
	for _, want := range []string{"wake_up:", "model: gpt-3.5-turbo", "token_budget: 3500"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump-config output missing %q:\n%s", want, out)
		}
	}
}

func TestPersistentFlags(t *testing.T) {
	out, err := execute(t, "--no-workspace", "--headless", "-vv", "dump-config")
	if err != nil {
		t.Fatalf("dump-config failed: %v", err)
	}
	if !strings.Contains(out, "headless: true") {
		t.Errorf("--headless not applied:\n%s", out)
	}
	if logging.CurrentLevel() != logging.LevelDebug {
		t.Errorf("-vv should raise the level to debug, got %d", logging.CurrentLevel())
	}
}

func TestExplicitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keke.yaml")
	if err := os.WriteFile(path, []byte("completion:\n  model: gpt-4o-mini\n"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "--no-workspace", "--config", path, "dump-config")
	if err != nil {
		t.Fatalf("dump-config failed: %v", err)
	}
	if !strings.Contains(out, "model: gpt-4o-mini") {
		t.Errorf("explicit config not applied:\n%s", out)
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "init", dir)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "Initialized keke workspace") {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, config.WorkspaceDirName, config.WorkspaceConfigFile)); err != nil {
		t.Errorf("workspace config not written: %v", err)
	}
	if _, err := execute(t, "init", dir); err == nil {
		t.Error("expected init to refuse an existing workspace")
	}
}

func TestRunRejectsBadWakeUp(t *testing.T) {
	if _, err := execute(t, "--no-workspace", "run", "--wake-up", "(keke"); err == nil {
		t.Fatal("expected an invalid wake-up pattern to be rejected before the browser starts")
	}
}

func TestApplyRunOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Agent.Bundles = [][]string{{"Work"}}
	applyRunOptions(&cfg, &runOptions{
		bundles: []string{"Family, Cousins", " , "},
		wakeUp:  "^hey keke",
		dryRun:  true,
	})

	want := [][]string{{"Work"}, {"Family", "Cousins"}}
	if !reflect.DeepEqual(cfg.Agent.Bundles, want) {
		t.Errorf("bundles = %v, want %v", cfg.Agent.Bundles, want)
	}
	if cfg.Agent.WakeUp != "^hey keke" || !cfg.Agent.DryRun {
		t.Errorf("flags not applied: %+v", cfg.Agent)
	}

	bundles := bundlesFromConfig(cfg.Agent)
	if got := bundles.Destination("Cousins"); got != chat.Name("Family") {
		t.Errorf("Cousins should be answered in Family, got %q", got)
	}
}

func TestRedirectLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keke.log")
	restore, err := redirectLog(path)
	if err != nil {
		t.Fatalf("redirectLog failed: %v", err)
	}
	log.Printf("to the file")
	restore()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "to the file") {
		t.Errorf("log line not redirected: %q", data)
	}

	noop, err := redirectLog("")
	if err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	noop()
}
