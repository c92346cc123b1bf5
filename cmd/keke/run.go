package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"keke-agent/internal/agent"
	"keke-agent/internal/archive"
	"keke-agent/internal/browser"
	"keke-agent/internal/chat"
	"keke-agent/internal/completion"
	"keke-agent/internal/config"
	"keke-agent/internal/console"
	"keke-agent/internal/logging"
	"keke-agent/internal/mangle"
	"keke-agent/internal/mcp"
	"keke-agent/internal/prompt"
	"keke-agent/internal/recorder"
	"keke-agent/internal/trigger"
	"keke-agent/internal/whatsapp"
)

// loginStep is how long each look for the chat list waits before the login
// code is checked again.
const loginStep = 2 * time.Second

type runOptions struct {
	bundles       []string
	useOpenDriver bool
	wakeUp        string
	dryRun        bool
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync unread chats and answer wake-up messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global)
			if err != nil {
				return err
			}
			applyRunOptions(&cfg, opts)
			if err := cfg.Validate(); err != nil {
				return err
			}
			restore, err := redirectLog(cfg.Server.LogFile)
			if err != nil {
				return err
			}
			defer restore()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, cfg, opts.useOpenDriver)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.bundles, "bundle", nil, `Comma separated chats answered as one, the first receives replies (repeatable)`)
	f.BoolVar(&opts.useOpenDriver, "use-open-driver", false, "Attach to the browser started by run-driver")
	f.StringVar(&opts.wakeUp, "wake-up", "", "Wake-up regular expression (default from config)")
	f.BoolVar(&opts.dryRun, "dry-run", false, "Print completions instead of sending them")
	return cmd
}

// applyRunOptions layers the run flags over the loaded config.
func applyRunOptions(cfg *config.Config, opts *runOptions) {
	for _, spec := range opts.bundles {
		b := chat.ParseBundle(spec)
		if len(b) == 0 {
			continue
		}
		members := make([]string, len(b))
		for i, name := range b {
			members[i] = string(name)
		}
		cfg.Agent.Bundles = append(cfg.Agent.Bundles, members)
	}
	if opts.wakeUp != "" {
		cfg.Agent.WakeUp = opts.wakeUp
	}
	if opts.dryRun {
		cfg.Agent.DryRun = true
	}
}

func bundlesFromConfig(cfg config.AgentConfig) chat.Bundles {
	out := make(chat.Bundles, 0, len(cfg.Bundles))
	for _, members := range cfg.Bundles {
		b := make(chat.Bundle, 0, len(members))
		for _, m := range members {
			b = append(b, chat.Name(m))
		}
		out = append(out, b)
	}
	return out
}

func runAgent(ctx context.Context, cfg config.Config, useOpenDriver bool) error {
	out := console.New(os.Stdout)

	sessions := browser.NewSessionManager(cfg.Browser)
	var page *browser.PageProvider
	var err error
	if useOpenDriver {
		h, herr := browser.ReadHandle(cfg.Browser.SessionHandle)
		if herr != nil {
			return herr
		}
		page, err = sessions.Attach(ctx, h)
	} else {
		if err = sessions.Start(ctx); err == nil {
			page, err = sessions.Open(ctx, cfg.WhatsApp.URL)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to open WhatsApp Web: %w", err)
	}
	defer func() {
		if err := sessions.Shutdown(context.Background()); err != nil {
			logging.Warnf("browser shutdown: %v", err)
		}
	}()

	wa := whatsapp.NewClient(page, cfg.WhatsApp, whatsapp.Options{
		ReplyPrefix:   cfg.Agent.ReplyPrefix,
		ScreenshotDir: cfg.Browser.ScreenshotDir,
	})
	if err := wa.OpenMain(ctx); err != nil {
		return err
	}
	out.Hint("Waiting for WhatsApp Web to load, a login code is exported to %s if needed", cfg.WhatsApp.LoginQRPath)
	if err := wa.WaitForLogin(ctx, loginStep); err != nil {
		return fmt.Errorf("waiting for login: %w", err)
	}

	eval, err := trigger.NewEvaluator(cfg.Agent.WakeUp, cfg.Agent.QuitPhrase, cfg.Agent.GetRecencyWindow())
	if err != nil {
		return err
	}
	loader := prompt.NewLoader(cfg.Completion.PromptsDir)
	if err := loader.Watch(ctx); err != nil {
		logging.Warnf("prompt reload disabled: %v", err)
	}
	if cfg.Completion.APIKey() == "" && !cfg.Agent.DryRun {
		logging.Warnf("%s is not set, completion requests will be rejected", cfg.Completion.APIKeyEnv)
	}
	client := completion.NewClient(cfg.Completion.APIKey(),
		completion.WithBaseURL(cfg.Completion.BaseURL),
		completion.WithTimeout(cfg.Completion.GetTimeout()),
	)

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return fmt.Errorf("failed to initialize fact ledger: %w", err)
	}

	runID := uuid.NewString()
	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		if rec, err = recorder.NewRecorder(cfg.Recorder.TraceDir); err == nil {
			err = rec.Start(runID)
		}
		if err != nil {
			logging.Warnf("flight recorder disabled: %v", err)
			rec = nil
		}
		defer rec.Close()
	}

	deps := agent.Deps{
		Chats:     wa,
		Poller:    whatsapp.NewUnreadFinder(wa),
		Trigger:   eval,
		Builder:   prompt.NewBuilder(prompt.NewCounter(cfg.Completion.Encoding), cfg.Completion.TokenBudget, cfg.Agent.ReplyPrefix),
		Prompts:   loader,
		Completer: client,
		Model:     cfg.Completion.Model,
		Bundles:   bundlesFromConfig(cfg.Agent),
		DryRun:    cfg.Agent.DryRun,
		Backoff:   cfg.WhatsApp.GetIdleBackoff(),
		Output:    out,
		Recorder:  rec,
		RunID:     runID,
	}
	if cfg.Mangle.Enable {
		deps.Facts = engine
		go watchAnswered(ctx, engine)
	}

	var reader mcp.ArchiveReader
	if cfg.Archive.Path != "" {
		store, err := archive.Open(cfg.Archive.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		deps.Archive = store
		reader = store
	}

	a := agent.New(deps)
	if cfg.MCP.SSEPort > 0 {
		srv, err := mcp.NewServer(cfg, a, engine, reader)
		if err != nil {
			return fmt.Errorf("failed to initialize MCP server: %w", err)
		}
		go func() {
			if err := srv.StartSSE(ctx, cfg.MCP.SSEPort); err != nil && !errors.Is(err, context.Canceled) {
				logging.Errorf("MCP server exited with error: %v", err)
			}
		}()
	}

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// watchAnswered logs the chats answered so far whenever the ledger changes.
func watchAnswered(ctx context.Context, engine *mangle.Engine) {
	ch := make(chan mangle.WatchEvent, 1)
	engine.Subscribe("answered_chat", ch)
	defer engine.Unsubscribe("answered_chat", ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			logging.Debugf("%d chats answered this run", len(ev.Facts))
		}
	}
}
