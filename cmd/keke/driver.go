package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"keke-agent/internal/browser"
	"keke-agent/internal/config"
	"keke-agent/internal/console"
	"keke-agent/internal/logging"
)

func newRunDriverCmd(global *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run-driver",
		Short: "Open WhatsApp Web and keep the browser running for run --use-open-driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, global)
			if err != nil {
				return err
			}
			restore, err := redirectLog(cfg.Server.LogFile)
			if err != nil {
				return err
			}
			defer restore()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDriver(ctx, cfg)
		},
	}
}

// runDriver opens the page, persists its handle and blocks until interrupted.
func runDriver(ctx context.Context, cfg config.Config) error {
	sessions := browser.NewSessionManager(cfg.Browser)
	if err := sessions.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sessions.Shutdown(context.Background()); err != nil {
			logging.Warnf("browser shutdown: %v", err)
		}
	}()
	if _, err := sessions.Open(ctx, cfg.WhatsApp.URL); err != nil {
		return err
	}

	h, err := sessions.Handle()
	if err != nil {
		return err
	}
	if err := browser.WriteHandle(cfg.Browser.SessionHandle, h); err != nil {
		return fmt.Errorf("persist session handle: %w", err)
	}
	defer os.Remove(cfg.Browser.SessionHandle)

	console.New(os.Stdout).Hint("Browser ready, session written to %s. Press Ctrl+C to close it.", cfg.Browser.SessionHandle)
	<-ctx.Done()
	return nil
}
