package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"keke-agent/internal/config"
	"keke-agent/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath  string
	noWorkspace bool
	headless    bool
	verbose     int
	quiet       int
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "keke",
		Short: "WhatsApp Web agent that syncs many chats and answers when addressed",
		Long: `keke drives WhatsApp Web in Chrome, follows every chat with unread
messages and answers through a chat completion API when a recent message
starts with its wake-up phrase.

Quick Start:
  keke init                          # create .keke/ with config and prompt templates
  keke run                           # launch Chrome and start answering
  keke run --bundle "Family,Cousins" # answer both chats as one conversation in Family
  keke run-driver                    # keep a browser open for later runs
  keke run --use-open-driver         # attach to that browser`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file layered over .keke/config.yaml")
	flags.BoolVar(&opts.noWorkspace, "no-workspace", false, "Skip .keke/ workspace discovery")
	flags.BoolVar(&opts.headless, "headless", false, "Run Chrome without a window")
	flags.CountVarP(&opts.verbose, "verbose", "v", "More logging (repeatable)")
	flags.CountVarP(&opts.quiet, "quiet", "q", "Less logging (repeatable)")

	cmd.AddCommand(
		newRunCmd(opts),
		newRunDriverCmd(opts),
		newInitCmd(),
		newDumpConfigCmd(opts),
	)
	return cmd
}

// loadConfig merges defaults, workspace and --config, then applies the
// persistent flags.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (config.Config, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(opts.configPath, config.WorkspaceOptions{Disable: opts.noWorkspace})
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	if wsDir != "" {
		logging.Debugf("using workspace %s", wsDir)
	}
	if cmd.Flags().Changed("headless") {
		headless := opts.headless
		cfg.Browser.Headless = &headless
	}
	logging.SetLevel(logging.Adjust(logging.ParseLevel(cfg.Server.LogLevel), opts.verbose, opts.quiet))
	return cfg, nil
}

// redirectLog sends log output to path when set. The returned func closes
// the file and restores stderr.
func redirectLog(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .keke/ workspace with config and prompt templates",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 1 {
				root = args[0]
			}
			if err := config.InitWorkspace(root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized keke workspace in %s/%s\n", root, config.WorkspaceDirName)
			return nil
		},
	}
}

func newDumpConfigCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump-config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
