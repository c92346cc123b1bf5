package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level keke config.
	WorkspaceDirName = ".keke"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely.
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up.
	ExplicitDir string
}

// Config captures all tunable settings for the keke agent.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	WhatsApp   WhatsAppConfig   `yaml:"whatsapp"`
	Agent      AgentConfig      `yaml:"agent"`
	Completion CompletionConfig `yaml:"completion"`
	Mangle     MangleConfig     `yaml:"mangle"`
	MCP        MCPConfig        `yaml:"mcp"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Recorder   RecorderConfig   `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug | info | warn | error.
	LogLevel string `yaml:"log_level"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). When empty, Rod launches Chrome.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command (binary followed by flags).
	Launch []string `yaml:"launch"`
	// Headless controls whether Chrome runs in headless mode (default: false, WhatsApp needs a QR scan).
	Headless *bool `yaml:"headless"`
	// UserDataDir keeps the WhatsApp Web login between runs.
	UserDataDir string `yaml:"user_data_dir"`
	// Default navigation timeout (e.g., "30s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// SessionHandle is where run-driver persists {endpoint_url, session_id}.
	SessionHandle string `yaml:"session_handle"`
	// ScreenshotDir receives diagnostic screenshots.
	ScreenshotDir  string `yaml:"screenshot_dir"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
}

// WhatsAppConfig holds timings and the UI-specific markup knowledge.
type WhatsAppConfig struct {
	URL string `yaml:"url"`
	// How long one unread poll waits for activity (e.g., "10s").
	PollTimeout string `yaml:"poll_timeout"`
	// Interval between unread checks within one poll (e.g., "1s").
	PollInterval string `yaml:"poll_interval"`
	// Only unread chats active within this window are reported (e.g., "2m").
	RecentActivity string `yaml:"recent_activity"`
	// Sleep between empty sync cycles (e.g., "2s").
	IdleBackoff string `yaml:"idle_backoff"`
	// How long to wait for a chat link or the compose box (e.g., "30s").
	ElementTimeout string `yaml:"element_timeout"`
	// Where the login QR code is exported as PNG.
	LoginQRPath string    `yaml:"login_qr_path"`
	Selectors   Selectors `yaml:"selectors"`
}

// Selectors are the CSS/XPath expressions for the WhatsApp Web markup.
// They change with UI releases, so they live in config.
type Selectors struct {
	ChatList          string `yaml:"chat_list"`
	MessageRows       string `yaml:"message_rows"`
	Bubble            string `yaml:"bubble"`
	LabelAttr         string `yaml:"label_attr"`
	Body              string `yaml:"body"`
	MessageParent     string `yaml:"message_parent"`
	MessageIDAttr     string `yaml:"message_id_attr"`
	UnreadBadge       string `yaml:"unread_badge"`
	RowFromBadge      string `yaml:"row_from_badge"`
	RowTitle          string `yaml:"row_title"`
	RowActivity       string `yaml:"row_activity"`
	TitleAttr         string `yaml:"title_attr"`
	SelectedChatTitle string `yaml:"selected_chat_title"`
	// ChatLink is a format string receiving an XPath string literal of the chat title.
	ChatLink    string `yaml:"chat_link"`
	ComposeBox  string `yaml:"compose_box"`
	LoginQR     string `yaml:"login_qr"`
	LoginQRAttr string `yaml:"login_qr_attr"`
}

// AgentConfig controls when and how the agent replies.
type AgentConfig struct {
	ReplyPrefix string `yaml:"reply_prefix"`
	// WakeUp is a regular expression; word boundaries are added at word-character edges.
	WakeUp     string `yaml:"wake_up"`
	QuitPhrase string `yaml:"quit_phrase"`
	// RecencyWindow bounds which messages of a batch can trigger (e.g., "1m").
	RecencyWindow string     `yaml:"recency_window"`
	Bundles       [][]string `yaml:"bundles"`
	DryRun        bool       `yaml:"dry_run"`
}

// CompletionConfig configures the OpenAI-compatible completion endpoint.
type CompletionConfig struct {
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TokenBudget int    `yaml:"token_budget"`
	Timeout     string `yaml:"timeout"`
	PromptsDir  string `yaml:"prompts_dir"`
	Encoding    string `yaml:"encoding"`
}

// MangleConfig controls the embedded fact ledger.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// SchemaPath overrides the built-in rule set when set.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// When set, starts an SSE status server on this port.
	SSEPort int `yaml:"sse_port"`
}

// ArchiveConfig configures the SQLite transcript archive. Empty path disables it.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

type RecorderConfig struct {
	Enable   bool   `yaml:"enable"`
	TraceDir string `yaml:"trace_dir"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:     "keke",
			Version:  "0.3.0",
			LogFile:  "",
			LogLevel: "info",
		},
		Browser: BrowserConfig{
			UserDataDir:              "chrome-profile",
			DefaultNavigationTimeout: "30s",
			SessionHandle:            "keke-session.json",
			ScreenshotDir:            ".",
			ViewportWidth:            1280,
			ViewportHeight:           900,
		},
		WhatsApp: WhatsAppConfig{
			URL:            "https://web.whatsapp.com/",
			PollTimeout:    "10s",
			PollInterval:   "1s",
			RecentActivity: "2m",
			IdleBackoff:    "2s",
			ElementTimeout: "30s",
			LoginQRPath:    "keke-login-qr.png",
			Selectors:      DefaultSelectors(),
		},
		Agent: AgentConfig{
			ReplyPrefix:   "*Keke:* ",
			WakeUp:        "^keke,",
			QuitPhrase:    "keke,kuole",
			RecencyWindow: "1m",
		},
		Completion: CompletionConfig{
			BaseURL:     "https://api.openai.com/v1",
			APIKeyEnv:   "OPENAI_API_KEY",
			Model:       "gpt-3.5-turbo",
			TokenBudget: 3500,
			Timeout:     "120s",
			PromptsDir:  "prompts",
			Encoding:    "cl100k_base",
		},
		Mangle: MangleConfig{
			Enable:          true,
			SchemaPath:      "",
			FactBufferLimit: 4096,
		},
		Recorder: RecorderConfig{
			Enable:   true,
			TraceDir: "data/traces",
		},
	}
}

// DefaultSelectors matches the WhatsApp Web markup at the time of writing.
func DefaultSelectors() Selectors {
	return Selectors{
		ChatList:          "#pane-side",
		MessageRows:       "div.message-out, div.message-in",
		Bubble:            "div.copyable-text",
		LabelAttr:         "data-pre-plain-text",
		Body:              "span.selectable-text",
		MessageParent:     "./..",
		MessageIDAttr:     "data-id",
		UnreadBadge:       "//span[@data-testid='icon-unread-count']",
		RowFromBadge:      "./ancestor::div[@data-testid='cell-frame-container']",
		RowTitle:          ".//div[@data-testid='cell-frame-title']/span[@title]",
		RowActivity:       ".//div[@data-testid='cell-frame-primary-detail']",
		TitleAttr:         "title",
		SelectedChatTitle: "//div[@id='pane-side']//div[@role='row' and @aria-selected='true']//div[@data-testid='cell-frame-title']/span[@title]",
		ChatLink:          "//span[@title=%s]",
		ComposeBox:        "//div[@data-testid='compose-box']//div[@contenteditable='true']",
		LoginQR:           "div[data-ref]",
		LoginQRAttr:       "data-ref",
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .keke/config.yaml file.
// Returns the workspace root directory (parent of .keke/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .keke/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .keke/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "prompts"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# keke project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# agent:
#   wake_up: "^keke,"
#   bundles:
#     - ["Family", "Family photos"]

completion:
  prompts_dir: ".keke/prompts"
#   model: gpt-3.5-turbo
#   token_budget: 3500

# archive:
#   path: ".keke/data/transcript.db"

# mcp:
#   sse_port: 8765
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	promptPath := filepath.Join(wsDir, "prompts", "initial.txt")
	if err := os.WriteFile(promptPath, []byte(defaultPrompt), 0644); err != nil {
		return fmt.Errorf("writing prompt template: %w", err)
	}

	gitignoreContent := "# Runtime data (transcripts, traces, browser profile) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

const defaultPrompt = `You are Keke, a friendly participant in a WhatsApp group chat.
Messages from other participants are prefixed with their name.
Answer briefly, in the language of the latest message.
`

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Browser.SessionHandle = resolve(cfg.Browser.SessionHandle)
	cfg.Browser.UserDataDir = resolve(cfg.Browser.UserDataDir)
	cfg.Completion.PromptsDir = resolve(cfg.Completion.PromptsDir)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Archive.Path = resolve(cfg.Archive.Path)
	cfg.Recorder.TraceDir = resolve(cfg.Recorder.TraceDir)
	return cfg
}

// Validate ensures required fields exist so the agent can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Agent.ReplyPrefix == "" {
		return errors.New("agent.reply_prefix is required")
	}
	if _, err := regexp.Compile(c.Agent.WakeUp); err != nil {
		return fmt.Errorf("agent.wake_up: %w", err)
	}
	if c.Completion.Model == "" {
		return errors.New("completion.model is required")
	}
	if c.Completion.TokenBudget <= 0 {
		return errors.New("completion.token_budget must be positive")
	}
	for i, b := range c.Agent.Bundles {
		if len(b) == 0 {
			return fmt.Errorf("agent.bundles[%d] is empty", i)
		}
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

func (w WhatsAppConfig) GetPollTimeout() time.Duration {
	return parseDuration(w.PollTimeout, 10*time.Second)
}

func (w WhatsAppConfig) GetPollInterval() time.Duration {
	return parseDuration(w.PollInterval, time.Second)
}

func (w WhatsAppConfig) GetRecentActivity() time.Duration {
	return parseDuration(w.RecentActivity, 2*time.Minute)
}

func (w WhatsAppConfig) GetIdleBackoff() time.Duration {
	return parseDuration(w.IdleBackoff, 2*time.Second)
}

func (w WhatsAppConfig) GetElementTimeout() time.Duration {
	return parseDuration(w.ElementTimeout, 30*time.Second)
}

// GetRecencyWindow returns the trigger recency window with a sane default.
func (a AgentConfig) GetRecencyWindow() time.Duration {
	return parseDuration(a.RecencyWindow, time.Minute)
}

func (c CompletionConfig) GetTimeout() time.Duration {
	return parseDuration(c.Timeout, 120*time.Second)
}

// APIKey reads the API key from the configured environment variable.
func (c CompletionConfig) APIKey() string {
	if c.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.APIKeyEnv)
}
