// Package browser drives Chrome through go-rod: it launches or attaches to a
// browser, owns the WhatsApp Web page and exposes it as a dom.Provider.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"keke-agent/internal/config"
	"keke-agent/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

// SessionManager owns the browser connection and the single page the agent
// works on.
type SessionManager struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	launch     *launcher.Launcher
	page       *rod.Page
	controlURL string
	// attached sessions belong to another process and survive Shutdown
	attached bool
}

func NewSessionManager(cfg config.BrowserConfig) *SessionManager {
	return &SessionManager{cfg: cfg}
}

// Start connects to debugger_url when configured, else launches Chrome with
// the persistent profile so the WhatsApp login survives restarts.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.Warnf("Stale browser connection detected, reconnecting...")
		_ = m.browser.Close()
		m.browser, m.page, m.controlURL = nil, nil, ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := m.newLauncher()
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		m.launch = l
		controlURL = url
	}
	return m.connect(ctx, controlURL)
}

func (m *SessionManager) newLauncher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.IsHeadless())
	if m.cfg.UserDataDir != "" {
		l = l.UserDataDir(m.cfg.UserDataDir)
	}
	if len(m.cfg.Launch) > 0 {
		if m.cfg.Launch[0] != "" {
			l = l.Bin(m.cfg.Launch[0])
		}
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := parseFlag(raw)
			if hasVal {
				l = l.Set(flags.Flag(name), val)
			} else {
				l = l.Set(flags.Flag(name))
			}
		}
	}
	return l
}

// parseFlag splits "--name=value" into its parts.
func parseFlag(raw string) (name, val string, hasVal bool) {
	return strings.Cut(strings.TrimLeft(raw, "-"), "=")
}

func (m *SessionManager) connect(ctx context.Context, controlURL string) error {
	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = b
	m.controlURL = controlURL
	logging.Infof("Browser connected at %s", controlURL)
	return nil
}

// Open creates the agent's page, sizes the viewport and loads url.
func (m *SessionManager) Open(ctx context.Context, url string) (*PageProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.browser == nil {
		return nil, errors.New("browser not connected")
	}

	page, err := m.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.Warnf("failed to set viewport: %v", err)
	}
	if url != "" {
		if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
			logging.Warnf("initial navigation to %s: %v", url, err)
		}
	}
	m.page = page
	return NewPageProvider(page), nil
}

// Attach binds to the page of a session started by another process.
func (m *SessionManager) Attach(ctx context.Context, h Handle) (*PageProvider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		if err := m.connect(ctx, h.EndpointURL); err != nil {
			return nil, err
		}
	}
	page, err := m.browser.PageFromTarget(proto.TargetTargetID(h.SessionID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", h.SessionID, err)
	}
	m.page = page
	m.attached = true
	return NewPageProvider(page), nil
}

// Handle describes the open page for WriteHandle.
func (m *SessionManager) Handle() (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.page == nil {
		return Handle{}, errors.New("no page open")
	}
	return Handle{EndpointURL: m.controlURL, SessionID: string(m.page.TargetID)}, nil
}

// ControlURL returns the DevTools websocket URL of the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes what this process started. An attached session is only
// disconnected, its browser keeps running for the driver.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser == nil {
		return nil
	}
	var err error
	if m.attached {
		// rod has no plain disconnect; dropping the client leaves Chrome alive
		m.browser = nil
	} else {
		err = m.browser.Close()
		m.browser = nil
		if m.launch != nil {
			// Kill, not Cleanup: Cleanup would delete the profile directory
			m.launch.Kill()
			m.launch = nil
		}
	}
	m.page = nil
	m.controlURL = ""
	m.attached = false
	logging.Infof("Browser shutdown complete")
	return err
}
