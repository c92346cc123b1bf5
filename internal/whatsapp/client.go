// Package whatsapp holds everything that knows about the WhatsApp Web markup:
// label and date parsing, body unrendering, unread detection, chat
// navigation and sending. It talks to the page only through dom.Provider.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/config"
	"keke-agent/internal/dom"
	"keke-agent/internal/logging"
)

// Client drives one WhatsApp Web page.
type Client struct {
	dom           dom.Provider
	cfg           config.WhatsAppConfig
	sel           config.Selectors
	replyPrefix   string
	screenshotDir string
	now           func() time.Time
}

// Options carries the settings that live outside the whatsapp config section.
type Options struct {
	ReplyPrefix   string
	ScreenshotDir string
	Now           func() time.Time
}

// NewClient wraps a DOM provider.
func NewClient(provider dom.Provider, cfg config.WhatsAppConfig, opts Options) *Client {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReplyPrefix == "" {
		opts.ReplyPrefix = chat.DefaultReplyPrefix
	}
	return &Client{
		dom:           provider,
		cfg:           cfg,
		sel:           cfg.Selectors,
		replyPrefix:   opts.ReplyPrefix,
		screenshotDir: opts.ScreenshotDir,
		now:           opts.Now,
	}
}

// Provider exposes the underlying DOM provider.
func (c *Client) Provider() dom.Provider {
	return c.dom
}

// OpenMain navigates to WhatsApp Web unless the page is already there.
func (c *Client) OpenMain(ctx context.Context) error {
	loc, err := c.dom.CurrentLocation(ctx)
	if err != nil {
		return dom.Transient("current location", err)
	}
	if loc == c.cfg.URL {
		return nil
	}
	logging.Debugf("navigating from %q to %s", loc, c.cfg.URL)
	return dom.Transient("navigate", c.dom.Navigate(ctx, c.cfg.URL))
}

// OpenChat clicks the chat list entry titled name.
func (c *Client) OpenChat(ctx context.Context, name chat.Name) error {
	if err := c.OpenMain(ctx); err != nil {
		return err
	}
	selector := fmt.Sprintf(c.sel.ChatLink, xpathLiteral(string(name)))
	link, err := c.dom.FindOne(ctx, selector, c.cfg.GetElementTimeout())
	if err != nil {
		return fmt.Errorf("open chat %q: %w", name, dom.Transient("find chat link", err))
	}
	if err := c.dom.Click(ctx, link); err != nil {
		return fmt.Errorf("open chat %q: %w", name, dom.Transient("click chat link", err))
	}
	return nil
}

// SelectedChat returns the title of the currently open chat.
func (c *Client) SelectedChat(ctx context.Context) (chat.Name, error) {
	matches, err := c.dom.FindAll(ctx, c.sel.SelectedChatTitle)
	if err != nil {
		return "", dom.Transient("find selected chat", err)
	}
	if len(matches) == 0 {
		return "", dom.ErrElementNotFound
	}
	title, ok, err := c.dom.Attribute(ctx, matches[0], c.sel.TitleAttr)
	if err != nil {
		return "", dom.Transient("read selected chat title", err)
	}
	if !ok || title == "" {
		return "", dom.ErrElementNotFound
	}
	return chat.Name(title), nil
}

// TailID returns the id of the newest rendered message in the open chat, or
// "" when the chat shows no messages.
func (c *Client) TailID(ctx context.Context) (string, error) {
	rows, err := c.dom.FindAll(ctx, c.sel.MessageRows)
	if err != nil {
		return "", dom.Transient("find message rows", err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	return c.messageID(ctx, rows[len(rows)-1])
}

func (c *Client) messageID(ctx context.Context, row dom.Handle) (string, error) {
	parent, err := c.dom.FindIn(ctx, row, c.sel.MessageParent)
	if errors.Is(err, dom.ErrElementNotFound) {
		return "", nil
	}
	if err != nil {
		return "", dom.Transient("find message parent", err)
	}
	id, _, err := c.dom.Attribute(ctx, parent, c.sel.MessageIDAttr)
	if err != nil {
		return "", dom.Transient("read message id", err)
	}
	return id, nil
}

// SaveScreenshot writes a diagnostic screenshot named after the moment and
// the reason, e.g. "keke-2023-04-09T18-13-00 compose box input not found.png".
func (c *Client) SaveScreenshot(ctx context.Context, reason string) (string, error) {
	png, err := c.dom.Screenshot(ctx)
	if err != nil {
		return "", dom.Transient("screenshot", err)
	}
	dir := c.screenshotDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	name := fmt.Sprintf("keke-%s %s.png", c.now().Format("2006-01-02T15-04-05"), sanitizeReason(reason))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

func sanitizeReason(reason string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', '\n', '\r':
			return '_'
		}
		return r
	}, strings.TrimSpace(reason))
}

// xpathLiteral quotes s as an XPath 1.0 string literal.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, 2*len(parts))
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		quoted = append(quoted, "'"+p+"'")
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
