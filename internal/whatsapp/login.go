package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skip2/go-qrcode"

	"keke-agent/internal/dom"
	"keke-agent/internal/logging"
)

// WaitForLogin blocks until the chat list has rendered. While WhatsApp Web
// shows a pairing code instead, the code is exported as a PNG to the
// configured path so a headless browser can be paired too. Only ctx bounds
// the wait.
func (c *Client) WaitForLogin(ctx context.Context, step time.Duration) error {
	lastCode := ""
	for {
		_, err := c.dom.FindOne(ctx, c.sel.ChatList, step)
		if err == nil {
			return nil
		}
		if !errors.Is(err, dom.ErrElementNotFound) {
			return dom.Transient("wait for chat list", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, err := c.LoginCode(ctx)
		if err != nil {
			return err
		}
		if code == "" || code == lastCode {
			continue
		}
		lastCode = code
		if err := ExportQR(code, c.cfg.LoginQRPath); err != nil {
			logging.Warnf("export login QR: %v", err)
			continue
		}
		logging.Infof("scan %s with WhatsApp > Linked devices > Link a device", c.cfg.LoginQRPath)
	}
}

// LoginCode returns the pairing code WhatsApp Web currently shows, or "" when
// no code is rendered.
func (c *Client) LoginCode(ctx context.Context) (string, error) {
	nodes, err := c.dom.FindAll(ctx, c.sel.LoginQR)
	if err != nil {
		return "", dom.Transient("find login code", err)
	}
	if len(nodes) == 0 {
		return "", nil
	}
	code, _, err := c.dom.Attribute(ctx, nodes[0], c.sel.LoginQRAttr)
	if err != nil {
		return "", dom.Transient("read login code", err)
	}
	return code, nil
}

// ExportQR writes code as a PNG QR image.
func ExportQR(code, path string) error {
	if path == "" {
		return errors.New("login QR path is empty")
	}
	if err := qrcode.WriteFile(code, qrcode.Medium, 512, path); err != nil {
		return fmt.Errorf("write QR code: %w", err)
	}
	return nil
}
