package whatsapp

import (
	"context"

	"keke-agent/internal/dom"
	"keke-agent/internal/logging"
)

// Send types text into the open chat's compose box behind the reply prefix
// and submits it. A failed click on the compose box is recorded with a
// screenshot and typing is attempted anyway.
func (c *Client) Send(ctx context.Context, text string) error {
	box, err := c.dom.FindOne(ctx, c.sel.ComposeBox, c.cfg.GetElementTimeout())
	if err != nil {
		c.screenshot(ctx, "compose box input not found")
		return dom.Transient("find compose box", err)
	}
	if err := c.dom.Click(ctx, box); err != nil {
		logging.Warnf("compose box click failed: %v", err)
		c.screenshot(ctx, "compose box input not found")
	}
	if err := c.dom.TypeText(ctx, box, c.replyPrefix+text); err != nil {
		return dom.Transient("type reply", err)
	}
	return dom.Transient("submit reply", c.dom.PressEnter(ctx, box))
}

func (c *Client) screenshot(ctx context.Context, reason string) {
	path, err := c.SaveScreenshot(ctx, reason)
	if err != nil {
		logging.Warnf("screenshot failed: %v", err)
		return
	}
	logging.Infof("saved screenshot %s", path)
}

// ReplyPrefix is the marker typed in front of every reply.
func (c *Client) ReplyPrefix() string {
	return c.replyPrefix
}
