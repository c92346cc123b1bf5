package whatsapp

import (
	"context"
	"errors"

	"keke-agent/internal/chat"
	"keke-agent/internal/dom"
	"keke-agent/internal/logging"
)

// Scrape reads every message bubble currently rendered in the open chat,
// oldest first. Bubbles without a text body (attachments) are skipped, and so
// are bubbles whose label cannot be parsed; both are logged, neither fails
// the scrape.
func (c *Client) Scrape(ctx context.Context, prober *DateProber) ([]chat.Message, error) {
	rows, err := c.dom.FindAll(ctx, c.sel.MessageRows)
	if err != nil {
		return nil, dom.Transient("find message rows", err)
	}

	messages := make([]chat.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := c.parseRow(ctx, row, prober)
		switch {
		case err == nil:
			messages = append(messages, msg)
		case errors.Is(err, dom.ErrElementNotFound):
			// attachment only, no caption
		case errors.Is(err, chat.ErrParseFailure), errors.Is(err, chat.ErrUnrecognizedDateFormat):
			logging.Warnf("skipping message: %v", err)
		default:
			return nil, err
		}
	}
	return messages, nil
}

func (c *Client) parseRow(ctx context.Context, row dom.Handle, prober *DateProber) (chat.Message, error) {
	bubble, err := c.dom.FindIn(ctx, row, c.sel.Bubble)
	if err != nil {
		return chat.Message{}, dom.Transient("find bubble", err)
	}
	label, ok, err := c.dom.Attribute(ctx, bubble, c.sel.LabelAttr)
	if err != nil {
		return chat.Message{}, dom.Transient("read label", err)
	}
	if !ok {
		return chat.Message{}, &chat.ParseError{Label: "", Err: chat.ErrParseFailure}
	}
	author, ts, err := ParseLabel(label, prober)
	if err != nil {
		return chat.Message{}, err
	}

	body, err := c.dom.FindIn(ctx, bubble, c.sel.Body)
	if err != nil {
		return chat.Message{}, dom.Transient("find body", err)
	}
	text, err := c.bodyText(ctx, body)
	if err != nil {
		return chat.Message{}, err
	}

	id, err := c.messageID(ctx, row)
	if err != nil {
		return chat.Message{}, err
	}
	return chat.NewMessage(ts, id, author, text, c.replyPrefix), nil
}

// bodyText reconstructs the sendable markup from the body's inner HTML and
// falls back to the visible text when the markup cannot be parsed.
func (c *Client) bodyText(ctx context.Context, body dom.Handle) (string, error) {
	fragment, err := c.dom.InnerHTML(ctx, body)
	if err != nil {
		return "", dom.Transient("read body html", err)
	}
	text, err := Unrender(RepairSurrogates(fragment))
	if err == nil {
		return text, nil
	}
	logging.Debugf("unrender failed, using visible text: %v", err)
	visible, err := c.dom.Text(ctx, body)
	if err != nil {
		return "", dom.Transient("read body text", err)
	}
	return visible, nil
}
