package whatsapp

import (
	"context"
	"errors"
	"strings"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/dom"
	"keke-agent/internal/logging"
)

// activityLayouts are the clock forms shown next to a chat in the list for
// activity earlier today. Older activity shows a weekday or a date.
var activityLayouts = []string{"15.04", "15:04", "3:04 pm", "3:04 PM"}

// UnreadFinder reports chats with fresh unread activity. It remembers the
// tail message id of the open chat, so it is not safe for concurrent use.
type UnreadFinder struct {
	client   *Client
	timeout  time.Duration
	interval time.Duration
	window   time.Duration
	lastTail string
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewUnreadFinder uses the poll timings of the client's config.
func NewUnreadFinder(c *Client) *UnreadFinder {
	return &UnreadFinder{
		client:   c,
		timeout:  c.cfg.GetPollTimeout(),
		interval: c.cfg.GetPollInterval(),
		window:   c.cfg.GetRecentActivity(),
		sleep:    sleepCtx,
	}
}

// Poll waits until at least one chat shows unread activity from within the
// recent-activity window, or until the poll timeout passes. The open chat is
// put first when its newest message changed without a badge, which is what
// the agent's own replies look like. A timeout yields an empty list.
func (f *UnreadFinder) Poll(ctx context.Context) ([]chat.Name, error) {
	deadline := f.client.now().Add(f.timeout)
	for {
		names, err := f.check(ctx)
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			return names, nil
		}
		if !f.client.now().Before(deadline) {
			return nil, nil
		}
		if err := f.sleep(ctx, f.interval); err != nil {
			return nil, err
		}
	}
}

func (f *UnreadFinder) check(ctx context.Context) ([]chat.Name, error) {
	unread, err := f.unreadChats(ctx)
	if err != nil {
		return nil, err
	}

	open, changed, err := f.openChatChanged(ctx)
	if err != nil {
		return nil, err
	}
	if !changed {
		return unread, nil
	}
	for _, name := range unread {
		if name == open {
			return unread, nil
		}
	}
	logging.Debugf("open chat %q has a new tail message", open)
	return append([]chat.Name{open}, unread...), nil
}

func (f *UnreadFinder) unreadChats(ctx context.Context) ([]chat.Name, error) {
	c := f.client
	badges, err := c.dom.FindAll(ctx, c.sel.UnreadBadge)
	if err != nil {
		return nil, dom.Transient("find unread badges", err)
	}

	var names []chat.Name
	seen := map[chat.Name]bool{}
	for _, badge := range badges {
		name, recent, err := f.badgeRow(ctx, badge)
		if errors.Is(err, dom.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !recent || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return names, nil
}

func (f *UnreadFinder) badgeRow(ctx context.Context, badge dom.Handle) (chat.Name, bool, error) {
	c := f.client
	row, err := c.dom.FindIn(ctx, badge, c.sel.RowFromBadge)
	if err != nil {
		return "", false, dom.Transient("find chat row", err)
	}
	title, err := c.dom.FindIn(ctx, row, c.sel.RowTitle)
	if err != nil {
		return "", false, dom.Transient("find chat title", err)
	}
	name, ok, err := c.dom.Attribute(ctx, title, c.sel.TitleAttr)
	if err != nil {
		return "", false, dom.Transient("read chat title", err)
	}
	if !ok || name == "" {
		return "", false, dom.ErrElementNotFound
	}

	activity, err := c.dom.FindIn(ctx, row, c.sel.RowActivity)
	if errors.Is(err, dom.ErrElementNotFound) {
		// no activity label rendered: trust the badge
		return chat.Name(name), true, nil
	}
	if err != nil {
		return "", false, dom.Transient("find chat activity", err)
	}
	label, err := c.dom.Text(ctx, activity)
	if err != nil {
		return "", false, dom.Transient("read chat activity", err)
	}
	return chat.Name(name), ActiveWithin(label, c.now(), f.window), nil
}

// ActiveWithin reports whether a chat list activity label such as "18:13"
// denotes a moment today no further than window from now. Labels showing a
// weekday or a date are never recent.
func ActiveWithin(label string, now time.Time, window time.Duration) bool {
	label = strings.TrimSpace(label)
	for _, layout := range activityLayouts {
		clock, err := time.Parse(layout, label)
		if err != nil {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day(), clock.Hour(), clock.Minute(), 0, 0, now.Location())
		diff := now.Sub(at)
		if diff < 0 {
			diff = -diff
		}
		// labels have minute resolution
		return diff <= window+time.Minute
	}
	return false
}

// openChatChanged reports the open chat when its tail id differs from the
// one seen on the previous report.
func (f *UnreadFinder) openChatChanged(ctx context.Context) (chat.Name, bool, error) {
	open, err := f.client.SelectedChat(ctx)
	if errors.Is(err, dom.ErrElementNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	tail, err := f.client.TailID(ctx)
	if err != nil {
		return "", false, err
	}
	if tail == "" || tail == f.lastTail {
		return open, false, nil
	}
	f.lastTail = tail
	return open, true, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
