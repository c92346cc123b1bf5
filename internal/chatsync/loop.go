package chatsync

import (
	"context"
	"fmt"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/logging"
	"keke-agent/internal/whatsapp"
)

// Source is the page the loop reads chats from.
type Source interface {
	OpenMain(ctx context.Context) error
	OpenChat(ctx context.Context, name chat.Name) error
	Scrape(ctx context.Context, prober *whatsapp.DateProber) ([]chat.Message, error)
}

// Poller reports the chats worth opening, see whatsapp.UnreadFinder.
type Poller interface {
	Poll(ctx context.Context) ([]chat.Name, error)
}

// Loop runs sync cycles. It owns the page while a cycle runs and must only be
// driven from one goroutine.
type Loop struct {
	source  Source
	poller  Poller
	backoff time.Duration
	sleep   func(ctx context.Context, d time.Duration) error

	// OnPoll, when set, sees every non-empty poll result.
	OnPoll func(names []chat.Name)
}

// NewLoop creates a loop that sleeps backoff between idle polls.
func NewLoop(source Source, poller Poller, backoff time.Duration) *Loop {
	return &Loop{source: source, poller: poller, backoff: backoff, sleep: Sleep}
}

// Cycle polls until at least one chat has new messages and returns them per
// chat together with the advanced state. Idle polls back off before
// retrying; polls that offered chats which turned out to hold nothing new
// retry immediately.
//
// When a chat fails to open or scrape, the error is returned together with
// the messages of the chats finished before it and the state advanced past
// exactly those. Opening a chat clears its unread badge, so those messages
// would not be offered again.
func (l *Loop) Cycle(ctx context.Context, state SyncState) (map[chat.Name][]chat.Message, SyncState, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, state, err
		}

		found, next, offered, err := l.once(ctx, state)
		if err != nil {
			if len(found) == 0 {
				return nil, state, err
			}
			return found, next, err
		}
		if len(found) > 0 {
			return found, next, nil
		}
		state = next

		if !offered {
			if err := l.sleep(ctx, l.backoff); err != nil {
				return nil, state, err
			}
		}
	}
}

func (l *Loop) once(ctx context.Context, state SyncState) (map[chat.Name][]chat.Message, SyncState, bool, error) {
	if err := l.source.OpenMain(ctx); err != nil {
		return nil, state, false, err
	}
	names, err := l.poller.Poll(ctx)
	if err != nil {
		return nil, state, false, err
	}
	if len(names) == 0 {
		return nil, state, false, nil
	}
	if l.OnPoll != nil {
		l.OnPoll(names)
	}

	found := map[chat.Name][]chat.Message{}
	for _, name := range names {
		if err := l.source.OpenChat(ctx, name); err != nil {
			return found, state, true, fmt.Errorf("open chat %q: %w", name, err)
		}
		prober := whatsapp.NewDateProber(state.DateHint)
		scraped, err := l.source.Scrape(ctx, prober)
		if err != nil {
			return found, state, true, fmt.Errorf("scrape chat %q: %w", name, err)
		}

		var fresh []chat.Message
		fresh, state = ComputeNew(state, name, scraped)
		if state.DateHint != prober.Hint() {
			state = state.Clone()
			state.DateHint = prober.Hint()
		}
		logging.Debugf("chat %q: %d rendered, %d new", name, len(scraped), len(fresh))
		if len(fresh) > 0 {
			found[name] = fresh
		}
	}
	return found, state, true, nil
}

// Sleep waits for d or until ctx is done. A non-positive d only checks ctx.
func Sleep(ctx context.Context, d time.Duration) error {
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
