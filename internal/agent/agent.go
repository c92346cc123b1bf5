// Package agent runs keke: it drives sync cycles, keeps one history per
// destination chat and answers when a recent message wakes it up.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/chatsync"
	"keke-agent/internal/completion"
	"keke-agent/internal/logging"
	"keke-agent/internal/mangle"
	"keke-agent/internal/prompt"
	"keke-agent/internal/recorder"
	"keke-agent/internal/trigger"
)

// Chats is the WhatsApp page as the agent sees it, see whatsapp.Client.
type Chats interface {
	chatsync.Source
	Send(ctx context.Context, text string) error
	SaveScreenshot(ctx context.Context, reason string) (string, error)
}

// Prompts resolves the instruction prompt of a destination, see prompt.Loader.
type Prompts interface {
	Load(name chat.Name) (string, error)
}

// Output shows observed messages and dry-run replies, see console.Console.
type Output interface {
	Message(name string, m fmt.Stringer)
	Progress(format string, args ...interface{})
	ClearProgress()
	Reply(name, text string)
}

// FactSink receives observations, see mangle.Engine.
type FactSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Archive persists observed messages, see archive.Store.
type Archive interface {
	Append(ctx context.Context, name chat.Name, msgs []chat.Message) (int, error)
}

// Deps wires an Agent. Output, Facts, Archive and Recorder are optional.
type Deps struct {
	Chats     Chats
	Poller    chatsync.Poller
	Trigger   *trigger.Evaluator
	Builder   *prompt.Builder
	Prompts   Prompts
	Completer completion.Provider
	Model     string
	Bundles   chat.Bundles
	DryRun    bool
	// Backoff is the pause between idle polls and after an abandoned cycle.
	Backoff time.Duration

	Output   Output
	Facts    FactSink
	Archive  Archive
	Recorder *recorder.Recorder
	RunID    string
	Now      func() time.Time
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID       string       `json:"run_id"`
	Started     time.Time    `json:"started"`
	Cycles      int          `json:"cycles"`
	LastCycle   time.Time    `json:"last_cycle,omitempty"`
	Replies     int          `json:"replies"`
	LastReplyTo chat.Name    `json:"last_reply_to,omitempty"`
	LastReplyAt time.Time    `json:"last_reply_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	DateHint    int          `json:"date_hint"`
	Quit        bool         `json:"quit"`
	DryRun      bool         `json:"dry_run"`
	Chats       []ChatStatus `json:"chats"`
}

// ChatStatus summarizes one destination history.
type ChatStatus struct {
	Name     chat.Name `json:"name"`
	Messages int       `json:"messages"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Agent is driven by a single goroutine through Run or Step. The snapshot
// methods may be called concurrently.
type Agent struct {
	d    Deps
	loop *chatsync.Loop
	now  func() time.Time
	// sleep pauses after an abandoned cycle
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.RWMutex
	state     chatsync.SyncState
	histories map[chat.Name]*chat.History
	status    Status
}

func New(d Deps) *Agent {
	if d.Now == nil {
		d.Now = time.Now
	}
	a := &Agent{
		d:         d,
		loop:      chatsync.NewLoop(d.Chats, d.Poller, d.Backoff),
		now:       d.Now,
		sleep:     chatsync.Sleep,
		state:     chatsync.NewSyncState(),
		histories: map[chat.Name]*chat.History{},
	}
	a.status = Status{RunID: d.RunID, Started: d.Now(), DryRun: d.DryRun}
	a.loop.OnPoll = a.onPoll
	return a
}

// Run executes cycles until a quit phrase is seen or ctx ends. Cycle failures
// are logged and the next cycle starts; only cancellation is returned.
func (a *Agent) Run(ctx context.Context) error {
	logging.Infof("Agent run %s started (wake-up %s)", a.d.RunID, a.d.Trigger.WakePattern())
	for {
		quit, err := a.Step(ctx)
		if err != nil {
			return err
		}
		if quit {
			logging.Infof("Quit phrase received, stopping")
			return nil
		}
	}
}

// Step runs one sync cycle and reacts to what it found. It reports whether
// the quit phrase was seen.
func (a *Agent) Step(ctx context.Context) (bool, error) {
	a.mu.RLock()
	state := a.state
	a.mu.RUnlock()

	found, next, err := a.loop.Cycle(ctx, state)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		a.abandon(ctx, err)
		if len(found) == 0 {
			return false, a.sleep(ctx, a.d.Backoff)
		}
	}

	a.mu.Lock()
	a.state = next
	a.status.Cycles++
	a.status.LastCycle = a.now()
	a.status.DateHint = next.DateHint
	if err == nil {
		a.status.LastError = ""
	}
	a.mu.Unlock()

	return a.process(ctx, found, state)
}

func (a *Agent) abandon(ctx context.Context, err error) {
	logging.Warnf("Sync cycle abandoned: %v", err)
	a.mu.Lock()
	a.status.LastError = err.Error()
	a.mu.Unlock()
	a.d.Recorder.Record(recorder.KindCycleErr, "", map[string]string{"error": err.Error()})
	if path, serr := a.d.Chats.SaveScreenshot(ctx, "cycle abandoned"); serr == nil {
		logging.Infof("saved screenshot %s", path)
	}
}

func (a *Agent) onPoll(names []chat.Name) {
	at := a.now()
	a.d.Recorder.Record(recorder.KindPoll, "", names)
	if a.d.Facts == nil {
		return
	}
	facts := make([]mangle.Fact, len(names))
	for i, name := range names {
		facts[i] = mangle.UnreadChat(name, at)
	}
	a.addFacts(context.Background(), facts)
}

// process merges the cycle's messages into the destination histories and
// answers every destination that was woken up. prev is the state the cycle
// started from.
//
// A destination none of whose chats were synced before sees its whole
// rendered history at once; there only messages inside the recency window
// can wake the agent, so a stale wake-up or quit phrase left as the last
// message of a chat is not acted on again after a restart.
func (a *Agent) process(ctx context.Context, found map[chat.Name][]chat.Message, prev chatsync.SyncState) (bool, error) {
	byDest := map[chat.Name][]chat.Message{}
	synced := map[chat.Name]bool{}
	var total int
	for _, name := range sortedNames(found) {
		msgs := found[name]
		total += len(msgs)
		for _, m := range msgs {
			if a.d.Output != nil {
				a.d.Output.Message(string(name), m)
			}
		}
		dest := a.d.Bundles.Destination(name)
		byDest[dest] = append(byDest[dest], msgs...)
		if _, ok := prev.LastSeenFor(name); ok {
			synced[dest] = true
		}
	}
	a.addFacts(ctx, []mangle.Fact{mangle.SyncCycle(len(found), total, a.now())})

	for _, dest := range sortedNames(byDest) {
		added := a.merge(dest, byDest[dest])
		if len(added) == 0 {
			continue
		}
		a.observe(ctx, dest, added)

		var recent []chat.Message
		if synced[dest] {
			recent = a.d.Trigger.Recent(added, a.now())
		} else {
			recent = a.d.Trigger.Within(added, a.now())
		}
		if a.d.Trigger.ShouldQuit(recent) {
			a.mu.Lock()
			a.status.Quit = true
			a.mu.Unlock()
			a.d.Recorder.Record(recorder.KindQuit, dest, nil)
			return true, nil
		}
		if !a.d.Trigger.ShouldReply(recent) {
			continue
		}
		facts := make([]mangle.Fact, 0, len(recent))
		for _, m := range a.d.Trigger.WakeMessages(recent) {
			facts = append(facts, mangle.WakeMessage(dest, m))
		}
		a.addFacts(ctx, facts)

		if err := a.reply(ctx, dest); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logging.Warnf("No reply to %q: %v", dest, err)
		}
	}
	return false, nil
}

// merge adds msgs to the history of dest and returns those that were not
// already there, oldest first.
func (a *Agent) merge(dest chat.Name, msgs []chat.Message) []chat.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.histories[dest]
	if !ok {
		h = &chat.History{}
		a.histories[dest] = h
	}
	return h.Add(msgs...)
}

func (a *Agent) observe(ctx context.Context, dest chat.Name, added []chat.Message) {
	a.d.Recorder.Record(recorder.KindMessages, dest, added)
	facts := make([]mangle.Fact, len(added))
	for i, m := range added {
		facts[i] = mangle.ChatMessage(dest, m)
	}
	a.addFacts(ctx, facts)
	if a.d.Archive != nil {
		if _, err := a.d.Archive.Append(ctx, dest, added); err != nil {
			logging.Warnf("archive %q: %v", dest, err)
		}
	}
}

// reply asks the completion provider for an answer to the history of dest
// and sends it, or prints it on a dry run.
func (a *Agent) reply(ctx context.Context, dest chat.Name) error {
	system, err := a.d.Prompts.Load(dest)
	if err != nil {
		return err
	}
	turns, err := a.d.Builder.Build(system, a.history(dest))
	if err != nil {
		return err
	}

	if a.d.Output != nil {
		a.d.Output.Progress("Prompting for completion to %d messages", len(turns))
	}
	res, err := a.d.Completer.Complete(ctx, turns, a.d.Model)
	if a.d.Output != nil {
		a.d.Output.ClearProgress()
	}
	if err != nil {
		if errors.Is(err, completion.ErrRejected) {
			logging.Errorf("completion for %q rejected, check the model and API key", dest)
		}
		return err
	}
	logging.Debugf("completion for %q used %d tokens", dest, res.TokensUsed)

	if a.d.DryRun {
		if a.d.Output != nil {
			a.d.Output.Reply(string(dest), res.Text)
		}
	} else {
		if err := a.d.Chats.OpenChat(ctx, dest); err != nil {
			return err
		}
		if err := a.d.Chats.Send(ctx, res.Text); err != nil {
			return err
		}
	}

	at := a.now()
	a.mu.Lock()
	a.status.Replies++
	a.status.LastReplyTo = dest
	a.status.LastReplyAt = at
	a.mu.Unlock()
	a.d.Recorder.Record(recorder.KindReply, dest, map[string]interface{}{
		"text": res.Text, "turns": len(turns), "tokens": res.TokensUsed, "dry_run": a.d.DryRun,
	})
	a.addFacts(ctx, []mangle.Fact{mangle.ReplySent(dest, at)})
	return nil
}

func (a *Agent) addFacts(ctx context.Context, facts []mangle.Fact) {
	if a.d.Facts == nil || len(facts) == 0 {
		return
	}
	if err := a.d.Facts.AddFacts(ctx, facts); err != nil {
		logging.Warnf("fact ledger: %v", err)
	}
}

func (a *Agent) history(dest chat.Name) []chat.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if h, ok := a.histories[dest]; ok {
		return h.Messages()
	}
	return nil
}

// Status returns a copy of the run status with one entry per destination.
func (a *Agent) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.status
	s.Chats = a.chatsLocked()
	return s
}

// Chats lists the destinations with accumulated history, by name.
func (a *Agent) Chats() []ChatStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chatsLocked()
}

func (a *Agent) chatsLocked() []ChatStatus {
	out := make([]ChatStatus, 0, len(a.histories))
	for name, h := range a.histories {
		cs := ChatStatus{Name: name, Messages: h.Len()}
		if msgs := h.Messages(); len(msgs) > 0 {
			cs.LastSeen = msgs[len(msgs)-1].Timestamp
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns the accumulated messages of a destination, oldest first.
func (a *Agent) History(name chat.Name) ([]chat.Message, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	h, ok := a.histories[name]
	if !ok {
		return nil, false
	}
	return h.Messages(), true
}

// SyncState returns a copy of the current sync position.
func (a *Agent) SyncState() chatsync.SyncState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Clone()
}

func sortedNames(m map[chat.Name][]chat.Message) []chat.Name {
	names := make([]chat.Name, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
