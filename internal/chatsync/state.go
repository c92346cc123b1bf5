// Package chatsync computes which scraped messages are new, chat by chat, and
// runs the polling cycle that feeds them to the agent.
package chatsync

import (
	"keke-agent/internal/chat"
)

// SyncState is the per-run sync position. It is a value: every operation
// returns the next state instead of mutating the one it was given, so tests
// can keep a snapshot and compare.
type SyncState struct {
	LastSeen map[chat.Name]chat.Message `json:"last_seen"`
	// DateHint is the index of the timestamp layout that parsed last.
	DateHint int `json:"date_hint"`
}

// NewSyncState returns the empty state a run starts from.
func NewSyncState() SyncState {
	return SyncState{LastSeen: map[chat.Name]chat.Message{}}
}

// Clone returns a deep copy.
func (s SyncState) Clone() SyncState {
	out := SyncState{LastSeen: make(map[chat.Name]chat.Message, len(s.LastSeen)), DateHint: s.DateHint}
	for k, v := range s.LastSeen {
		out.LastSeen[k] = v
	}
	return out
}

// LastSeenFor returns the last message reported for a chat.
func (s SyncState) LastSeenFor(name chat.Name) (chat.Message, bool) {
	m, ok := s.LastSeen[name]
	return m, ok
}

// ComputeNew returns the messages of scraped (oldest first) that come after
// the chat's last-seen message, and the state advanced past them.
//
// When the last-seen message is still rendered, everything after it is new.
// When it is gone (scrolled out, re-rendered), every message at or after its
// timestamp is returned; timestamps have minute resolution, so a message from
// the same minute may be delivered again and the caller deduplicates.
func ComputeNew(state SyncState, name chat.Name, scraped []chat.Message) ([]chat.Message, SyncState) {
	last, ok := state.LastSeen[name]
	pos := -1
	if ok {
		pos = indexOf(scraped, last)
	}

	var fresh []chat.Message
	switch {
	case !ok:
		fresh = append(fresh, scraped...)
	case pos >= 0:
		fresh = append(fresh, scraped[pos+1:]...)
	default:
		for _, m := range scraped {
			if !m.Timestamp.Before(last.Timestamp) {
				fresh = append(fresh, m)
			}
		}
	}

	if len(fresh) == 0 {
		return nil, state
	}

	next := state.Clone()
	tail := fresh[len(fresh)-1]
	if !ok || !tail.Timestamp.Before(last.Timestamp) {
		next.LastSeen[name] = tail
	}
	return fresh, next
}

// indexOf finds the last position of m in msgs.
func indexOf(msgs []chat.Message, m chat.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Same(m) {
			return i
		}
	}
	return -1
}
