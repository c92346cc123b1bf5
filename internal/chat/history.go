package chat

import "sort"

// History is the ordered message log accumulated for one destination.
type History struct {
	messages []Message
}

// Contains reports whether an equivalent message was already accumulated.
func (h *History) Contains(m Message) bool {
	for i := len(h.messages) - 1; i >= 0; i-- {
		if h.messages[i].Same(m) {
			return true
		}
	}
	return false
}

// Add appends the messages not yet present and returns the ones actually added.
// The log stays sorted by timestamp; equal timestamps keep arrival order.
func (h *History) Add(msgs ...Message) []Message {
	var added []Message
	for _, m := range msgs {
		if h.Contains(m) {
			continue
		}
		h.messages = append(h.messages, m)
		added = append(added, m)
	}
	if len(added) > 0 {
		sort.SliceStable(h.messages, func(i, j int) bool {
			return h.messages[i].Timestamp.Before(h.messages[j].Timestamp)
		})
	}
	return added
}

// Messages returns a copy of the accumulated log, oldest first.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of accumulated messages.
func (h *History) Len() int {
	return len(h.messages)
}
