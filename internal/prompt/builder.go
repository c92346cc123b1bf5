// Package prompt assembles the token-bounded conversation sent for completion.
package prompt

import (
	"errors"

	"keke-agent/internal/chat"
)

// ErrBudgetExceeded means the instruction turn alone does not fit.
var ErrBudgetExceeded = errors.New("system prompt exceeds token budget")

// Builder turns a message history into completion turns.
type Builder struct {
	counter     Counter
	budget      int
	replyPrefix string
}

func NewBuilder(counter Counter, budget int, replyPrefix string) *Builder {
	return &Builder{counter: counter, budget: budget, replyPrefix: replyPrefix}
}

// Budget is the configured token limit.
func (b *Builder) Budget() int {
	return b.budget
}

// Build returns the instruction turn followed by as much of history as fits
// the budget, newest kept first. Consecutive turns of the same role are merged
// into one, older text first, separated by a blank line. A turn that would
// overflow the budget is dropped whole, together with everything older.
func (b *Builder) Build(system string, history []chat.Message) ([]chat.Turn, error) {
	world := chat.Turn{Role: chat.RoleUser, Content: system}
	if Total(b.counter, []chat.Turn{world}) > b.budget {
		return nil, ErrBudgetExceeded
	}

	var conversation []chat.Turn
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i].ToTurn(b.replyPrefix)

		var candidate []chat.Turn
		if len(conversation) > 0 && conversation[0].Role == turn.Role {
			merged := chat.Turn{Role: turn.Role, Content: turn.Content + "\n\n" + conversation[0].Content}
			candidate = append([]chat.Turn{merged}, conversation[1:]...)
		} else {
			candidate = append([]chat.Turn{turn}, conversation...)
		}

		if Total(b.counter, append([]chat.Turn{world}, candidate...)) > b.budget {
			break
		}
		conversation = candidate
	}
	return append([]chat.Turn{world}, conversation...), nil
}

// Count reports the tokens of a built request with the builder's counter.
func (b *Builder) Count(turns []chat.Turn) int {
	return Total(b.counter, turns)
}
