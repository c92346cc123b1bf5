// Package trigger decides from freshly observed messages whether the agent
// should answer or stop.
package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"keke-agent/internal/chat"
)

// DefaultWindow bounds which messages of a batch count as recent.
const DefaultWindow = time.Minute

var (
	leadingWord  = regexp.MustCompile(`^\w`)
	trailingWord = regexp.MustCompile(`\w$`)
)

// RetouchWakeUp adds word boundaries where the pattern starts or ends with
// a word character, so "keke" does not fire on "kekkonen".
func RetouchWakeUp(pattern string) string {
	if leadingWord.MatchString(pattern) {
		pattern = `\b` + pattern
	}
	if trailingWord.MatchString(pattern) {
		pattern = pattern + `\b`
	}
	return pattern
}

// Evaluator holds the wake pattern, quit phrase and recency window.
type Evaluator struct {
	wake   *regexp.Regexp
	quit   string
	window time.Duration
}

// NewEvaluator compiles the retouched wake pattern case-insensitively.
func NewEvaluator(wakeUp, quitPhrase string, window time.Duration) (*Evaluator, error) {
	wake, err := regexp.Compile("(?i)" + RetouchWakeUp(wakeUp))
	if err != nil {
		return nil, fmt.Errorf("compile wake-up pattern %q: %w", wakeUp, err)
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Evaluator{wake: wake, quit: normalize(quitPhrase), window: window}, nil
}

// WakePattern is the compiled pattern, for display.
func (e *Evaluator) WakePattern() string {
	return e.wake.String()
}

// Recent returns the messages of batch younger than the window at now, plus
// the newest message of the batch whatever its age. Order is preserved.
func (e *Evaluator) Recent(batch []chat.Message, now time.Time) []chat.Message {
	if len(batch) == 0 {
		return nil
	}
	newest := 0
	for i, m := range batch {
		if m.Timestamp.After(batch[newest].Timestamp) || m.Timestamp.Equal(batch[newest].Timestamp) {
			newest = i
		}
	}

	var recent []chat.Message
	for i, m := range batch {
		if i == newest || now.Sub(m.Timestamp) < e.window {
			recent = append(recent, m)
		}
	}
	return recent
}

// Within returns the messages of batch younger than the window at now,
// without the newest-message exception of Recent.
func (e *Evaluator) Within(batch []chat.Message, now time.Time) []chat.Message {
	var out []chat.Message
	for _, m := range batch {
		if now.Sub(m.Timestamp) < e.window {
			out = append(out, m)
		}
	}
	return out
}

// WakeMessages returns the recent messages addressed to the agent.
func (e *Evaluator) WakeMessages(recent []chat.Message) []chat.Message {
	var out []chat.Message
	for _, m := range recent {
		if m.IsAgent() {
			continue
		}
		if e.wake.MatchString(m.Text) {
			out = append(out, m)
		}
	}
	return out
}

// ShouldReply reports whether any recent human message matches the wake pattern.
func (e *Evaluator) ShouldReply(recent []chat.Message) bool {
	return len(e.WakeMessages(recent)) > 0
}

// ShouldQuit reports whether any recent message starts with the quit phrase,
// ignoring case and whitespace.
func (e *Evaluator) ShouldQuit(recent []chat.Message) bool {
	if e.quit == "" {
		return false
	}
	for _, m := range recent {
		if strings.HasPrefix(normalize(m.Text), e.quit) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}
