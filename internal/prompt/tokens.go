package prompt

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"keke-agent/internal/chat"
	"keke-agent/internal/logging"
)

const (
	// tokensPerMessage wraps every turn: <|start|>{role}\n{content}<|end|>\n
	tokensPerMessage = 4
	// replyPriming is charged once per request: <|start|>assistant<|message|>
	replyPriming = 3
)

// Counter counts the tokens of a single turn. It must be monotonic: more text
// never yields fewer tokens.
type Counter interface {
	CountTurn(t chat.Turn) int
}

// CounterFunc adapts a function to Counter.
type CounterFunc func(t chat.Turn) int

func (f CounterFunc) CountTurn(t chat.Turn) int { return f(t) }

// Total counts a whole request.
func Total(c Counter, turns []chat.Turn) int {
	n := replyPriming
	for _, t := range turns {
		n += c.CountTurn(t)
	}
	return n
}

// TiktokenCounter counts with a BPE encoding, as the completion API does.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var (
	encodings   = map[string]*tiktoken.Tiktoken{}
	encodingsMu sync.Mutex
)

// NewTiktokenCounter loads the named encoding, e.g. "cl100k_base".
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	encodingsMu.Lock()
	defer encodingsMu.Unlock()
	if enc, ok := encodings[encoding]; ok {
		return &TiktokenCounter{enc: enc}, nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	encodings[encoding] = enc
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) CountTurn(t chat.Turn) int {
	return tokensPerMessage +
		len(c.enc.Encode(t.Role.String(), nil, nil)) +
		len(c.enc.Encode(t.Content, nil, nil))
}

// HeuristicCounter estimates tokens without an encoding: about four ASCII
// characters per token, two tokens per other character.
type HeuristicCounter struct{}

func (HeuristicCounter) CountTurn(t chat.Turn) int {
	ascii, other := 0, 0
	for _, r := range t.Content {
		if r <= 127 {
			ascii++
		} else {
			other++
		}
	}
	return tokensPerMessage + 1 + (ascii+3)/4 + other*2
}

// NewCounter returns a tiktoken counter, or the heuristic one when the
// encoding cannot be loaded (it is downloaded on first use).
func NewCounter(encoding string) Counter {
	c, err := NewTiktokenCounter(encoding)
	if err != nil {
		logging.Warnf("token counting falls back to estimates: %v", err)
		return HeuristicCounter{}
	}
	return c
}
