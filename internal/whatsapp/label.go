package whatsapp

import (
	"strings"
	"time"

	"keke-agent/internal/chat"
)

// ParseLabel splits a data-pre-plain-text label such as
// "[18.13, 9.4.2023] Antti Kaihola: " into author and timestamp.
func ParseLabel(label string, prober *DateProber) (string, time.Time, error) {
	trimmed := strings.TrimSpace(label)
	if len(trimmed) < 2 || !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, ":") {
		return "", time.Time{}, &chat.ParseError{Label: label, Err: chat.ErrParseFailure}
	}

	dateStr, author, ok := strings.Cut(trimmed[1:len(trimmed)-1], "] ")
	if !ok {
		return "", time.Time{}, &chat.ParseError{Label: label, Err: chat.ErrParseFailure}
	}

	ts, err := prober.Parse(dateStr)
	if err != nil {
		return "", time.Time{}, &chat.ParseError{Label: label, Err: err}
	}
	return author, ts, nil
}
