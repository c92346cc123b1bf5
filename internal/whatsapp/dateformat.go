package whatsapp

import (
	"strings"
	"time"

	"keke-agent/internal/chat"
)

// DefaultLayouts are the timestamp forms WhatsApp Web renders in the message
// label, depending on the phone's locale. Order matters: the first one is
// tried first when there is no hint yet.
var DefaultLayouts = []string{
	"15.04, 2.1.2006",   // fi: 18.13, 9.4.2023
	"3:04 pm, 2/1/2006", // en-IN: 6:57 pm, 19/08/2021
	"3:04 PM, 2/1/2006", // en-US with day-first date
	"15:04, 2/1/2006",   // en-GB: 18:13, 09/04/2023
}

// DateProber parses label timestamps against a small ordered list of layouts
// and remembers which one succeeded last.
type DateProber struct {
	layouts  []string
	hint     int
	location *time.Location
}

// NewDateProber returns a prober over DefaultLayouts starting at hint.
// Out-of-range hints are treated as "no hint".
func NewDateProber(hint int) *DateProber {
	return NewDateProberWithLayouts(DefaultLayouts, hint, time.Local)
}

func NewDateProberWithLayouts(layouts []string, hint int, loc *time.Location) *DateProber {
	if hint < 0 || hint >= len(layouts) {
		hint = 0
	}
	if loc == nil {
		loc = time.Local
	}
	return &DateProber{layouts: layouts, hint: hint, location: loc}
}

// Hint is the index of the layout that parsed the last timestamp.
func (p *DateProber) Hint() int {
	return p.hint
}

// Layout returns the currently hinted layout.
func (p *DateProber) Layout() string {
	return p.layouts[p.hint]
}

// Parse tries the hinted layout first and then the rest in order.
func (p *DateProber) Parse(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.ParseInLocation(p.layouts[p.hint], value, p.location); err == nil {
		return ts, nil
	}
	for i, layout := range p.layouts {
		if i == p.hint {
			continue
		}
		ts, err := time.ParseInLocation(layout, value, p.location)
		if err != nil {
			continue
		}
		p.hint = i
		return ts, nil
	}
	return time.Time{}, chat.ErrUnrecognizedDateFormat
}
