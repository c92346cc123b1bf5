package whatsapp

import (
	"errors"
	"testing"
	"time"

	"keke-agent/internal/chat"
)

func TestDateProberHintSticks(t *testing.T) {
	dayFirst := "15:04, 2/1/2006"
	monthFirst := "15:04, 1/2/2006"
	p := NewDateProberWithLayouts([]string{dayFirst, monthFirst}, 0, time.UTC)

	// only month-first accepts month 4, day 25
	ts, err := p.Parse("18:13, 4/25/2023")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Month() != time.April || ts.Day() != 25 {
		t.Fatalf("unexpected date %v", ts)
	}
	if p.Hint() != 1 {
		t.Fatalf("expected hint to move to 1, got %d", p.Hint())
	}

	// both layouts accept this; the hinted one must win
	ts, err = p.Parse("18:13, 3/4/2023")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.Month() != time.March || ts.Day() != 4 {
		t.Errorf("expected hinted month-first parse (March 4), got %v", ts)
	}
	if p.Hint() != 1 {
		t.Errorf("hint should stick, got %d", p.Hint())
	}

	// a value only the first layout accepts moves the hint back
	if _, err := p.Parse("18:13, 25/4/2023"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Hint() != 0 {
		t.Errorf("expected hint to move back to 0, got %d", p.Hint())
	}
}

func TestDateProberDefaultLayouts(t *testing.T) {
	tests := []struct {
		value    string
		wantHint int
		want     time.Time
	}{
		{"18.13, 9.4.2023", 0, time.Date(2023, 4, 9, 18, 13, 0, 0, time.UTC)},
		{"6:57 pm, 19/08/2021", 1, time.Date(2021, 8, 19, 18, 57, 0, 0, time.UTC)},
		{"6:57 AM, 19/08/2021", 2, time.Date(2021, 8, 19, 6, 57, 0, 0, time.UTC)},
		{"18:13, 09/04/2023", 3, time.Date(2023, 4, 9, 18, 13, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		p := NewDateProberWithLayouts(DefaultLayouts, 0, time.UTC)
		got, err := p.Parse(tt.value)
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.value, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Parse(%q) = %v, want %v", tt.value, got, tt.want)
		}
		if p.Hint() != tt.wantHint {
			t.Errorf("Parse(%q) hint = %d, want %d", tt.value, p.Hint(), tt.wantHint)
		}
	}
}

func TestDateProberUnrecognized(t *testing.T) {
	p := NewDateProber(2)
	if _, err := p.Parse("2023-04-09 18:13"); !errors.Is(err, chat.ErrUnrecognizedDateFormat) {
		t.Fatalf("expected ErrUnrecognizedDateFormat, got %v", err)
	}
	if p.Hint() != 2 {
		t.Errorf("failed parse must not move the hint, got %d", p.Hint())
	}
}

func TestNewDateProberOutOfRangeHint(t *testing.T) {
	if got := NewDateProber(99).Hint(); got != 0 {
		t.Errorf("expected out-of-range hint to reset to 0, got %d", got)
	}
	if got := NewDateProber(-1).Layout(); got != DefaultLayouts[0] {
		t.Errorf("expected first layout, got %q", got)
	}
}
