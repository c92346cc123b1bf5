package chat

import (
	"testing"
	"time"
)

func TestMessageToTurn(t *testing.T) {
	tests := []struct {
		author string
		text   string
		want   Turn
	}{
		{"Alice", "Hello", Turn{Role: RoleUser, Content: "Alice: Hello"}},
		{"Antti", "*Keke:* Hi there", Turn{Role: RoleAssistant, Content: "Hi there"}},
	}

	for _, tt := range tests {
		msg := NewMessage(time.Now(), "msgid", tt.author, tt.text, DefaultReplyPrefix)
		if got := msg.ToTurn(DefaultReplyPrefix); got != tt.want {
			t.Errorf("ToTurn(%q, %q) = %+v, want %+v", tt.author, tt.text, got, tt.want)
		}
	}
}

func TestRoleAssignedAtConstruction(t *testing.T) {
	ts := time.Date(2023, 4, 9, 18, 13, 0, 0, time.Local)
	if NewMessage(ts, "", "Bob", "*Keke:* ok", DefaultReplyPrefix).Role != RoleAssistant {
		t.Error("expected agent message to be classified as assistant")
	}
	if NewMessage(ts, "", "Bob", "Keke: ok", DefaultReplyPrefix).Role != RoleUser {
		t.Error("expected unprefixed message to be classified as user")
	}
	if NewMessage(ts, "", "Bob", "*Keke:* ok", "").Role != RoleUser {
		t.Error("expected empty prefix to never classify as assistant")
	}
}

func TestMessageSame(t *testing.T) {
	ts := time.Date(2023, 4, 9, 18, 13, 0, 0, time.Local)
	a := NewMessage(ts, "m1", "Alice", "hi", DefaultReplyPrefix)
	edited := NewMessage(ts, "m1", "Alice", "hi (edited)", DefaultReplyPrefix)
	if !a.Same(edited) {
		t.Error("messages with equal ids should be the same")
	}

	noID := NewMessage(ts, "", "Alice", "hi", DefaultReplyPrefix)
	if !noID.Same(NewMessage(ts, "", "Alice", "hi", DefaultReplyPrefix)) {
		t.Error("identical id-less messages should be the same")
	}

	tests := []struct {
		name  string
		other Message
		want  bool
	}{
		{"id rendered later", a, true},
		{"other text", NewMessage(ts, "m9", "Alice", "hey", DefaultReplyPrefix), false},
		{"other author", NewMessage(ts, "m9", "Bob", "hi", DefaultReplyPrefix), false},
		{"other minute", NewMessage(ts.Add(time.Minute), "m9", "Alice", "hi", DefaultReplyPrefix), false},
	}
	for _, tt := range tests {
		if got := noID.Same(tt.other); got != tt.want {
			t.Errorf("%s: Same = %v, want %v", tt.name, got, tt.want)
		}
		if got := tt.other.Same(noID); got != tt.want {
			t.Errorf("%s: Same is not symmetric", tt.name)
		}
	}
}

func TestHistoryAddIgnoresIDRenderedLater(t *testing.T) {
	ts := time.Date(2023, 4, 9, 9, 1, 0, 0, time.Local)
	var h History
	h.Add(NewMessage(ts, "", "Bob", "Keke, mitä kuuluu?", DefaultReplyPrefix))

	added := h.Add(NewMessage(ts, "b", "Bob", "Keke, mitä kuuluu?", DefaultReplyPrefix))
	if len(added) != 0 || h.Len() != 1 {
		t.Errorf("the same bubble with its id must not be added again, added %v", added)
	}
}

func TestHistoryAddDeduplicates(t *testing.T) {
	base := time.Date(2023, 4, 9, 9, 0, 0, 0, time.Local)
	var h History

	first := NewMessage(base, "m1", "Alice", "hi", DefaultReplyPrefix)
	second := NewMessage(base.Add(time.Minute), "m2", "Bob", "+1", DefaultReplyPrefix)
	added := h.Add(first, second)
	if len(added) != 2 {
		t.Fatalf("expected 2 added, got %d", len(added))
	}

	added = h.Add(second, NewMessage(base.Add(time.Minute), "", "Bob", "hey", DefaultReplyPrefix))
	if len(added) != 1 || added[0].Text != "hey" {
		t.Fatalf("expected only the unseen message to be added, got %+v", added)
	}
	if h.Len() != 3 {
		t.Errorf("expected history length 3, got %d", h.Len())
	}
}

func TestHistoryKeepsTimestampOrder(t *testing.T) {
	base := time.Date(2023, 4, 9, 9, 0, 0, 0, time.Local)
	var h History
	h.Add(NewMessage(base.Add(2*time.Minute), "late", "A", "late", ""))
	h.Add(NewMessage(base, "early", "B", "early", ""))

	msgs := h.Messages()
	if msgs[0].ID != "early" || msgs[1].ID != "late" {
		t.Errorf("expected history sorted by timestamp, got %v", msgs)
	}
}

func TestBundlesDestination(t *testing.T) {
	bundles := Bundles{
		ParseBundle("Family, Family archive"),
		ParseBundle(" Work ,Work-2,"),
	}

	tests := map[Name]Name{
		"Family":         "Family",
		"Family archive": "Family",
		"Work-2":         "Work",
		"Solo":           "Solo",
	}
	for in, want := range tests {
		if got := bundles.Destination(in); got != want {
			t.Errorf("Destination(%q) = %q, want %q", in, got, want)
		}
	}

	if len(bundles[1]) != 2 {
		t.Errorf("expected empty bundle members to be dropped, got %v", bundles[1])
	}
}
