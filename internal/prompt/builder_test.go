package prompt

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"keke-agent/internal/chat"
)

// wordCounter charges one token per word plus the per-message overhead.
var wordCounter = CounterFunc(func(t chat.Turn) int {
	return tokensPerMessage + len(strings.Fields(t.Content))
})

var t0 = time.Date(2023, 4, 9, 9, 0, 0, 0, time.Local)

func m(minute int, author, text string) chat.Message {
	return chat.NewMessage(t0.Add(time.Duration(minute)*time.Minute), fmt.Sprintf("m%d", minute), author, text, chat.DefaultReplyPrefix)
}

func TestBuildMergesSameRoleOldestFirst(t *testing.T) {
	b := NewBuilder(wordCounter, 1000, chat.DefaultReplyPrefix)
	history := []chat.Message{
		m(0, "Alice", "hi"),
		m(1, "Bob", "keke, are you there"),
		m(2, "Antti", "*Keke:* I am here"),
		m(3, "Alice", "great"),
	}

	turns, err := b.Build("Be nice.", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []chat.Turn{
		{Role: chat.RoleUser, Content: "Be nice."},
		{Role: chat.RoleUser, Content: "Alice: hi\n\nBob: keke, are you there"},
		{Role: chat.RoleAssistant, Content: "I am here"},
		{Role: chat.RoleUser, Content: "Alice: great"},
	}
	if len(turns) != len(want) {
		t.Fatalf("expected %d turns, got %d: %+v", len(want), len(turns), turns)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Errorf("turn %d = %+v, want %+v", i, turns[i], want[i])
		}
	}
}

func TestBuildNeverExceedsBudget(t *testing.T) {
	var history []chat.Message
	for i := 0; i < 40; i++ {
		author, text := "Alice", strings.Repeat("word ", i%7+1)
		if i%3 == 0 {
			author, text = "Antti", chat.DefaultReplyPrefix+strings.Repeat("reply ", i%5+1)
		}
		history = append(history, m(i, author, text))
	}

	for budget := 10; budget <= 400; budget += 13 {
		b := NewBuilder(wordCounter, budget, chat.DefaultReplyPrefix)
		turns, err := b.Build("You are Keke.", history)
		if err != nil {
			t.Fatalf("budget %d: unexpected error: %v", budget, err)
		}
		if got := Total(wordCounter, turns); got > budget {
			t.Errorf("budget %d: built %d tokens", budget, got)
		}
		if turns[0].Content != "You are Keke." {
			t.Errorf("budget %d: instruction turn not first", budget)
		}
	}
}

func TestBuildKeepsNewestAndDropsWholeTurns(t *testing.T) {
	history := []chat.Message{
		m(0, "Alice", "one two three four five six seven eight"),
		m(1, "Antti", "*Keke:* ok"),
		m(2, "Bob", "newest"),
	}
	// priming 3 + system (4+1) + "Bob: newest" (4+2) + "ok" (4+1) = 19
	b := NewBuilder(wordCounter, 20, chat.DefaultReplyPrefix)
	turns, err := b.Build("system", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected system + 2 newest turns, got %+v", turns)
	}
	if turns[1].Content != "ok" || turns[2].Content != "Bob: newest" {
		t.Errorf("unexpected turns %+v", turns)
	}
	for _, turn := range turns {
		if strings.Contains(turn.Content, "one two") {
			t.Error("overflowing turn must be dropped entirely")
		}
	}
}

func TestBuildStopsAtFirstOverflow(t *testing.T) {
	history := []chat.Message{
		m(0, "Alice", "tiny"),
		m(1, "Antti", "*Keke:* a very long answer that does not fit at all"),
		m(2, "Bob", "q"),
	}
	b := NewBuilder(wordCounter, 20, chat.DefaultReplyPrefix)
	turns, err := b.Build("s", history)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// the older small turn must not jump over the dropped one
	if len(turns) != 2 || turns[1].Content != "Bob: q" {
		t.Errorf("expected only the newest turn, got %+v", turns)
	}
}

func TestBuildSystemOverBudget(t *testing.T) {
	b := NewBuilder(wordCounter, 5, chat.DefaultReplyPrefix)
	if _, err := b.Build("far too many words for this budget", nil); !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestBuildEmptyHistory(t *testing.T) {
	b := NewBuilder(wordCounter, 100, chat.DefaultReplyPrefix)
	turns, err := b.Build("hello", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(turns) != 1 {
		t.Errorf("expected only the instruction turn, got %+v", turns)
	}
}

func TestHeuristicCounterMonotonic(t *testing.T) {
	var c HeuristicCounter
	prev := 0
	text := ""
	for _, r := range "Hyvää huomenta 😀 keke, mitä kuuluu?" {
		text += string(r)
		n := c.CountTurn(chat.Turn{Role: chat.RoleUser, Content: text})
		if n < prev {
			t.Fatalf("count decreased from %d to %d at %q", prev, n, text)
		}
		prev = n
	}
}

func TestTotalAddsReplyPriming(t *testing.T) {
	if got := Total(wordCounter, nil); got != replyPriming {
		t.Errorf("Total(nil) = %d, want %d", got, replyPriming)
	}
	turns := []chat.Turn{{Role: chat.RoleUser, Content: "a b"}}
	if got := Total(wordCounter, turns); got != replyPriming+tokensPerMessage+2 {
		t.Errorf("Total() = %d", got)
	}
}

func TestTiktokenCounter(t *testing.T) {
	if testing.Short() || os.Getenv("SKIP_LIVE_TESTS") != "" {
		t.Skip("Skipping live tokenizer test (downloads the BPE ranks on first use)")
	}
	c, err := NewTiktokenCounter("cl100k_base")
	if err != nil {
		t.Skipf("encoding unavailable: %v", err)
	}
	short := c.CountTurn(chat.Turn{Role: chat.RoleUser, Content: "hello"})
	long := c.CountTurn(chat.Turn{Role: chat.RoleUser, Content: "hello there, how are you doing today?"})
	if short <= tokensPerMessage || long <= short {
		t.Errorf("unexpected counts short=%d long=%d", short, long)
	}
}
