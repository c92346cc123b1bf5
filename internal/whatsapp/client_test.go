package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"keke-agent/internal/chat"
	"keke-agent/internal/config"
	"keke-agent/internal/dom"
	"keke-agent/internal/dom/domtest"
)

var testNow = time.Date(2023, 4, 9, 18, 14, 0, 0, time.Local)

func newTestClient(t *testing.T, f *domtest.Fake) *Client {
	t.Helper()
	cfg := config.DefaultConfig().WhatsApp
	cfg.ElementTimeout = "10ms"
	return NewClient(f, cfg, Options{
		ReplyPrefix:   chat.DefaultReplyPrefix,
		ScreenshotDir: t.TempDir(),
		Now:           func() time.Time { return testNow },
	})
}

// messageRow builds the markup of one rendered message: row > bubble > body,
// with the message id on the row's parent.
func messageRow(label, body, id string) *domtest.Node {
	sel := config.DefaultSelectors()
	row := domtest.NewNode("div.message-in", nil)
	bubble := domtest.NewNode("div.copyable-text", map[string]string{sel.LabelAttr: label})
	if body != "" {
		span := domtest.NewNode("span.selectable-text", nil)
		span.HTML = body
		bubble.Set(sel.Body, span)
	}
	row.Set(sel.Bubble, bubble)
	if id != "" {
		row.Set(sel.MessageParent, domtest.NewNode("div", map[string]string{sel.MessageIDAttr: id}))
	}
	return row
}

func TestScrape(t *testing.T) {
	sel := config.DefaultSelectors()
	f := domtest.New("https://web.whatsapp.com/")
	f.Set(sel.MessageRows,
		messageRow("[18.10, 9.4.2023] Alice: ", "<span>hi</span>", "m1"),
		messageRow("[18.11, 9.4.2023] Bob: ", "", "m2"), // attachment only
		messageRow("garbage", "<span>dropped</span>", "m3"),
		messageRow("[18.12, 9.4.2023] Antti: ", `<span><strong data-app-text-template="*${appText}*">Keke:</strong> moi</span>`, "m4"),
		messageRow("[18.13, 9.4.2023] Alice: ", "<span>no id</span>", ""),
	)

	c := newTestClient(t, f)
	msgs, err := c.Scrape(context.Background(), NewDateProber(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(msgs), msgs)
	}

	if msgs[0].ID != "m1" || msgs[0].Author != "Alice" || msgs[0].Text != "hi" || msgs[0].IsAgent() {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].ID != "m4" || msgs[1].Text != "*Keke:* moi" || !msgs[1].IsAgent() {
		t.Errorf("expected agent message m4, got %+v", msgs[1])
	}
	if msgs[2].ID != "" || msgs[2].Text != "no id" {
		t.Errorf("expected id-less message, got %+v", msgs[2])
	}
	want := time.Date(2023, 4, 9, 18, 13, 0, 0, time.Local)
	if !msgs[2].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", msgs[2].Timestamp, want)
	}
}

func TestScrapeProviderFailure(t *testing.T) {
	f := domtest.New("https://web.whatsapp.com/")
	f.Fail["find"] = errors.New("target closed")
	c := newTestClient(t, f)

	_, err := c.Scrape(context.Background(), NewDateProber(0))
	var te *dom.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError, got %v", err)
	}
}

func TestOpenMainNavigatesOnlyWhenNeeded(t *testing.T) {
	f := domtest.New("about:blank")
	c := newTestClient(t, f)
	ctx := context.Background()

	if err := c.OpenMain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.OpenMain(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Navigations) != 1 || f.Navigations[0] != "https://web.whatsapp.com/" {
		t.Errorf("expected exactly one navigation, got %v", f.Navigations)
	}
}

func TestOpenChat(t *testing.T) {
	sel := config.DefaultSelectors()
	f := domtest.New("https://web.whatsapp.com/")
	link := domtest.NewNode("span", map[string]string{"title": "Family"})
	f.Set(fmt.Sprintf(sel.ChatLink, "'Family'"), link)
	c := newTestClient(t, f)

	if err := c.OpenChat(context.Background(), "Family"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Clicks) != 1 || f.Clicks[0] != link {
		t.Errorf("expected the chat link to be clicked, got %v", f.Clicks)
	}

	err := c.OpenChat(context.Background(), "Missing")
	if !errors.Is(err, dom.ErrElementNotFound) {
		t.Errorf("expected ErrElementNotFound for a missing chat, got %v", err)
	}
}

func TestXPathLiteral(t *testing.T) {
	tests := map[string]string{
		"Family":        "'Family'",
		"Mom's":         `"Mom's"`,
		`Mom's "group"`: `concat('Mom', "'", 's "group"')`,
	}
	for in, want := range tests {
		if got := xpathLiteral(in); got != want {
			t.Errorf("xpathLiteral(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestSend(t *testing.T) {
	sel := config.DefaultSelectors()
	f := domtest.New("https://web.whatsapp.com/")
	box := domtest.NewNode("div", nil)
	f.Set(sel.ComposeBox, box)
	c := newTestClient(t, f)

	if err := c.Send(context.Background(), "Hello\nthere"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(box.Typed) != 1 || box.Typed[0] != "*Keke:* Hello\nthere" {
		t.Errorf("unexpected typed text %q", box.Typed)
	}
	if f.Enters != 1 {
		t.Errorf("expected one Enter, got %d", f.Enters)
	}
	if f.Screenshots != 0 {
		t.Errorf("expected no screenshots, got %d", f.Screenshots)
	}
}

func TestSendClickFailureTakesScreenshot(t *testing.T) {
	sel := config.DefaultSelectors()
	f := domtest.New("https://web.whatsapp.com/")
	box := domtest.NewNode("div", nil)
	f.Set(sel.ComposeBox, box)
	f.Fail["click"] = errors.New("element not interactable")
	c := newTestClient(t, f)

	if err := c.Send(context.Background(), "still typed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Screenshots != 1 {
		t.Fatalf("expected one screenshot, got %d", f.Screenshots)
	}
	entries, err := os.ReadDir(c.screenshotDir)
	if err != nil {
		t.Fatalf("read screenshot dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "keke-2023-04-09T18-14-00 compose box input not found.png" {
		t.Errorf("unexpected screenshot files %v", entries)
	}
	if len(box.Typed) != 1 {
		t.Errorf("expected typing to continue after failed click")
	}
}

func TestSendMissingComposeBox(t *testing.T) {
	f := domtest.New("https://web.whatsapp.com/")
	c := newTestClient(t, f)

	err := c.Send(context.Background(), "lost")
	if !errors.Is(err, dom.ErrElementNotFound) {
		t.Fatalf("expected ErrElementNotFound, got %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(c.screenshotDir, "keke-*.png"))
	if len(matches) != 1 {
		t.Errorf("expected a diagnostic screenshot, got %v", matches)
	}
}

func TestSanitizeReason(t *testing.T) {
	got := sanitizeReason(" cycle failed: dom provider navigate: net/http ")
	if strings.ContainsAny(got, "/:") {
		t.Errorf("expected path separators removed, got %q", got)
	}
}
