// Package console renders the agent's operator-facing output: observed
// messages, the transient progress line, dry-run replies and login hints.
package console

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	chatStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")).
			Bold(true)

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)

	progressStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

// Console writes to one stream. Progress lines are shown only on a terminal.
type Console struct {
	mu       sync.Mutex
	out      io.Writer
	tty      bool
	progress bool
}

// New wraps f, styling output when f is a terminal.
func New(f *os.File) *Console {
	tty := isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	return NewWriter(f, tty)
}

// NewWriter is New for an arbitrary writer.
func NewWriter(w io.Writer, tty bool) *Console {
	return &Console{out: w, tty: tty}
}

func (c *Console) IsTerminal() bool {
	return c.tty
}

// Progress replaces the current progress line.
func (c *Console) Progress(format string, args ...interface{}) {
	if !c.tty {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\r%s\x1b[K", progressStyle.Render(fmt.Sprintf(format, args...)))
	c.progress = true
}

// ClearProgress erases the progress line, if any.
func (c *Console) ClearProgress() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

func (c *Console) clear() {
	if c.progress {
		fmt.Fprint(c.out, "\r\x1b[K")
		c.progress = false
	}
}

// Message prints one newly observed chat message.
func (c *Console) Message(name string, m fmt.Stringer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	if !c.tty {
		fmt.Fprintf(c.out, "[%s] %s\n", name, m)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", chatStyle.Render("["+name+"]"), m)
}

// Reply prints a completion that was not sent.
func (c *Console) Reply(name, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	if !c.tty {
		fmt.Fprintf(c.out, "[%s] %s\n", name, text)
		return
	}
	fmt.Fprintf(c.out, "%s %s\n", chatStyle.Render("["+name+"]"), replyStyle.Render(text))
}

// Hint prints an instruction for the operator, such as scanning the login code.
func (c *Console) Hint(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	if c.tty {
		msg = hintStyle.Render(msg)
	}
	fmt.Fprintln(c.out, msg)
}
