package chat

import (
	"fmt"
	"strings"
	"time"
)

// DefaultReplyPrefix marks messages typed by the agent itself. WhatsApp renders
// the asterisks as bold, and the markup reconstructor turns them back into
// asterisks when the message is scraped again.
const DefaultReplyPrefix = "*Keke:* "

// Name identifies a conversation by its displayed title.
type Name string

// Role tags a message or turn as coming from a human participant or from the agent.
type Role int

const (
	RoleUser Role = iota
	RoleAssistant
)

func (r Role) String() string {
	switch r {
	case RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

// Message is one scraped chat bubble. ID is assigned by the web UI and may be
// empty for historical or just-sent messages.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Role      Role      `json:"role"`
}

// NewMessage builds a message and classifies its role from the raw text.
func NewMessage(ts time.Time, id, author, text, replyPrefix string) Message {
	role := RoleUser
	if HasReplyPrefix(text, replyPrefix) {
		role = RoleAssistant
	}
	return Message{Timestamp: ts, ID: id, Author: author, Text: text, Role: role}
}

// HasReplyPrefix reports whether text was typed by the agent.
func HasReplyPrefix(text, prefix string) bool {
	if prefix == "" {
		return false
	}
	return strings.HasPrefix(text, prefix)
}

// IsAgent reports whether the message was authored by the agent.
func (m Message) IsAgent() bool {
	return m.Role == RoleAssistant
}

// Same reports whether two messages denote the same bubble: by ID when both
// carry one, otherwise by timestamp, author and text. A bubble scraped before
// its data-id was rendered still matches its later copy.
func (m Message) Same(other Message) bool {
	if m.ID != "" && other.ID != "" {
		return m.ID == other.ID
	}
	return m.Timestamp.Equal(other.Timestamp) &&
		m.Author == other.Author &&
		m.Text == other.Text
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Format("15:04, 2.1.2006"), m.Author, m.Text)
}

// Turn is one role-tagged unit submitted to the completion provider.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToTurn converts a message to a completion turn. Agent messages lose their
// reply prefix, user messages get the author prepended.
func (m Message) ToTurn(replyPrefix string) Turn {
	if m.Role == RoleAssistant {
		return Turn{Role: RoleAssistant, Content: strings.TrimPrefix(m.Text, replyPrefix)}
	}
	return Turn{Role: RoleUser, Content: m.Author + ": " + m.Text}
}
