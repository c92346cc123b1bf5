package mangle

import (
	"time"

	"keke-agent/internal/chat"
)

// ChatMessage records a newly observed message of a chat.
func ChatMessage(name chat.Name, m chat.Message) Fact {
	return Fact{
		Predicate: "chat_message",
		Args:      []interface{}{string(name), m.Author, m.Text, m.Timestamp.Unix()},
		Timestamp: m.Timestamp,
	}
}

func UnreadChat(name chat.Name, at time.Time) Fact {
	return Fact{Predicate: "unread_chat", Args: []interface{}{string(name), at.Unix()}, Timestamp: at}
}

// WakeMessage records a message that matched the wake-up pattern.
func WakeMessage(name chat.Name, m chat.Message) Fact {
	return Fact{
		Predicate: "wake_message",
		Args:      []interface{}{string(name), m.Author, m.Timestamp.Unix()},
		Timestamp: m.Timestamp,
	}
}

func ReplySent(name chat.Name, at time.Time) Fact {
	return Fact{Predicate: "reply_sent", Args: []interface{}{string(name), at.Unix()}, Timestamp: at}
}

// SyncCycle summarizes one cycle: how many chats had news and how many
// messages they carried.
func SyncCycle(chats, messages int, at time.Time) Fact {
	return Fact{Predicate: "sync_cycle", Args: []interface{}{chats, messages, at.Unix()}, Timestamp: at}
}
