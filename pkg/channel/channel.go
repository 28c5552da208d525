// Package channel defines the ingest side: chat platforms deliver
// normalized messages to a handler that feeds the window manager.
package channel

import (
	"context"
	"strings"
	"time"

	"github.com/nous-labs/contextd/pkg/session"
)

// Message is one inbound chat message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "matrix", "webhook").
	Source string `json:"source"`

	// RoomID is the channel-specific conversation identifier.
	RoomID string `json:"room_id"`

	// MessageID is the platform's event id, used to drop redeliveries.
	MessageID string `json:"message_id,omitempty"`

	// SenderID is the channel-specific sender identifier.
	SenderID string `json:"sender_id"`

	// SenderName is the display name when the platform has one.
	SenderName string `json:"sender_name,omitempty"`

	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Key is the conversation key the message is windowed under.
func (m Message) Key() session.Key {
	return session.Key(m.Source + ":" + m.RoomID)
}

// Session converts the message to the window manager's form. The sender
// is the display name when known.
func (m Message) Session() session.Message {
	sender := m.SenderName
	if sender == "" {
		sender = m.SenderID
	}
	return session.Message{
		ID:     m.MessageID,
		Sender: sender,
		Text:   m.Text,
		SentAt: m.SentAt,
	}
}

// Channel is a source of inbound messages.
type Channel interface {
	// Name returns the channel identifier (e.g., "matrix").
	Name() string

	// Start begins listening. Blocks until ctx is cancelled. Received
	// messages are passed to handler.
	Start(ctx context.Context, handler MessageHandler) error

	// Stop shuts the channel down.
	Stop() error
}

// MessageHandler is called for every accepted message.
type MessageHandler func(ctx context.Context, msg Message) error

// Filter decides which messages are ingested. Empty lists allow all.
type Filter struct {
	AllowedSenders []string
	AllowedRooms   []string
	// IgnoredSenders are dropped even when allowed, e.g. other bots.
	IgnoredSenders []string
}

// Allow reports whether a message from sender in room is ingested.
func (f Filter) Allow(room, sender string) bool {
	if contains(f.IgnoredSenders, sender) {
		return false
	}
	if !allowAll(f.AllowedSenders) && !contains(f.AllowedSenders, sender) {
		return false
	}
	if !allowAll(f.AllowedRooms) && !contains(f.AllowedRooms, room) {
		return false
	}
	return true
}

// AllowSender reports whether sender passes the sender lists.
func (f Filter) AllowSender(sender string) bool {
	return !contains(f.IgnoredSenders, sender) && (allowAll(f.AllowedSenders) || contains(f.AllowedSenders, sender))
}

func allowAll(list []string) bool {
	return len(list) == 0 || (len(list) == 1 && strings.TrimSpace(list[0]) == "")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.TrimSpace(s) == v {
			return true
		}
	}
	return false
}
