// Package chat bridges the bot fleet to a chat platform (Discord or Slack):
// notifications and presence go out, operator commands and mirrored chat
// come in.
package chat

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string // "slack" or "discord"
	ChannelID string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string           // empty means the adapter's default channel
	Text      string           // platform-native formatting
	Events    []FormattedEvent // structured attachments
}

// FormattedEvent is a notification formatted for display in chat.
type FormattedEvent struct {
	Title    string
	Body     string
	Severity string // "info", "warning", "error", "success"
	Color    string // sidebar color hint
	Fields   []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}

// BotUserIDer is implemented by adapters that know their own user ID, so the
// bridge can ignore its own messages.
type BotUserIDer interface {
	BotUserID() string
}

// StatusSetter is implemented by adapters that can show a status line next
// to the bot's name.
type StatusSetter interface {
	SetStatus(ctx context.Context, text string) error
}
