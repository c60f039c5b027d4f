// Package channel defines the chat transport interfaces for Janitor.
package channel

import "context"

// Channel represents an input/output transport (Telegram, Slack, etc.).
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}

// Messenger sends and edits chat messages. Message ids are opaque to callers.
type Messenger interface {
	Send(ctx context.Context, chatID, text string) (messageID string, err error)
	Edit(ctx context.Context, chatID, messageID, text string) error
}

// CommandRunner executes a command line on behalf of a chat, as if the
// operator had typed it. Used by the scheduler.
type CommandRunner interface {
	RunCommand(ctx context.Context, chatID, text string) error
}

// Handler processes one inbound chat message. Replies go back through m.
type Handler interface {
	HandleMessage(ctx context.Context, m Messenger, chatID, text string) error
}

// MessengerFuncs adapts a pair of functions to the Messenger interface.
type MessengerFuncs struct {
	SendFunc func(ctx context.Context, chatID, text string) (string, error)
	EditFunc func(ctx context.Context, chatID, messageID, text string) error
}

func (m MessengerFuncs) Send(ctx context.Context, chatID, text string) (string, error) {
	return m.SendFunc(ctx, chatID, text)
}

func (m MessengerFuncs) Edit(ctx context.Context, chatID, messageID, text string) error {
	return m.EditFunc(ctx, chatID, messageID, text)
}
