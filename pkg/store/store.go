// Package store defines the EventStore interface for the chat event journal.
package store

import (
	"time"

	"github.com/jxucoder/janitor/pkg/model"
)

// ChatSummary aggregates the journal of one chat.
type ChatSummary struct {
	ChatID      string    `json:"chat_id"`
	Events      int       `json:"events"`
	LastType    string    `json:"last_type"`
	LastEventAt time.Time `json:"last_event_at"`
}

// EventStore persists task lifecycle events per chat.
type EventStore interface {
	AddEvent(event *model.Event) error
	GetEvents(chatID string, afterID int64) ([]*model.Event, error)
	ListChats() ([]ChatSummary, error)
	Close() error
}
