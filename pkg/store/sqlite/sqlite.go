// Package sqlite implements store.EventStore on an embedded SQLite database.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/janitor/pkg/model"
	"github.com/jxucoder/janitor/pkg/store"
)

// Store manages the event journal in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.EventStore = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    TEXT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_task_events_chat_id
			ON task_events(chat_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO task_events (chat_id, task_id, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ChatID, event.TaskID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a chat with an ID greater than afterID.
func (s *Store) GetEvents(chatID string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, task_id, type, data, created_at
		 FROM task_events
		 WHERE chat_id = ? AND id > ?
		 ORDER BY id ASC`,
		chatID, afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.ChatID, &e.TaskID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListChats returns one summary per chat, most recently active first.
func (s *Store) ListChats() ([]store.ChatSummary, error) {
	rows, err := s.db.Query(
		`SELECT e.chat_id, c.n, e.type, e.created_at
		 FROM task_events e
		 JOIN (SELECT chat_id, COUNT(*) AS n, MAX(id) AS last_id
		       FROM task_events GROUP BY chat_id) c
		   ON e.id = c.last_id
		 ORDER BY e.id DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	var chats []store.ChatSummary
	for rows.Next() {
		var c store.ChatSummary
		if err := rows.Scan(&c.ChatID, &c.Events, &c.LastType, &c.LastEventAt); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}
