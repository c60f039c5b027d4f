// Package session provides the in-memory per-chat session store.
//
// Records are created lazily on first reference and live for the lifetime of
// the process. Each chat has its own lock, so every mutation for one chat is
// serialized while different chats never contend beyond the map lookup.
package session

import (
	"sort"
	"sync"

	"github.com/jxucoder/janitor/pkg/model"
)

type record struct {
	mu   sync.Mutex
	sess model.Session
}

// Store owns every Session record. Readers receive deep copies.
type Store struct {
	mu    sync.Mutex
	chats map[string]*record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{chats: make(map[string]*record)}
}

func (s *Store) record(chatID string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.chats[chatID]
	if !ok {
		rec = &record{sess: model.Session{ChatID: chatID}}
		s.chats[chatID] = rec
	}
	return rec
}

// Get returns a snapshot of the chat's session, creating a default one on first access.
func (s *Store) Get(chatID string) model.Session {
	rec := s.record(chatID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.sess.Clone()
}

// Update runs fn with exclusive access to the chat's session and returns the
// resulting snapshot. fn must not keep the pointer after it returns.
func (s *Store) Update(chatID string, fn func(sess *model.Session)) model.Session {
	rec := s.record(chatID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	fn(&rec.sess)
	return rec.sess.Clone()
}

// BindRepository scopes the chat to owner/name. Any pending change set is dropped
// because it was proposed against the previous repository.
func (s *Store) BindRepository(chatID, owner, name string) {
	s.Update(chatID, func(sess *model.Session) {
		sess.Repository = &model.Repository{Owner: owner, Name: name}
		sess.Pending = nil
	})
}

// SetPaired sets the pairing flag.
func (s *Store) SetPaired(chatID string, paired bool) {
	s.Update(chatID, func(sess *model.Session) {
		sess.Paired = paired
	})
}

// SetPending stages p as the chat's pending change set; nil clears it.
func (s *Store) SetPending(chatID string, p *model.PendingChangeSet) {
	s.Update(chatID, func(sess *model.Session) {
		sess.Pending = p.Clone()
	})
}

// ChatIDs lists every chat that has been referenced, sorted.
func (s *Store) ChatIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.chats))
	for id := range s.chats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
