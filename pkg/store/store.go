// Package store holds live sessions in memory and persists snapshots of them
// through a pluggable Storage backend. The in-memory Store is the single
// source of truth while the process runs; FileStorage provides durability
// across restarts; the Flusher decouples the two so session progress never
// blocks on disk.
package store

import (
	"sync"
	"time"

	"github.com/issueflow/issueflow/pkg/models"
)

// Store maintains sessionID→Session and issueID→sessionID under one RWMutex.
// Sessions handed out are deep copies; mutation goes through Update.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	byIssue  map[string]string
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		byIssue:  make(map[string]string),
	}
}

// InsertIfAbsent registers a new session. Fails with ErrSessionExists when
// the ID is taken and ErrIssueBusy when the issue already has a session.
func (s *Store) InsertIfAbsent(sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return ErrSessionExists
	}
	if _, ok := s.byIssue[sess.IssueID]; ok {
		return ErrIssueBusy
	}

	cp := sess.Clone()
	s.sessions[sess.ID] = &cp
	s.byIssue[sess.IssueID] = sess.ID
	return nil
}

// Get returns a deep copy of the session.
func (s *Store) Get(sessionID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, false
	}
	return sess.Clone(), true
}

// GetByIssue returns a deep copy of the issue's live session.
func (s *Store) GetByIssue(issueID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIssue[issueID]
	if !ok {
		return models.Session{}, false
	}
	return s.sessions[id].Clone(), true
}

// Update applies fn to a copy of the session and swaps the copy in, so
// concurrent readers never observe a partial mutation. UpdatedAt is bumped.
// Returns the resulting snapshot.
func (s *Store) Update(sessionID string, fn func(*models.Session)) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[sessionID]
	if !ok {
		return models.Session{}, ErrSessionNotFound
	}

	next := cur.Clone()
	fn(&next)
	next.ID = cur.ID           // identity is immutable
	next.IssueID = cur.IssueID // issue binding is immutable
	next.UpdatedAt = time.Now().UTC()

	s.sessions[sessionID] = &next
	return next.Clone(), nil
}

// Remove drops the session and its issue binding. Unknown IDs are a no-op.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.sessions, sessionID)
	if s.byIssue[sess.IssueID] == sessionID {
		delete(s.byIssue, sess.IssueID)
	}
}

// Snapshot returns deep copies of all sessions, in no particular order.
func (s *Store) Snapshot() []models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

// ActiveCount counts sessions in a state that holds a concurrency slot.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, sess := range s.sessions {
		if sess.State.Active() {
			n++
		}
	}
	return n
}
