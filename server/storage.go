package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// SessionStore persists SessionState by id. Get returns nil, nil when the id
// is unknown or expired.
type SessionStore interface {
	Get(ctx context.Context, id string) (*SessionState, error)
	Save(ctx context.Context, sess *SessionState) error
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore keeps sessions in process memory.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionState
	now      func() time.Time
}

// NewMemorySessionStore constructs the store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]SessionState),
		now:      time.Now,
	}
}

// Get retrieves a copy of the session.
func (s *MemorySessionStore) Get(_ context.Context, id string) (*SessionState, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !sess.ExpiresAt.IsZero() && s.now().After(sess.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, nil
	}
	return sess.clone(), nil
}

// Save stores or replaces a session.
func (s *MemorySessionStore) Save(_ context.Context, sess *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = *sess.clone()
	return nil
}

// Delete removes a session.
func (s *MemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len reports the number of stored sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// NewID generates a random identifier.
func NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

func (s *SessionState) clone() *SessionState {
	out := *s
	if s.Token != nil {
		tok := *s.Token
		out.Token = &tok
	}
	if s.User != nil {
		user := *s.User
		user.AMR = append([]string{}, s.User.AMR...)
		out.User = &user
	}
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return &out
}
