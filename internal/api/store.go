package api

import (
	"errors"
	"sync"
	"time"

	"github.com/soaringjerry/persuasion/internal/models"
	"github.com/soaringjerry/persuasion/internal/services"
)

var errSessionExists = errors.New("session already exists")

type sessionEntry struct {
	mu        sync.Mutex
	startedAt time.Time
	deleted   bool
	sess      *models.ParticipantSession
}

// MemoryStore keeps live sessions in process memory. UpdateSession holds only
// the lock of the session it updates.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*sessionEntry{}}
}

func (s *MemoryStore) entry(id string) *sessionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *MemoryStore) CreateSession(sess *models.ParticipantSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errSessionExists
	}
	s.sessions[sess.ID] = &sessionEntry{startedAt: sess.StartedAt, sess: sess.Clone()}
	return nil
}

func (s *MemoryStore) GetSession(id string) (*models.ParticipantSession, error) {
	e := s.entry(id)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, nil
	}
	return e.sess.Clone(), nil
}

func (s *MemoryStore) UpdateSession(id string, fn func(*models.ParticipantSession) error) error {
	e := s.entry(id)
	if e == nil {
		return services.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return services.ErrSessionNotFound
	}
	cp := e.sess.Clone()
	if err := fn(cp); err != nil {
		return err
	}
	e.sess = cp
	return nil
}

// DeleteSession removes every trace of the session.
func (s *MemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	e := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if e != nil {
		e.mu.Lock()
		e.deleted = true
		e.sess = nil
		e.mu.Unlock()
	}
	return nil
}

// CleanupBefore drops sessions started before cutoff and returns how many
// were removed.
func (s *MemoryStore) CleanupBefore(cutoff time.Time) int {
	s.mu.Lock()
	var stale []*sessionEntry
	for id, e := range s.sessions {
		if e.startedAt.Before(cutoff) {
			stale = append(stale, e)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, e := range stale {
		e.mu.Lock()
		e.deleted = true
		e.sess = nil
		e.mu.Unlock()
	}
	return len(stale)
}

// Len reports the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var _ services.SessionStore = (*MemoryStore)(nil)
