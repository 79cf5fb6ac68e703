package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrSessionExists is returned when creating a session with a taken id
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when no session has the requested id
	ErrSessionNotFound = errors.New("session not found")
)

// TransitionFunc observes status changes of stored sessions
type TransitionFunc func(id string, from, to Status)

// Store holds every session created during the process lifetime.
// Sessions are never removed.
type Store struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger

	observers []TransitionFunc
	obsMu     sync.RWMutex
}

// NewStore creates an empty session store
func NewStore(logger *slog.Logger) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// OnTransition registers fn to be called after every status change
func (st *Store) OnTransition(fn TransitionFunc) {
	st.obsMu.Lock()
	defer st.obsMu.Unlock()
	st.observers = append(st.observers, fn)
}

// Create inserts a new session in the starting status. An id is bound to
// exactly one session object for the life of the store.
func (st *Store) Create(id, resumeURL, meetingURL string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id cannot be empty")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if existing, exists := st.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrSessionExists, id, existing.Status())
	}

	sess := New(id, resumeURL, meetingURL)
	sess.onTransition = st.notify
	st.sessions[id] = sess

	st.logger.Info("Session created",
		slog.String("meeting_id", id),
		slog.String("meeting_url", meetingURL),
		slog.Int("total_sessions", len(st.sessions)),
	)

	return sess, nil
}

// notify logs a transition and fans it out to observers
func (st *Store) notify(sess *Session, from, to Status) {
	level := slog.LevelInfo
	if to == StatusCrashed {
		level = slog.LevelWarn
	}
	st.logger.Log(context.Background(), level, "Session status changed",
		slog.String("meeting_id", sess.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	st.obsMu.RLock()
	observers := st.observers
	st.obsMu.RUnlock()

	for _, fn := range observers {
		fn(sess.ID, from, to)
	}
}

// Get retrieves a session by id
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	sess, exists := st.sessions[id]
	return sess, exists
}

// MustGet retrieves a session or returns ErrSessionNotFound
func (st *Store) MustGet(id string) (*Session, error) {
	sess, ok := st.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// List returns all sessions ordered by creation time
func (st *Store) List() []*Session {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, sess := range st.sessions {
		sessions = append(sessions, sess)
	}
	st.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Count returns the number of stored sessions
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// CountByStatus returns how many sessions are in each status
func (st *Store) CountByStatus() map[Status]int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	counts := make(map[Status]int)
	for _, sess := range st.sessions {
		counts[sess.Status()]++
	}
	return counts
}

// ActiveCount returns the number of sessions not yet in a terminal status
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	defer st.mu.RUnlock()

	count := 0
	for _, sess := range st.sessions {
		if !sess.Status().IsTerminal() {
			count++
		}
	}
	return count
}
