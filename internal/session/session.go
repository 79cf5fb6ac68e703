package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a meeting session
type Status string

// Session statuses in lifecycle order
const (
	StatusStarting    Status = "starting"
	StatusConnected   Status = "connected"
	StatusRecording   Status = "recording"
	StatusFinished    Status = "finished"
	StatusTranscribed Status = "transcribed"
	StatusProcessing  Status = "processing"
	StatusProcessed   Status = "processed"
	StatusCrashed     Status = "crashed"
)

var (
	// ErrInvalidTransition is returned when a status change is not an allowed edge
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidState is returned when an operation's status precondition does not hold
	ErrInvalidState = errors.New("invalid session state")

	// ErrSessionBusy is returned when another worker holds the session lease
	ErrSessionBusy = errors.New("session is busy")
)

// forward holds the single happy-path successor of each status
var forward = map[Status]Status{
	StatusStarting:    StatusConnected,
	StatusConnected:   StatusRecording,
	StatusRecording:   StatusFinished,
	StatusFinished:    StatusTranscribed,
	StatusTranscribed: StatusProcessing,
	StatusProcessing:  StatusProcessed,
}

// IsTerminal reports whether no further transitions are possible
func (s Status) IsTerminal() bool {
	return s == StatusCrashed || s == StatusProcessed
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusConnected, StatusRecording, StatusFinished,
		StatusTranscribed, StatusProcessing, StatusProcessed, StatusCrashed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to Status) bool {
	if to == StatusCrashed {
		return !from.IsTerminal()
	}
	next, ok := forward[from]
	return ok && next == to
}

// Transition is one recorded status change
type Transition struct {
	From Status    `json:"from"`
	To   Status    `json:"to"`
	At   time.Time `json:"at"`
}

// Session is a single meeting bot run. Status lives in a mutex-guarded cell;
// every read and write goes through the methods below.
type Session struct {
	ID         string
	ResumeURL  string
	MeetingURL string
	CreatedAt  time.Time

	status    Status
	audioPath string
	updatedAt time.Time
	history   []Transition
	leased    bool

	// onTransition is installed by the owning Store
	onTransition func(s *Session, from, to Status)

	mu sync.RWMutex
}

// Info is a point-in-time snapshot of a session
type Info struct {
	ID         string       `json:"meeting_id"`
	Status     Status       `json:"status"`
	ResumeURL  string       `json:"resume_url"`
	MeetingURL string       `json:"meeting_url,omitempty"`
	AudioPath  string       `json:"audio_path,omitempty"`
	Busy       bool         `json:"busy"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
	History    []Transition `json:"history"`
}

// New creates a session in the starting status
func New(id, resumeURL, meetingURL string) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		ResumeURL:  resumeURL,
		MeetingURL: meetingURL,
		CreatedAt:  now,
		status:     StatusStarting,
		updatedAt:  now,
	}
}

// Status returns the current status
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// AudioPath returns the recording path, empty until capture has started
func (s *Session) AudioPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audioPath
}

// SetAudioPath records where the capture engine is writing audio
func (s *Session) SetAudioPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioPath = path
	s.updatedAt = time.Now()
}

// Transition moves the session to status to if the edge is allowed
func (s *Session) Transition(to Status) error {
	s.mu.Lock()
	from := s.status
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.apply(from, to)
	hook := s.onTransition
	s.mu.Unlock()

	if hook != nil {
		hook(s, from, to)
	}
	return nil
}

// Advance atomically checks that the session is in from and moves it to to.
// A mismatch returns ErrInvalidState and leaves the status untouched.
func (s *Session) Advance(from, to Status) error {
	s.mu.Lock()
	current := s.status
	if current != from {
		s.mu.Unlock()
		return fmt.Errorf("%w: session %s is %s, expected %s", ErrInvalidState, s.ID, current, from)
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.apply(from, to)
	hook := s.onTransition
	s.mu.Unlock()

	if hook != nil {
		hook(s, from, to)
	}
	return nil
}

// Lease gives the caller exclusive ownership of the session's recording and
// handoff until release is called. While the lease is held every other Lease
// fails with ErrSessionBusy. release may be called more than once.
func (s *Session) Lease() (release func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.leased {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, s.ID)
	}
	s.leased = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.leased = false
			s.mu.Unlock()
		})
	}, nil
}

// Busy reports whether a lease is currently held
func (s *Session) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.leased
}

// Require returns ErrInvalidState unless the session is in want
func (s *Session) Require(want Status) error {
	if current := s.Status(); current != want {
		return fmt.Errorf("%w: session %s is %s, expected %s", ErrInvalidState, s.ID, current, want)
	}
	return nil
}

// Crash moves the session to crashed. Crashing an already crashed session is
// a no-op; crashing a processed session reports false.
func (s *Session) Crash() bool {
	s.mu.Lock()
	from := s.status
	if from == StatusCrashed {
		s.mu.Unlock()
		return true
	}
	if from.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	s.apply(from, StatusCrashed)
	hook := s.onTransition
	s.mu.Unlock()

	if hook != nil {
		hook(s, from, StatusCrashed)
	}
	return true
}

// apply must be called with mu held
func (s *Session) apply(from, to Status) {
	now := time.Now()
	s.status = to
	s.updatedAt = now
	s.history = append(s.history, Transition{From: from, To: to, At: now})
}

// History returns a copy of the recorded transitions
func (s *Session) History() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

// GetInfo returns a snapshot of the session
func (s *Session) GetInfo() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]Transition, len(s.history))
	copy(history, s.history)

	return Info{
		ID:         s.ID,
		Status:     s.status,
		ResumeURL:  s.ResumeURL,
		MeetingURL: s.MeetingURL,
		AudioPath:  s.audioPath,
		Busy:       s.leased,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.updatedAt,
		History:    history,
	}
}
