// Package session tracks the per-peer state of procedures in flight.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
)

// ID identifies a session. IDs are small and reused after teardown, so a
// Session also carries a Generation that is unique for the registry lifetime.
type ID uint16

// Session is the state of one peer undergoing a procedure. All fields except
// ID, Generation and StartedAt are guarded by the session lock.
type Session struct {
	ID         ID
	Generation uint64
	StartedAt  time.Time

	mu sync.Mutex

	Step       procedure.StepID
	Attrs      *Attributes
	LastStatus procedure.Status
	Path       []procedure.StepID
	EnteredAt  time.Time

	// Token identifies the remote call the session is waiting on. Zero means
	// nothing is pending.
	Token       uint64
	Transitions int
	Timer       *time.Timer

	// Ended is set once the session has been removed from the registry.
	// Holders of a stale pointer must check it after locking.
	Ended bool
}

// Lock acquires the session lock.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// StopTimer cancels a pending step timer. Caller holds the lock.
func (s *Session) StopTimer() {
	if s.Timer != nil {
		s.Timer.Stop()
		s.Timer = nil
	}
}

// Release drops the attribute context and any pending timer, and marks the
// session ended. Caller holds the lock.
func (s *Session) Release() {
	s.StopTimer()
	s.Attrs = nil
	s.Token = 0
	s.Ended = true
}

// Snapshot is a copy of session state safe to hand to other goroutines.
type Snapshot struct {
	ID          ID                 `json:"id"`
	Generation  uint64             `json:"generation"`
	Step        procedure.StepID   `json:"step"`
	LastStatus  string             `json:"last_status"`
	Path        []procedure.StepID `json:"path"`
	Transitions int                `json:"transitions"`
	Attributes  []string           `json:"attributes"`
	StartedAt   time.Time          `json:"started_at"`
}

// Snapshot copies the session state under its lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.ID,
		Generation:  s.Generation,
		Step:        s.Step,
		LastStatus:  s.LastStatus.String(),
		Path:        append([]procedure.StepID(nil), s.Path...),
		Transitions: s.Transitions,
		StartedAt:   s.StartedAt,
	}
	for key := range s.Attrs.Values() {
		snap.Attributes = append(snap.Attributes, key)
	}
	sort.Strings(snap.Attributes)
	return snap
}
