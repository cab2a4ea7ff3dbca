// Package store persists terminated sessions and finished jobs.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("store: record not found")

// Outcome is the journal row for one terminated session.
type Outcome struct {
	ID         string    `json:"id"`
	Procedure  string    `json:"procedure"`
	Session    int       `json:"session"`
	Generation uint64    `json:"generation"`
	Outcome    string    `json:"outcome"`
	FinalStep  string    `json:"final_step"`
	LastStatus string    `json:"last_status"`
	Path       []string  `json:"path"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JobRecord is the journal row for one finished job.
type JobRecord struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Written    int       `json:"written"`
	Error      string    `json:"error,omitempty"`
	InputHash  string    `json:"input_hash,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// Stats holds aggregate counts over the journal.
type Stats struct {
	Outcomes       int            `json:"outcomes"`
	CountByOutcome map[string]int `json:"count_by_outcome"`
	Jobs           int            `json:"jobs"`
	CountByStatus  map[string]int `json:"count_by_status"`
}

// Store defines the journal operations.
type Store interface {
	RecordOutcome(ctx context.Context, o *Outcome) error
	GetOutcome(ctx context.Context, id string) (*Outcome, error)
	ListOutcomes(ctx context.Context, limit int) ([]*Outcome, error)
	RecordJob(ctx context.Context, j *JobRecord) error
	ListJobs(ctx context.Context, limit int) ([]*JobRecord, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// NewID generates a new row id.
func NewID() string {
	return ulid.Make().String()
}

// HashInput returns the hex BLAKE2b-256 digest of a job input. Empty input
// hashes to "".
func HashInput(input []byte) string {
	if len(input) == 0 {
		return ""
	}
	sum := blake2b.Sum256(input)
	return hex.EncodeToString(sum[:])
}
