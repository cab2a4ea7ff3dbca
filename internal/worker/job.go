package worker

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/chaz8081/bleseq/internal/procedure"
)

// Job is a unit of work. Input, Output and Expected belong to the submitter;
// the pool only holds the references until the job completes.
type Job struct {
	ID   string
	Name string

	Input  []byte
	Output []byte
	// Expected is an optional reference output the runner checks against.
	Expected []byte

	Sink Sink
}

// NewID returns a fresh job id.
func NewID() string {
	return ulid.Make().String()
}

// Completion is delivered to a job's Sink once the job has run.
type Completion struct {
	JobID    string
	Name     string
	Status   procedure.Status
	Written  int
	Err      error
	Duration time.Duration
}

// Sink receives job completions. Deliver is called from the worker goroutine
// and must not block for long: the worker dequeues nothing else until it
// returns.
type Sink interface {
	Deliver(c Completion)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Completion)

// Deliver calls f(c).
func (f SinkFunc) Deliver(c Completion) { f(c) }

// Runner executes one job, writing into job.Output, and returns the number
// of bytes written.
type Runner interface {
	Run(ctx context.Context, job *Job) (int, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job *Job) (int, error)

// Run calls f(ctx, job).
func (f RunnerFunc) Run(ctx context.Context, job *Job) (int, error) { return f(ctx, job) }
