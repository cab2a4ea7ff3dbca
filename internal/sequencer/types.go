package sequencer

import (
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/session"
)

// Payload carries the data a completion delivers.
type Payload struct {
	Attrs map[string]any
	Value []byte
	Err   error
}

// Event is a completion for a previously issued remote call.
type Event struct {
	Session session.ID
	// Step is the step the event answers.
	Step   procedure.StepID
	Status procedure.Status
	// Token echoes Request.Token. Tokens start at 1, so an event without
	// one never matches.
	Token   uint64
	Payload Payload
}

// Request asks the transport to perform the action of the step a session
// just entered.
type Request struct {
	Session    session.ID
	Generation uint64
	Token      uint64
	Step       procedure.Step
	// Attrs is a copy of the session's attribute context.
	Attrs map[string]any
}

// Completion builds the event that answers r.
func (r Request) Completion(status procedure.Status, payload Payload) Event {
	return Event{
		Session: r.Session,
		Step:    r.Step.ID,
		Status:  status,
		Token:   r.Token,
		Payload: payload,
	}
}

// Transport issues remote operations. Invoke must not block and must not
// deliver the completion synchronously: completions arrive later through a
// Sink, in the order the calls were issued for a given session. A non-nil
// error means the call was never issued. Invoke runs with the session lock
// held.
type Transport interface {
	Invoke(req Request) error
}

// Sink accepts completion events from a transport.
type Sink interface {
	Post(ev Event)
}

// Outcome is how a session ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAborted is reported for sessions ended by End before reaching a
	// terminal step.
	OutcomeAborted Outcome = "aborted"
)

// Result describes a terminated session.
type Result struct {
	Procedure  string
	Session    session.ID
	Generation uint64
	Outcome    Outcome
	FinalStep  procedure.StepID
	LastStatus procedure.Status
	Path       []procedure.StepID
	Attrs      map[string]any
	Reason     string
	StartedAt  time.Time
	EndedAt    time.Time
}

// Transition describes one accepted step change.
type Transition struct {
	Procedure string
	Session   session.ID
	From      procedure.StepID
	To        procedure.StepID
	Status    procedure.Status
	At        time.Time
}

// Observer is notified once per session when it terminates. Observers are
// called on the goroutine that applied the event, usually the Run loop, after
// the session lock is released. They must return quickly; wrap one that does
// I/O in an AsyncObserver.
type Observer interface {
	SessionTerminated(res Result)
}

// TransitionObserver is an optional capability of an Observer that also
// wants every accepted transition.
type TransitionObserver interface {
	StepTransitioned(tr Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Result)

// SessionTerminated calls f(res).
func (f ObserverFunc) SessionTerminated(res Result) { f(res) }
