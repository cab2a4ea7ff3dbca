// Package sequencer drives sessions through a procedure.Table. Each accepted
// completion event moves one session along one edge of the table and issues
// at most one new remote call through a Transport.
package sequencer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/session"
)

const (
	DefaultMaxTransitions = 64
	DefaultInboxSize      = 64
)

// Options configures a Sequencer.
type Options struct {
	// Name labels logs and metrics. Defaults to the table name.
	Name string
	// StepTimeout bounds the wait for each completion. Zero disables the
	// timer unless a step sets its own Timeout.
	StepTimeout time.Duration
	// MaxTransitions caps the transitions a single session may take.
	MaxTransitions int
	// InboxSize is the capacity of the Post queue.
	InboxSize int
	Logger    *slog.Logger
}

// Sequencer is the engine. It is safe for concurrent use: sessions are
// serialized by their own lock and different sessions progress independently.
type Sequencer struct {
	table     *procedure.Table
	transport Transport
	opts      Options
	log       *slog.Logger
	registry  *session.Registry
	observers []Observer

	tokens atomic.Uint64

	inbox     chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// notices collects what happened under a session lock so observers can be
// called after it is released.
type notices struct {
	transitions []Transition
	results     []Result
}

// New creates a Sequencer for table. Observers are called for every
// terminated session, in registration order.
func New(table *procedure.Table, transport Transport, opts Options, observers ...Observer) *Sequencer {
	if opts.Name == "" {
		opts.Name = table.Name()
	}
	if opts.MaxTransitions <= 0 {
		opts.MaxTransitions = DefaultMaxTransitions
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		table:     table,
		transport: transport,
		opts:      opts,
		log:       logger.With("procedure", opts.Name),
		registry:  session.NewRegistry(),
		observers: observers,
		inbox:     make(chan Event, opts.InboxSize),
		done:      make(chan struct{}),
	}
}

// Name returns the procedure label.
func (q *Sequencer) Name() string { return q.opts.Name }

// Table returns the procedure the sequencer runs.
func (q *Sequencer) Table() *procedure.Table { return q.table }

// Registry exposes the live sessions.
func (q *Sequencer) Registry() *session.Registry { return q.registry }

// Sessions returns a snapshot of every live session ordered by id.
func (q *Sequencer) Sessions() []session.Snapshot { return q.registry.Snapshot() }

// Start creates a session for id at the table's initial step and invokes that
// step's action.
func (q *Sequencer) Start(id session.ID) error {
	s, err := q.registry.Insert(id)
	if err != nil {
		return err
	}
	activeSessions.WithLabelValues(q.opts.Name).Inc()
	q.log.Debug("[SEQ] session started", "session", id, "generation", s.Generation)

	var n notices
	s.Lock()
	step := q.table.StepFor(q.table.Initial())
	if step.IsTerminal() {
		s.Path = append(s.Path, step.ID)
		q.terminate(s, step.ID, outcomeFor(step.Terminal), "", &n)
	} else if err := q.enter(s, step); err != nil {
		q.reject(s, step, err, &n)
	}
	s.Unlock()
	q.notify(n)
	return nil
}

// OnEvent applies a completion. Events for unknown or ended sessions and
// stale events are dropped without effect.
func (q *Sequencer) OnEvent(ev Event) {
	s, ok := q.registry.Lookup(ev.Session)
	if !ok {
		eventsDropped.WithLabelValues(q.opts.Name, dropUnknownSession).Inc()
		q.log.Debug("[SEQ] completion for unknown session", "session", ev.Session, "step", ev.Step)
		return
	}

	var n notices
	s.Lock()
	q.apply(s, ev, &n)
	s.Unlock()
	q.notify(n)
}

func (q *Sequencer) apply(s *session.Session, ev Event, n *notices) {
	if s.Ended {
		eventsDropped.WithLabelValues(q.opts.Name, dropEnded).Inc()
		return
	}
	if ev.Step != s.Step || ev.Token != s.Token {
		eventsDropped.WithLabelValues(q.opts.Name, dropStale).Inc()
		q.log.Debug("[SEQ] stale completion",
			"session", s.ID, "step", s.Step, "event_step", ev.Step,
			"token", s.Token, "event_token", ev.Token)
		return
	}

	cur := q.table.StepFor(s.Step)
	s.StopTimer()
	stepDuration.WithLabelValues(q.opts.Name, string(cur.ID)).Observe(time.Since(s.EnteredAt).Seconds())

	status := ev.Status
	if status.OK() {
		for _, key := range cur.Captures {
			if _, ok := ev.Payload.Attrs[key]; !ok {
				q.log.Warn("[SEQ] completion missing attribute", "session", s.ID, "step", cur.ID, "attr", key)
				status = procedure.StatusInvalidPayload
				break
			}
		}
	}
	if status.OK() {
		for _, key := range cur.Captures {
			if !s.Attrs.Set(cur.ID, key, ev.Payload.Attrs[key]) {
				q.log.Warn("[SEQ] attribute already captured by another step", "session", s.ID, "step", cur.ID, "attr", key)
			}
		}
	} else if ev.Payload.Err != nil {
		q.log.Info("[SEQ] step failed", "session", s.ID, "step", cur.ID, "status", status, "error", ev.Payload.Err)
	}
	s.LastStatus = status
	q.advance(s, cur.ID, cur.Next(status), status, n)
}

// advance takes the edge from -> to and enters the target. Caller holds the
// session lock.
func (q *Sequencer) advance(s *session.Session, from, to procedure.StepID, status procedure.Status, n *notices) {
	s.Transitions++
	transitionsTotal.WithLabelValues(q.opts.Name, string(to)).Inc()
	n.transitions = append(n.transitions, Transition{
		Procedure: q.opts.Name,
		Session:   s.ID,
		From:      from,
		To:        to,
		Status:    status,
		At:        time.Now(),
	})
	if s.Transitions > q.opts.MaxTransitions {
		q.log.Warn("[SEQ] transition limit reached", "session", s.ID, "step", from, "limit", q.opts.MaxTransitions)
		q.terminate(s, from, OutcomeFailed, "transition limit reached", n)
		return
	}

	step := q.table.StepFor(to)
	if step.IsTerminal() {
		s.Step = step.ID
		s.Path = append(s.Path, step.ID)
		q.terminate(s, step.ID, outcomeFor(step.Terminal), "", n)
		return
	}
	if err := q.enter(s, step); err != nil {
		q.reject(s, step, err, n)
	}
}

// reject handles a synchronous Invoke failure for the step just entered.
func (q *Sequencer) reject(s *session.Session, step procedure.Step, err error, n *notices) {
	invokeRejected.WithLabelValues(q.opts.Name, string(step.Action)).Inc()
	q.log.Warn("[SEQ] invoke rejected", "session", s.ID, "step", step.ID, "action", step.Action, "error", err)
	s.LastStatus = procedure.StatusRejected
	q.advance(s, step.ID, step.OnFailure, procedure.StatusRejected, n)
}

// enter makes step current, mints its token and issues its action. Caller
// holds the session lock.
func (q *Sequencer) enter(s *session.Session, step procedure.Step) error {
	s.Step = step.ID
	s.Token = q.tokens.Add(1)
	s.Path = append(s.Path, step.ID)
	s.EnteredAt = time.Now()

	req := Request{
		Session:    s.ID,
		Generation: s.Generation,
		Token:      s.Token,
		Step:       step,
		Attrs:      s.Attrs.Values(),
	}
	if err := q.transport.Invoke(req); err != nil {
		return err
	}

	timeout := q.opts.StepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	if timeout > 0 {
		timeoutEvent := req.Completion(procedure.StatusTimeout, Payload{})
		s.Timer = time.AfterFunc(timeout, func() {
			q.log.Warn("[SEQ] step timed out", "session", timeoutEvent.Session, "step", timeoutEvent.Step, "timeout", timeout)
			q.OnEvent(timeoutEvent)
		})
	}
	return nil
}

// terminate destroys s and queues the terminated notification. Caller holds
// the session lock.
func (q *Sequencer) terminate(s *session.Session, final procedure.StepID, outcome Outcome, reason string, n *notices) {
	if q.registry.RemoveSession(s) {
		activeSessions.WithLabelValues(q.opts.Name).Dec()
	}
	res := q.result(s, final, outcome, reason)
	s.Release()
	sessionsTerminated.WithLabelValues(q.opts.Name, string(outcome)).Inc()
	q.log.Info("[SEQ] session terminated",
		"session", s.ID, "outcome", outcome, "step", final,
		"status", s.LastStatus, "transitions", s.Transitions)
	n.results = append(n.results, res)
}

func (q *Sequencer) result(s *session.Session, final procedure.StepID, outcome Outcome, reason string) Result {
	return Result{
		Procedure:  q.opts.Name,
		Session:    s.ID,
		Generation: s.Generation,
		Outcome:    outcome,
		FinalStep:  final,
		LastStatus: s.LastStatus,
		Path:       append([]procedure.StepID(nil), s.Path...),
		Attrs:      s.Attrs.Values(),
		Reason:     reason,
		StartedAt:  s.StartedAt,
		EndedAt:    time.Now(),
	}
}

// End destroys the session for id regardless of its step, as when the peer
// disconnects. Completions that arrive for it afterwards are ignored. It
// reports whether a live session was ended.
func (q *Sequencer) End(id session.ID, reason string) bool {
	s, ok := q.registry.Remove(id)
	if !ok {
		return false
	}
	activeSessions.WithLabelValues(q.opts.Name).Dec()

	s.Lock()
	if s.Ended {
		s.Unlock()
		return false
	}
	res := q.result(s, s.Step, OutcomeAborted, reason)
	s.Release()
	s.Unlock()

	sessionsTerminated.WithLabelValues(q.opts.Name, string(OutcomeAborted)).Inc()
	q.log.Info("[SEQ] session ended", "session", id, "step", res.FinalStep, "reason", reason)
	q.notify(notices{results: []Result{res}})
	return true
}

// Shutdown ends every live session.
func (q *Sequencer) Shutdown(reason string) {
	for _, s := range q.registry.All() {
		q.End(s.ID, reason)
	}
}

// Post queues ev for Run. It blocks while the inbox is full and drops the
// event once Run has returned.
func (q *Sequencer) Post(ev Event) {
	select {
	case q.inbox <- ev:
	case <-q.done:
		eventsDropped.WithLabelValues(q.opts.Name, dropClosed).Inc()
	}
}

// Run dispatches posted events until ctx is cancelled.
func (q *Sequencer) Run(ctx context.Context) error {
	defer q.closeOnce.Do(func() { close(q.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-q.inbox:
			q.OnEvent(ev)
		}
	}
}

func (q *Sequencer) notify(n notices) {
	for _, tr := range n.transitions {
		for _, o := range q.observers {
			if to, ok := o.(TransitionObserver); ok {
				to.StepTransitioned(tr)
			}
		}
	}
	for _, res := range n.results {
		for _, o := range q.observers {
			o.SessionTerminated(res)
		}
	}
}

func outcomeFor(t procedure.Terminal) Outcome {
	if t == procedure.TerminalSucceeded {
		return OutcomeSucceeded
	}
	return OutcomeFailed
}
