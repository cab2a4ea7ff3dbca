package sequencer

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/session"
)

// fakeTransport records every request and never completes on its own.
type fakeTransport struct {
	mu     sync.Mutex
	reqs   []Request
	reject map[procedure.StepID]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reject: make(map[procedure.StepID]error)}
}

func (f *fakeTransport) Invoke(req Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.reject[req.Step.ID]; ok {
		return err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

func (f *fakeTransport) requests() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.reqs...)
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// lastFor returns the most recent request issued for id.
func (f *fakeTransport) lastFor(id session.ID) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.reqs) - 1; i >= 0; i-- {
		if f.reqs[i].Session == id {
			return f.reqs[i]
		}
	}
	return Request{}
}

type recorder struct {
	mu          sync.Mutex
	results     []Result
	transitions []Transition
}

func (r *recorder) SessionTerminated(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) StepTransitioned(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func (r *recorder) forSession(id session.ID) []Result {
	var out []Result
	for _, res := range r.all() {
		if res.Session == id {
			out = append(out, res)
		}
	}
	return out
}

// batteryPayload returns what a well-behaved peer delivers for step.
func batteryPayload(step procedure.StepID) Payload {
	switch step {
	case procedure.BatteryEnable:
		return Payload{Attrs: map[string]any{
			procedure.AttrInstances: 1,
			procedure.AttrLevelChar: "level-char-handle",
		}}
	case procedure.BatteryReadLevel:
		return Payload{Attrs: map[string]any{procedure.AttrLevel: uint8(87)}}
	}
	return Payload{}
}

func okFor(req Request) Event {
	return req.Completion(procedure.StatusOK, batteryPayload(req.Step.ID))
}

func newBattery(t *testing.T, opts Options) (*Sequencer, *fakeTransport, *recorder) {
	t.Helper()
	tr := newFakeTransport()
	rec := &recorder{}
	return New(procedure.Battery(), tr, opts, rec), tr, rec
}

var batteryPath = []procedure.StepID{
	procedure.BatteryStart,
	procedure.BatteryEnable,
	procedure.BatteryReadLevel,
	procedure.BatteryWriteNotifyCfg,
	procedure.BatteryDone,
}

func TestBatterySuccess(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	require.Equal(t, 1, tr.count())
	assert.Equal(t, procedure.BatteryStart, tr.lastFor(1).Step.ID)

	for i := 0; i < 4; i++ {
		seq.OnEvent(okFor(tr.lastFor(1)))
	}

	results := rec.all()
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Equal(t, procedure.BatteryDone, res.FinalStep)
	assert.Equal(t, batteryPath, res.Path)
	assert.Equal(t, 1, res.Attrs[procedure.AttrInstances])
	assert.Equal(t, "level-char-handle", res.Attrs[procedure.AttrLevelChar])
	assert.Equal(t, uint8(87), res.Attrs[procedure.AttrLevel])
	assert.Equal(t, 0, seq.Registry().Len())
	assert.Len(t, rec.transitions, 4)
	assert.Equal(t, 4, tr.count(), "terminal step must not invoke the transport")
}

func TestBatteryEnableFailure(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))
	enable := tr.lastFor(1)
	require.Equal(t, procedure.BatteryEnable, enable.Step.ID)

	seq.OnEvent(enable.Completion(procedure.StatusFailed, Payload{}))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, procedure.BatteryFailed, results[0].FinalStep)
	assert.Equal(t, procedure.StatusFailed, results[0].LastStatus)
	assert.Empty(t, results[0].Attrs)
	_, ok := seq.Registry().Lookup(1)
	assert.False(t, ok, "session must be destroyed")
	assert.Equal(t, 2, tr.count())
}

func TestZeroInstancesFails(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusNotFound, Payload{}))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, procedure.StatusNotFound, results[0].LastStatus)
}

func TestMissingCaptureFollowsFailureEdge(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusOK, Payload{
		Attrs: map[string]any{procedure.AttrInstances: 1},
	}))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, procedure.StatusInvalidPayload, results[0].LastStatus)
	assert.Empty(t, results[0].Attrs)
}

func TestStartDuplicate(t *testing.T) {
	seq, _, _ := newBattery(t, Options{})
	require.NoError(t, seq.Start(3))
	err := seq.Start(3)
	require.ErrorIs(t, err, session.ErrSessionExists)
}

func TestUnknownSessionDropped(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})
	seq.OnEvent(Event{Session: 9, Step: procedure.BatteryStart, Status: procedure.StatusOK})
	assert.Equal(t, 0, tr.count())
	assert.Empty(t, rec.all())
}

func TestDuplicateCompletionIsNoop(t *testing.T) {
	seq, tr, _ := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	ev := okFor(tr.lastFor(1))
	seq.OnEvent(ev)

	s, ok := seq.Registry().Lookup(1)
	require.True(t, ok)
	before := s.Snapshot()
	calls := tr.count()

	seq.OnEvent(ev)

	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, calls, tr.count())
}

func TestStaleStepIgnored(t *testing.T) {
	seq, tr, _ := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))

	// Right token, wrong step.
	cur := tr.lastFor(1)
	seq.OnEvent(Event{Session: 1, Step: procedure.BatteryReadLevel, Status: procedure.StatusOK, Token: cur.Token})
	s, _ := seq.Registry().Lookup(1)
	assert.Equal(t, procedure.BatteryEnable, s.Snapshot().Step)

	// Right step, wrong token.
	seq.OnEvent(Event{Session: 1, Step: procedure.BatteryEnable, Status: procedure.StatusOK, Token: cur.Token + 100})
	assert.Equal(t, procedure.BatteryEnable, s.Snapshot().Step)

	// Right step, no token.
	seq.OnEvent(Event{Session: 1, Step: procedure.BatteryEnable, Status: procedure.StatusOK, Payload: batteryPayload(procedure.BatteryEnable)})
	assert.Equal(t, procedure.BatteryEnable, s.Snapshot().Step)

	seq.OnEvent(okFor(cur))
	assert.Equal(t, procedure.BatteryReadLevel, s.Snapshot().Step)
}

// TestOutOfOrderDelivery replays every completion ever issued, in random
// order and with repeats, and checks that only the pending one advances the
// session.
func TestOutOfOrderDelivery(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		seq, tr, rec := newBattery(t, Options{})
		rng := rand.New(rand.NewPCG(seed, seed*7))

		require.NoError(t, seq.Start(1))
		var issued []Event
		for i := 0; i < 500 && len(rec.all()) == 0; i++ {
			for _, req := range tr.requests()[len(issued):] {
				issued = append(issued, okFor(req))
			}
			ev := issued[rng.IntN(len(issued))]
			if rng.IntN(4) == 0 {
				ev.Token = 0
			}

			s, ok := seq.Registry().Lookup(1)
			require.True(t, ok)
			before := s.Snapshot()
			pending := tr.lastFor(1)

			seq.OnEvent(ev)

			after := s.Snapshot()
			if after.Transitions != before.Transitions || len(rec.all()) > 0 {
				assert.Equal(t, before.Step, ev.Step, "seed %d: unrelated event advanced the session", seed)
				assert.Equal(t, pending.Token, ev.Token, "seed %d", seed)
			} else {
				assert.Equal(t, before, after, "seed %d: rejected event mutated state", seed)
			}
		}

		results := rec.all()
		require.Len(t, results, 1, "seed %d", seed)
		assert.Equal(t, batteryPath, results[0].Path, "seed %d", seed)
	}
}

func TestSuccessPathLength(t *testing.T) {
	path, err := procedure.Battery().SuccessPath()
	require.NoError(t, err)

	seq, tr, rec := newBattery(t, Options{})
	require.NoError(t, seq.Start(1))
	events := 0
	for len(rec.all()) == 0 {
		seq.OnEvent(okFor(tr.lastFor(1)))
		events++
		require.LessOrEqual(t, events, len(path))
	}
	assert.Equal(t, len(path)-1, events)
}

func TestEndIgnoresLaterCompletions(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))
	pending := tr.lastFor(1)

	require.True(t, seq.End(1, "disconnected"))
	assert.False(t, seq.End(1, "disconnected"), "second end is a no-op")

	calls := tr.count()
	for i := 0; i < 5; i++ {
		seq.OnEvent(okFor(pending))
	}
	assert.Equal(t, calls, tr.count())

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAborted, results[0].Outcome)
	assert.Equal(t, procedure.BatteryEnable, results[0].FinalStep)
	assert.Equal(t, "disconnected", results[0].Reason)
	assert.Equal(t, 0, seq.Registry().Len())
}

func TestTokenRejectsCompletionAfterIDReuse(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	old := tr.lastFor(1)
	require.True(t, seq.End(1, "disconnected"))

	require.NoError(t, seq.Start(1))
	fresh := tr.lastFor(1)
	require.Equal(t, old.Step.ID, fresh.Step.ID)
	require.NotEqual(t, old.Token, fresh.Token)
	require.Greater(t, fresh.Generation, old.Generation)

	seq.OnEvent(okFor(old))
	s, ok := seq.Registry().Lookup(1)
	require.True(t, ok)
	assert.Equal(t, procedure.BatteryStart, s.Snapshot().Step)

	seq.OnEvent(okFor(fresh))
	assert.Equal(t, procedure.BatteryEnable, s.Snapshot().Step)
	assert.Len(t, rec.all(), 1)
}

func TestTokenlessCompletionAfterIDReuse(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})

	require.NoError(t, seq.Start(1))
	old := tr.lastFor(1)
	require.True(t, seq.End(1, "disconnected"))
	require.NoError(t, seq.Start(1))

	// Same session id and step as the new generation, but no token.
	late := okFor(old)
	late.Token = 0
	seq.OnEvent(late)

	s, ok := seq.Registry().Lookup(1)
	require.True(t, ok)
	assert.Equal(t, procedure.BatteryStart, s.Snapshot().Step)
	assert.Equal(t, 0, s.Snapshot().Transitions)
	assert.Len(t, rec.all(), 1, "only the ended generation has a result")
}

func TestInvokeRejectedFollowsFailureEdge(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})
	tr.reject[procedure.BatteryEnable] = errors.New("no buffers")

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, procedure.StatusRejected, results[0].LastStatus)
	assert.Equal(t, []procedure.StepID{
		procedure.BatteryStart, procedure.BatteryEnable, procedure.BatteryFailed,
	}, results[0].Path)
}

func TestInvokeRejectedOnStart(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})
	tr.reject[procedure.BatteryStart] = errors.New("link gone")

	require.NoError(t, seq.Start(1))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, 0, seq.Registry().Len())
}

func TestStepTimeout(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{StepTimeout: 20 * time.Millisecond})

	require.NoError(t, seq.Start(1))
	pending := tr.lastFor(1)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	res := rec.all()[0]
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, procedure.StatusTimeout, res.LastStatus)

	seq.OnEvent(okFor(pending))
	assert.Len(t, rec.all(), 1)
	assert.Equal(t, 1, tr.count())
}

func TestEndStopsStepTimer(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{StepTimeout: 30 * time.Millisecond})

	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))
	require.True(t, seq.End(1, "test"))

	time.Sleep(60 * time.Millisecond)
	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeAborted, results[0].Outcome)
}

func TestTransitionLimit(t *testing.T) {
	table := procedure.MustTable("retry", "probe",
		procedure.Step{ID: "probe", Action: procedure.ActionRead, OnSuccess: "done", OnFailure: "probe"},
		procedure.Step{ID: "done", Terminal: procedure.TerminalSucceeded},
	)
	tr := newFakeTransport()
	rec := &recorder{}
	seq := New(table, tr, Options{MaxTransitions: 3}, rec)

	require.NoError(t, seq.Start(1))
	for i := 0; i < 4; i++ {
		require.Empty(t, rec.all(), "terminated early at failure %d", i)
		seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusFailed, Payload{}))
	}

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)
	assert.Equal(t, "transition limit reached", results[0].Reason)
	assert.Equal(t, 4, tr.count())
}

func TestRetryEdgeRecapturesAttribute(t *testing.T) {
	table := procedure.MustTable("rediscover", "discover",
		procedure.Step{ID: "discover", Action: procedure.ActionDiscover, Captures: []string{"handle"}, OnSuccess: "read", OnFailure: "failed"},
		procedure.Step{ID: "read", Action: procedure.ActionRead, OnSuccess: "done", OnFailure: "discover"},
		procedure.Step{ID: "done", Terminal: procedure.TerminalSucceeded},
		procedure.Step{ID: "failed", Terminal: procedure.TerminalFailed},
	)
	tr := newFakeTransport()
	rec := &recorder{}
	seq := New(table, tr, Options{}, rec)

	require.NoError(t, seq.Start(1))
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusOK, Payload{Attrs: map[string]any{"handle": 1}}))
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusFailed, Payload{}))
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusOK, Payload{Attrs: map[string]any{"handle": 2}}))
	assert.Equal(t, 2, tr.lastFor(1).Attrs["handle"])
	seq.OnEvent(tr.lastFor(1).Completion(procedure.StatusOK, Payload{}))

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSucceeded, results[0].Outcome)
	assert.Equal(t, 2, results[0].Attrs["handle"])
}

func TestConcurrentSessions(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})
	ids := []session.ID{1, 2, 3, 4}

	for _, id := range ids {
		require.NoError(t, seq.Start(id))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id session.ID) {
			defer wg.Done()
			for len(rec.forSession(id)) == 0 {
				seq.OnEvent(okFor(tr.lastFor(id)))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		results := rec.forSession(id)
		require.Len(t, results, 1, "session %d", id)
		assert.Equal(t, batteryPath, results[0].Path, "session %d", id)
	}
}

func TestInterleavedSessions(t *testing.T) {
	for seed := uint64(1); seed <= 10; seed++ {
		seq, tr, rec := newBattery(t, Options{})
		rng := rand.New(rand.NewPCG(seed, 42))

		require.NoError(t, seq.Start(1))
		require.NoError(t, seq.Start(2))
		// Session 2 fails at enable; session 1 succeeds.
		for len(rec.all()) < 2 {
			id := session.ID(1 + rng.IntN(2))
			if len(rec.forSession(id)) > 0 {
				continue
			}
			req := tr.lastFor(id)
			if id == 2 && req.Step.ID == procedure.BatteryEnable {
				seq.OnEvent(req.Completion(procedure.StatusFailed, Payload{}))
				continue
			}
			seq.OnEvent(okFor(req))
		}

		a := rec.forSession(1)
		b := rec.forSession(2)
		require.Len(t, a, 1)
		require.Len(t, b, 1)
		assert.Equal(t, batteryPath, a[0].Path, "seed %d", seed)
		assert.Equal(t, []procedure.StepID{
			procedure.BatteryStart, procedure.BatteryEnable, procedure.BatteryFailed,
		}, b[0].Path, "seed %d", seed)
	}
}

func TestRunDispatchesPostedEvents(t *testing.T) {
	seq, tr, rec := newBattery(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- seq.Run(ctx) }()

	require.NoError(t, seq.Start(1))
	for i := 0; i < 4; i++ {
		want := i + 1
		seq.Post(okFor(tr.lastFor(1)))
		if want < 4 {
			require.Eventually(t, func() bool { return tr.count() == want+1 }, time.Second, time.Millisecond)
		}
	}
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)

	// Post after Run returned must not block.
	seq.Post(Event{Session: 1})
}

func TestShutdownEndsAll(t *testing.T) {
	seq, _, rec := newBattery(t, Options{})
	require.NoError(t, seq.Start(1))
	require.NoError(t, seq.Start(2))

	seq.Shutdown("shutdown")

	assert.Equal(t, 0, seq.Registry().Len())
	results := rec.all()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, OutcomeAborted, res.Outcome)
		assert.Equal(t, "shutdown", res.Reason)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	seq, tr, _ := newBattery(t, Options{})
	require.NoError(t, seq.Start(2))
	require.NoError(t, seq.Start(1))
	seq.OnEvent(okFor(tr.lastFor(1)))

	snaps := seq.Sessions()
	require.Len(t, snaps, 2)
	assert.Equal(t, session.ID(1), snaps[0].ID)
	assert.Equal(t, procedure.BatteryEnable, snaps[0].Step)
	assert.Equal(t, procedure.BatteryStart, snaps[1].Step)
	assert.Equal(t, "battery", seq.Name())
}
