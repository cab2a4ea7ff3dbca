package sequencer

import (
	"log/slog"
	"sync"
)

// DefaultAsyncBuffer is the notice buffer NewAsyncObserver uses for a
// non-positive size.
const DefaultAsyncBuffer = 256

// notice is one queued observer call: a transition or a result.
type notice struct {
	tr  *Transition
	res *Result
}

// AsyncObserver runs a slow observer on its own goroutine so session
// dispatch never waits on it. Notices keep their order. When the buffer is
// full the notice is dropped and counted.
type AsyncObserver struct {
	name string
	next Observer
	// tnext is next as a TransitionObserver, or nil.
	tnext TransitionObserver

	mu     sync.RWMutex
	closed bool
	ch     chan notice
	done   chan struct{}
}

var (
	_ Observer           = (*AsyncObserver)(nil)
	_ TransitionObserver = (*AsyncObserver)(nil)
)

// NewAsyncObserver starts a goroutine delivering to next. name labels logs
// and metrics. Call Close to flush and stop it.
func NewAsyncObserver(name string, next Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	a := &AsyncObserver{
		name: name,
		next: next,
		ch:   make(chan notice, buffer),
		done: make(chan struct{}),
	}
	a.tnext, _ = next.(TransitionObserver)
	go a.run()
	return a
}

// StepTransitioned implements TransitionObserver. It is a no-op when the
// wrapped observer does not take transitions.
func (a *AsyncObserver) StepTransitioned(tr Transition) {
	if a.tnext == nil {
		return
	}
	a.enqueue(notice{tr: &tr})
}

// SessionTerminated implements Observer.
func (a *AsyncObserver) SessionTerminated(res Result) {
	a.enqueue(notice{res: &res})
}

func (a *AsyncObserver) enqueue(n notice) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observerDropped.WithLabelValues(a.name).Inc()
		return
	}
	select {
	case a.ch <- n:
	default:
		observerDropped.WithLabelValues(a.name).Inc()
		slog.Warn("[SEQ] observer backlog full, notice dropped", "observer", a.name, "buffer", cap(a.ch))
	}
}

// Close stops accepting notices and waits until the queued ones have been
// delivered. It is safe to call more than once.
func (a *AsyncObserver) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) run() {
	defer close(a.done)
	for n := range a.ch {
		if n.tr != nil {
			a.tnext.StepTransitioned(*n.tr)
			continue
		}
		a.next.SessionTerminated(*n.res)
	}
}
