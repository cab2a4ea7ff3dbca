// Package hotkey controls the worker pool from a global key combo using
// gohook. In "toggle" mode each press starts an idle pool or stops a running
// one; in "hold" mode the pool runs while the combo is held.
package hotkey

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	hook "github.com/robotn/gohook"

	"github.com/chaz8081/bleseq/internal/worker"
)

// EventType is what a key event asks of the pool.
type EventType int

const (
	EventStart EventType = iota
	EventStop
	EventToggle
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	case EventToggle:
		return "toggle"
	default:
		return "unknown"
	}
}

// Event is emitted on the channel returned by Events.
type Event struct {
	Type EventType
}

// Pool is the part of worker.Pool the hotkey drives.
type Pool interface {
	Start(ctx context.Context) error
	RequestStop()
	State() worker.State
}

// Listener watches a global key combo and emits pool events.
type Listener struct {
	keys []string
	mode string // "hold" or "toggle"
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewListener creates a Listener for keys (lowercase names, e.g.
// ["ctrl", "shift", "p"]). mode is "hold" or "toggle".
func NewListener(keys []string, mode string) *Listener {
	return &Listener{
		keys: keys,
		mode: mode,
		ch:   make(chan Event, 16),
		done: make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when Listen returns.
func (l *Listener) Events() <-chan Event {
	return l.ch
}

// Listen registers the combo and blocks until Stop is called.
func (l *Listener) Listen() {
	if l.mode == "hold" {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(EventStart) })
		hook.Register(hook.KeyUp, l.keys, func(hook.Event) { l.emit(EventStop) })
	} else {
		hook.Register(hook.KeyDown, l.keys, func(hook.Event) { l.emit(EventToggle) })
	}

	evChan := hook.Start()
	go func() {
		<-l.done
		hook.End()
	}()
	<-hook.Process(evChan)
	close(l.ch)
}

// emit drops the event when the channel is full.
func (l *Listener) emit(t EventType) {
	select {
	case l.ch <- Event{Type: t}:
	default:
	}
}

// Stop ends Listen. It is safe to call multiple times.
func (l *Listener) Stop() {
	l.once.Do(func() {
		close(l.done)
	})
}

// Drive applies events to pool until events is closed or ctx is cancelled.
// Pools it starts run with ctx.
func Drive(ctx context.Context, events <-chan Event, pool Pool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			apply(ctx, ev, pool)
		}
	}
}

func apply(ctx context.Context, ev Event, pool Pool) {
	start := ev.Type == EventStart
	if ev.Type == EventToggle {
		start = pool.State() == worker.StateIdle
	}

	if !start {
		pool.RequestStop()
		slog.Info("[HOTKEY] pool stop requested")
		return
	}
	err := pool.Start(ctx)
	switch {
	case err == nil:
		slog.Info("[HOTKEY] pool started")
	case errors.Is(err, worker.ErrNotIdle):
		slog.Debug("[HOTKEY] pool busy", "error", err)
	default:
		slog.Error("[HOTKEY] pool start failed", "error", err)
	}
}
