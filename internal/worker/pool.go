// Package worker runs jobs from a bounded queue on a fixed set of goroutines.
// Stopping is cooperative: a worker finishes the job it is running and checks
// for a stop request only before dequeuing the next one.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
)

var (
	ErrQueueFull  = errors.New("worker: queue full")
	ErrInvalidJob = errors.New("worker: invalid job")
	ErrNotIdle    = errors.New("worker: pool not idle")
)

// State is the pool lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// logEvery is how often, in completed jobs, the pool logs its job counter.
const logEvery = 100

// Options configures a Pool.
type Options struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *slog.Logger
}

// DefaultOptions returns a single worker with a 16 entry queue.
func DefaultOptions() Options {
	return Options{
		Name:      "inference",
		Workers:   1,
		QueueSize: 16,
	}
}

// Pool is a bounded job queue served by Options.Workers goroutines.
type Pool struct {
	runner Runner
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*Job
	state  State
	active int
	idle   chan struct{}

	completed atomic.Uint64
}

// New creates an idle pool.
func New(runner Runner, opts Options) *Pool {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		runner: runner,
		opts:   opts,
		log:    logger.With("pool", opts.Name),
		idle:   closedChan(),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Jobs run with ctx; cancelling it requests a
// stop. Start fails with ErrNotIdle unless the pool is idle.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateIdle {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotIdle, state)
	}
	p.setState(StateRunning)
	p.active = p.opts.Workers
	idle := make(chan struct{})
	p.idle = idle
	p.mu.Unlock()

	for i := 0; i < p.opts.Workers; i++ {
		go p.work(ctx, i)
	}
	go func() {
		select {
		case <-ctx.Done():
			p.RequestStop()
		case <-idle:
		}
	}()

	p.log.Info("[POOL] started", "workers", p.opts.Workers, "queued", p.QueueLen())
	return nil
}

// RequestStop asks the workers to exit at their next dequeue boundary. A
// running job is not interrupted and queued jobs stay queued for the next
// Start.
func (p *Pool) RequestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateRunning {
		return
	}
	p.setState(StateStopping)
	p.cond.Broadcast()
	p.log.Info("[POOL] stop requested", "queued", len(p.queue))
}

// Wait blocks until the pool is idle.
func (p *Pool) Wait() {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()
	<-idle
}

// Submit queues job. It assigns an id when job.ID is empty. Jobs submitted
// while the pool is idle wait for the next Start.
func (p *Pool) Submit(job *Job) error {
	if job == nil || job.Sink == nil {
		return ErrInvalidJob
	}
	if job.ID == "" {
		job.ID = NewID()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) >= p.opts.QueueSize {
		queueRejected.WithLabelValues(p.opts.Name).Inc()
		return fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, len(p.queue))
	}
	p.queue = append(p.queue, job)
	queueDepth.WithLabelValues(p.opts.Name).Set(float64(len(p.queue)))
	p.cond.Signal()
	return nil
}

// State returns the current lifecycle state.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// QueueLen returns the number of jobs waiting for a worker.
func (p *Pool) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Completed returns the number of jobs run since the pool was created.
func (p *Pool) Completed() uint64 {
	return p.completed.Load()
}

// Workers returns the configured worker count.
func (p *Pool) Workers() int { return p.opts.Workers }

func (p *Pool) work(ctx context.Context, id int) {
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, id, job)
	}
}

// next blocks until a job is available or a stop was requested. The last
// worker to exit returns the pool to idle.
func (p *Pool) next() (*Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.state == StateRunning && len(p.queue) == 0 {
		p.cond.Wait()
	}
	if p.state != StateRunning {
		p.active--
		if p.active == 0 {
			p.setState(StateIdle)
			close(p.idle)
			p.log.Info("[POOL] stopped", "queued", len(p.queue), "completed", p.completed.Load())
		}
		return nil, false
	}
	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	queueDepth.WithLabelValues(p.opts.Name).Set(float64(len(p.queue)))
	return job, true
}

func (p *Pool) run(ctx context.Context, worker int, job *Job) {
	start := time.Now()
	n, err := p.safeRun(ctx, job)
	elapsed := time.Since(start)

	c := Completion{
		JobID:    job.ID,
		Name:     job.Name,
		Status:   procedure.StatusOK,
		Written:  n,
		Err:      err,
		Duration: elapsed,
	}
	label := statusOK
	if err != nil {
		c.Status = procedure.StatusFailed
		label = statusFailed
		p.log.Warn("[POOL] job failed", "worker", worker, "job", job.ID, "name", job.Name, "error", err)
	}
	jobsTotal.WithLabelValues(p.opts.Name, label).Inc()
	jobDuration.WithLabelValues(p.opts.Name).Observe(elapsed.Seconds())

	if count := p.completed.Add(1); count%logEvery == 0 {
		p.log.Info("[POOL] job count", "worker", worker, "completed", count, "status", label)
	}
	job.Sink.Deliver(c)
}

func (p *Pool) safeRun(ctx context.Context, job *Job) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job %s panicked: %v", job.ID, r)
		}
	}()
	return p.runner.Run(ctx, job)
}

// setState records s. Caller holds mu.
func (p *Pool) setState(s State) {
	p.state = s
	poolState.WithLabelValues(p.opts.Name).Set(float64(s))
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
