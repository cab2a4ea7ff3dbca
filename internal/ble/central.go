package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/sequencer"
	"github.com/chaz8081/bleseq/internal/session"
)

// scannerSession is the central procedure's only session id; at most one
// scan/connect attempt runs at a time.
const scannerSession session.ID = 0

// CentralOptions configures a Central.
type CentralOptions struct {
	DeviceName     string
	MaxLinks       int
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	MaxTransitions int
	InboxSize      int
	// ReconnectMax caps the scan restart backoff, in BackoffUnit steps.
	ReconnectMax int
	BackoffUnit  time.Duration
	// Battery overrides the procedure run on every new link.
	Battery   *procedure.Table
	OnNotify  NotificationHandler
	Observers []sequencer.Observer
	Logger    *slog.Logger
}

// DefaultCentralOptions returns sensible defaults.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		DeviceName:     procedure.DefaultPeripheralName,
		MaxLinks:       1,
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		StepTimeout:    15 * time.Second,
		ReconnectMax:   30,
		BackoffUnit:    time.Second,
	}
}

// LinkInfo describes an open link.
type LinkInfo struct {
	ID      session.ID `json:"id"`
	Address string     `json:"address"`
	Since   time.Time  `json:"since"`
}

type link struct {
	conn  Connection
	since time.Time
	// closing is set once linkLost has claimed the link. The slot stays
	// reserved until its session has ended and the conn is unbound.
	closing bool
}

// Central scans for a named peripheral, connects to it and runs the battery
// procedure on the new link. It reopens links as they drop, backing off after
// failed attempts.
type Central struct {
	adapter Adapter
	opts    CentralOptions
	log     *slog.Logger

	scanTransport *Transport
	linkTransport *Transport
	scanner       *sequencer.Sequencer
	battery       *sequencer.Sequencer

	mu       sync.Mutex
	links    map[session.ID]link
	attempt  int
	retry    *time.Timer
	stopping bool
}

// NewCentral creates a Central on adapter.
func NewCentral(adapter Adapter, opts CentralOptions) *Central {
	def := DefaultCentralOptions()
	if opts.DeviceName == "" {
		opts.DeviceName = def.DeviceName
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = def.MaxLinks
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = def.BackoffUnit
	}
	if opts.Battery == nil {
		opts.Battery = procedure.Battery()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Central{
		adapter: adapter,
		opts:    opts,
		log:     logger,
		links:   make(map[session.ID]link),
	}

	topts := TransportOptions{
		ScanTimeout:    opts.ScanTimeout,
		ConnectTimeout: opts.ConnectTimeout,
		OnNotify:       opts.OnNotify,
	}
	c.scanTransport = NewTransport(adapter, topts)
	c.linkTransport = NewTransport(adapter, topts)

	seqOpts := sequencer.Options{
		StepTimeout:    opts.StepTimeout,
		MaxTransitions: opts.MaxTransitions,
		InboxSize:      opts.InboxSize,
		Logger:         logger,
	}
	scanObservers := append([]sequencer.Observer{sequencer.ObserverFunc(c.scanFinished)}, opts.Observers...)
	linkObservers := append([]sequencer.Observer{sequencer.ObserverFunc(c.batteryFinished)}, opts.Observers...)
	c.scanner = sequencer.New(procedure.Central(opts.DeviceName), c.scanTransport, seqOpts, scanObservers...)
	c.battery = sequencer.New(opts.Battery, c.linkTransport, seqOpts, linkObservers...)
	c.scanTransport.Attach(c.scanner)
	c.linkTransport.Attach(c.battery)
	return c
}

// Sequencers returns the scanner and battery sequencers.
func (c *Central) Sequencers() []*sequencer.Sequencer {
	return []*sequencer.Sequencer{c.scanner, c.battery}
}

// Links returns the open links ordered by id.
func (c *Central) Links() []LinkInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LinkInfo, 0, len(c.links))
	for id, l := range c.links {
		out = append(out, LinkInfo{ID: id, Address: l.conn.Address(), Since: l.since})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run enables the adapter and keeps links open until ctx is cancelled. On
// return every session has ended and every link is disconnected.
func (c *Central) Run(ctx context.Context) error {
	if err := c.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	var wg sync.WaitGroup
	for _, seq := range c.Sequencers() {
		wg.Add(1)
		go func(seq *sequencer.Sequencer) {
			defer wg.Done()
			_ = seq.Run(ctx)
		}(seq)
	}

	c.startScan()

	<-ctx.Done()
	c.shutdown()
	wg.Wait()
	return nil
}

func (c *Central) shutdown() {
	c.mu.Lock()
	c.stopping = true
	if c.retry != nil {
		c.retry.Stop()
	}
	links := make(map[session.ID]link, len(c.links))
	for id, l := range c.links {
		links[id] = l
	}
	c.links = make(map[session.ID]link)
	c.mu.Unlock()

	c.scanner.Shutdown("shutdown")
	c.battery.Shutdown("shutdown")
	c.scanTransport.Close()
	c.linkTransport.Close()
	for id, l := range links {
		c.linkTransport.Unbind(id)
		if err := l.conn.Disconnect(); err != nil {
			c.log.Warn("[BLE] disconnect failed", "link", id, "error", err)
		}
	}
	c.log.Info("[BLE] central stopped", "links", len(links))
}

// startScan starts the central procedure unless one is running or every
// link slot is taken.
func (c *Central) startScan() {
	c.mu.Lock()
	full := len(c.links) >= c.opts.MaxLinks
	stopping := c.stopping
	c.mu.Unlock()
	if stopping || full {
		return
	}
	if err := c.scanner.Start(scannerSession); err != nil {
		c.log.Debug("[BLE] scan already running", "error", err)
		return
	}
	c.log.Info("[BLE] scanning", "name", c.opts.DeviceName)
}

// scheduleScan restarts scanning after the backoff for the current attempt.
func (c *Central) scheduleScan() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	delay := backoffDelay(c.attempt, c.opts.BackoffUnit, c.opts.ReconnectMax)
	c.attempt++
	c.log.Info("[BLE] scan backoff", "attempt", c.attempt, "delay", delay)
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = time.AfterFunc(delay, c.startScan)
}

func (c *Central) scanFinished(res sequencer.Result) {
	if res.Outcome != sequencer.OutcomeSucceeded {
		if res.Outcome == sequencer.OutcomeFailed {
			c.log.Warn("[BLE] connect procedure failed", "step", res.FinalStep, "status", res.LastStatus)
			c.scheduleScan()
		}
		return
	}

	conn, ok := res.Attrs[procedure.AttrConnection].(Connection)
	if !ok {
		c.log.Error("[BLE] connect procedure succeeded without a connection")
		c.scheduleScan()
		return
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		_ = conn.Disconnect()
		return
	}
	id, ok := allocateLink(c.links, c.opts.MaxLinks)
	if !ok {
		c.mu.Unlock()
		c.log.Warn("[BLE] no free link slot, dropping connection", "address", conn.Address())
		_ = conn.Disconnect()
		return
	}
	c.links[id] = link{conn: conn, since: time.Now()}
	c.attempt = 0
	c.mu.Unlock()

	c.linkTransport.Bind(id, conn)
	conn.OnDisconnect(func() { c.linkLost(id, conn) })
	c.log.Info("[BLE] connected", "link", id, "address", conn.Address())

	if err := c.battery.Start(id); err != nil {
		c.log.Error("[BLE] start battery procedure, dropping link", "link", id, "error", err)
		c.dropLink(id, conn)
	}
	c.startScan()
}

// dropLink releases a link whose battery session never started. The conn is
// unbound while the slot is still held.
func (c *Central) dropLink(id session.ID, conn Connection) {
	c.linkTransport.Unbind(id)
	c.mu.Lock()
	if l, ok := c.links[id]; ok && l.conn == conn {
		delete(c.links, id)
	}
	c.mu.Unlock()
	_ = conn.Disconnect()
}

func (c *Central) batteryFinished(res sequencer.Result) {
	switch res.Outcome {
	case sequencer.OutcomeSucceeded:
		c.log.Info("[BLE] battery procedure complete", "link", res.Session, "level", res.Attrs[procedure.AttrLevel])
	case sequencer.OutcomeFailed:
		c.log.Warn("[BLE] battery procedure failed, disconnecting", "link", res.Session, "step", res.FinalStep, "status", res.LastStatus)
		if conn, ok := c.linkTransport.Link(res.Session); ok {
			_ = conn.Disconnect()
		}
	}
}

// linkLost handles a dropped connection: the link's session ends, its conn
// is unbound and only then is the slot freed and scanning resumed.
func (c *Central) linkLost(id session.ID, conn Connection) {
	c.mu.Lock()
	l, ok := c.links[id]
	if !ok || l.conn != conn || l.closing {
		c.mu.Unlock()
		return
	}
	l.closing = true
	c.links[id] = l
	c.mu.Unlock()

	c.battery.End(id, "disconnected")
	c.linkTransport.Unbind(id)

	c.mu.Lock()
	if l, ok := c.links[id]; ok && l.conn == conn {
		delete(c.links, id)
	}
	c.mu.Unlock()

	c.log.Warn("[BLE] disconnected", "link", id, "address", conn.Address())
	c.startScan()
}

// allocateLink returns the smallest id in [0, max) not present in links.
func allocateLink(links map[session.ID]link, max int) (session.ID, bool) {
	for i := 0; i < max; i++ {
		id := session.ID(i)
		if _, used := links[id]; !used {
			return id, true
		}
	}
	return 0, false
}

// maxBackoffShift keeps 1<<attempt from overflowing.
const maxBackoffShift = 30

// backoffDelay returns the delay before attempt n, doubling from unit and
// capped at maxUnits*unit.
func backoffDelay(attempt int, unit time.Duration, maxUnits int) time.Duration {
	limit := time.Duration(maxUnits) * unit
	if attempt > maxBackoffShift {
		return limit
	}
	delay := time.Duration(1<<uint(attempt)) * unit
	if delay > limit {
		return limit
	}
	return delay
}
