package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/sequencer"
	"github.com/chaz8081/bleseq/internal/session"
)

var (
	ErrNoSink            = errors.New("ble: transport has no sink")
	ErrNoLink            = errors.New("ble: session has no link")
	ErrMissingAttribute  = errors.New("ble: step source attribute missing")
	ErrUnsupportedAction = errors.New("ble: unsupported action")
	ErrClosed            = errors.New("ble: transport closed")
)

// NotificationHandler receives characteristic notifications enabled by a
// subscribe step.
type NotificationHandler func(id session.ID, charUUID string, value []byte)

// TransportOptions configures a Transport.
type TransportOptions struct {
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	OnNotify       NotificationHandler
}

// DefaultTransportOptions returns sensible defaults.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Transport executes step actions as GATT operations. Each Invoke starts a
// goroutine that performs the operation and posts the completion to the sink.
type Transport struct {
	adapter Adapter
	opts    TransportOptions

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	sink  sequencer.Sink
	links map[session.ID]Connection
}

var _ sequencer.Transport = (*Transport)(nil)

// NewTransport creates a transport on adapter. Attach a sink before the first
// Invoke.
func NewTransport(adapter Adapter, opts TransportOptions) *Transport {
	def := DefaultTransportOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		adapter: adapter,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[session.ID]Connection),
	}
}

// Attach sets the sink completions are posted to.
func (t *Transport) Attach(sink sequencer.Sink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
}

// Bind associates a connection with session id. Link-level actions for that
// session run on conn.
func (t *Transport) Bind(id session.ID, conn Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[id] = conn
}

// Unbind drops the connection for id and returns it.
func (t *Transport) Unbind(id session.ID) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.links[id]
	delete(t.links, id)
	return conn, ok
}

// Link returns the connection bound to id.
func (t *Transport) Link(id session.ID) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.links[id]
	return conn, ok
}

// Close cancels in-flight scans and connects and waits for every operation
// goroutine to finish.
func (t *Transport) Close() {
	t.cancel()
	t.wg.Wait()
}

// Invoke implements sequencer.Transport. Inputs are validated synchronously so
// a step that cannot run is rejected rather than left pending.
func (t *Transport) Invoke(req sequencer.Request) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	t.mu.Lock()
	sink := t.sink
	conn, linked := t.links[req.Session]
	t.mu.Unlock()
	if sink == nil {
		return ErrNoSink
	}

	step := req.Step
	var op func(ctx context.Context) (procedure.Status, sequencer.Payload)
	switch step.Action {
	case procedure.ActionNone:
		op = func(context.Context) (procedure.Status, sequencer.Payload) {
			return procedure.StatusOK, sequencer.Payload{}
		}

	case procedure.ActionScan:
		name := step.Param("name", procedure.DefaultPeripheralName)
		op = func(ctx context.Context) (procedure.Status, sequencer.Payload) {
			return t.scan(ctx, name)
		}

	case procedure.ActionConnect:
		address, ok := req.Attrs[step.Param("source", procedure.AttrAddress)].(string)
		if !ok || address == "" {
			return fmt.Errorf("%w: %s", ErrMissingAttribute, step.Param("source", procedure.AttrAddress))
		}
		op = func(ctx context.Context) (procedure.Status, sequencer.Payload) {
			return t.connect(ctx, address, step.Param("attr", procedure.AttrConnection))
		}

	case procedure.ActionDiscover:
		if !linked {
			return fmt.Errorf("%w: %d", ErrNoLink, req.Session)
		}
		op = func(context.Context) (procedure.Status, sequencer.Payload) {
			return discover(conn, step)
		}

	case procedure.ActionRead, procedure.ActionWrite, procedure.ActionSubscribe:
		if !linked {
			return fmt.Errorf("%w: %d", ErrNoLink, req.Session)
		}
		source := step.Param("source", procedure.AttrLevelChar)
		char, ok := req.Attrs[source].(Characteristic)
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingAttribute, source)
		}
		switch step.Action {
		case procedure.ActionRead:
			op = func(context.Context) (procedure.Status, sequencer.Payload) {
				return read(char, step.Param("attr", procedure.AttrLevel))
			}
		case procedure.ActionWrite:
			value, err := hex.DecodeString(step.Param("value", ""))
			if err != nil {
				return fmt.Errorf("ble: step %s value: %w", step.ID, err)
			}
			op = func(context.Context) (procedure.Status, sequencer.Payload) {
				return write(char, value)
			}
		default:
			id := req.Session
			op = func(context.Context) (procedure.Status, sequencer.Payload) {
				return t.subscribe(id, char)
			}
		}

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAction, step.Action)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		status, payload := op(t.ctx)
		if payload.Err != nil {
			slog.Debug("[BLE] operation failed", "session", req.Session, "step", step.ID, "action", step.Action, "error", payload.Err)
		}
		sink.Post(req.Completion(status, payload))
	}()
	return nil
}

func (t *Transport) scan(ctx context.Context, name string) (procedure.Status, sequencer.Payload) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ScanTimeout)
	defer cancel()
	dev, err := t.adapter.Scan(ctx, name)
	if err != nil {
		status := procedure.StatusFailed
		if errors.Is(err, ErrDeviceNotFound) {
			status = procedure.StatusNotFound
		}
		return status, sequencer.Payload{Err: err}
	}
	slog.Info("[BLE] device found", "name", dev.Name, "address", dev.Address, "rssi", dev.RSSI)
	return procedure.StatusOK, sequencer.Payload{Attrs: map[string]any{
		procedure.AttrAddress: dev.Address,
		procedure.AttrName:    dev.Name,
	}}
}

func (t *Transport) connect(ctx context.Context, address, attr string) (procedure.Status, sequencer.Payload) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()
	conn, err := t.adapter.Connect(ctx, address)
	if err != nil {
		return procedure.StatusFailed, sequencer.Payload{Err: err}
	}
	return procedure.StatusOK, sequencer.Payload{Attrs: map[string]any{attr: conn}}
}

func discover(conn Connection, step procedure.Step) (procedure.Status, sequencer.Payload) {
	service := step.Param("service", procedure.BatteryServiceUUID)
	char := step.Param("characteristic", procedure.BatteryLevelUUID)
	chars, err := conn.DiscoverCharacteristics(service, char)
	if err != nil {
		return procedure.StatusFailed, sequencer.Payload{Err: err}
	}
	if len(chars) == 0 {
		return procedure.StatusNotFound, sequencer.Payload{
			Err: fmt.Errorf("ble: characteristic %s not found in service %s", char, service),
		}
	}
	attrs := map[string]any{procedure.AttrInstances: len(chars)}
	attrs[step.Param("attr", procedure.AttrLevelChar)] = chars[0]
	return procedure.StatusOK, sequencer.Payload{Attrs: attrs}
}

func read(char Characteristic, attr string) (procedure.Status, sequencer.Payload) {
	data, err := char.Read()
	if err != nil {
		return procedure.StatusFailed, sequencer.Payload{Err: err}
	}
	if len(data) == 0 {
		return procedure.StatusInvalidPayload, sequencer.Payload{
			Err: fmt.Errorf("ble: empty read from %s", char.UUID()),
		}
	}
	return procedure.StatusOK, sequencer.Payload{
		Value: data,
		Attrs: map[string]any{attr: data[0]},
	}
}

func write(char Characteristic, value []byte) (procedure.Status, sequencer.Payload) {
	if err := char.Write(value); err != nil {
		return procedure.StatusFailed, sequencer.Payload{Err: err}
	}
	return procedure.StatusOK, sequencer.Payload{}
}

func (t *Transport) subscribe(id session.ID, char Characteristic) (procedure.Status, sequencer.Payload) {
	uuid := char.UUID()
	err := char.Subscribe(func(data []byte) {
		if t.opts.OnNotify != nil {
			t.opts.OnNotify(id, uuid, data)
		}
	})
	if err != nil {
		return procedure.StatusFailed, sequencer.Payload{Err: err}
	}
	return procedure.StatusOK, sequencer.Payload{}
}
