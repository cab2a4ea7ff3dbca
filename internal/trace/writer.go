package trace

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/chaz8081/bleseq/internal/sequencer"
)

// Writer appends records to a CBOR stream. It observes sequencers and is
// safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	closer  io.Closer
	encoder *cbor.Encoder
	closed  bool
	written int
}

var (
	_ sequencer.Observer           = (*Writer)(nil)
	_ sequencer.TransitionObserver = (*Writer)(nil)
)

// NewWriter writes records to w.
func NewWriter(w io.Writer) *Writer {
	tw := &Writer{encoder: encMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	return tw
}

// OpenFile appends to the trace file at path, creating it with mode 0644.
func OpenFile(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return NewWriter(f), nil
}

// Write appends r. Writes after Close are ignored.
func (w *Writer) Write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.encoder.Encode(r); err != nil {
		return err
	}
	w.written++
	return nil
}

// Written returns the number of records written.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// StepTransitioned implements sequencer.TransitionObserver.
func (w *Writer) StepTransitioned(tr sequencer.Transition) {
	err := w.Write(Record{
		Kind:      KindTransition,
		At:        tr.At,
		Procedure: tr.Procedure,
		Session:   uint16(tr.Session),
		From:      string(tr.From),
		To:        string(tr.To),
		Status:    tr.Status.String(),
	})
	if err != nil {
		slog.Warn("[SEQ] trace write failed", "error", err)
	}
}

// SessionTerminated implements sequencer.Observer.
func (w *Writer) SessionTerminated(res sequencer.Result) {
	path := make([]string, len(res.Path))
	for i, id := range res.Path {
		path[i] = string(id)
	}
	err := w.Write(Record{
		Kind:       KindOutcome,
		At:         res.EndedAt,
		Procedure:  res.Procedure,
		Session:    uint16(res.Session),
		Status:     res.LastStatus.String(),
		To:         string(res.FinalStep),
		Generation: res.Generation,
		Outcome:    string(res.Outcome),
		Path:       path,
		Reason:     res.Reason,
	})
	if err != nil {
		slog.Warn("[SEQ] trace write failed", "error", err)
	}
}

// Close closes the underlying writer if it is an io.Closer. It is safe to
// call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
