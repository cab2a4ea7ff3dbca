package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/chaz8081/bleseq/internal/sequencer"
	"github.com/chaz8081/bleseq/internal/worker"
)

// writeTimeout bounds each journal write.
const writeTimeout = 2 * time.Second

// Journal records sequencer results and job completions in a Store. Write
// failures are logged and otherwise ignored.
type Journal struct {
	store Store
}

var _ sequencer.Observer = (*Journal)(nil)

// NewJournal creates a journal on s.
func NewJournal(s Store) *Journal {
	return &Journal{store: s}
}

// SessionTerminated implements sequencer.Observer.
func (j *Journal) SessionTerminated(res sequencer.Result) {
	path := make([]string, len(res.Path))
	for i, id := range res.Path {
		path[i] = string(id)
	}
	o := &Outcome{
		Procedure:  res.Procedure,
		Session:    int(res.Session),
		Generation: res.Generation,
		Outcome:    string(res.Outcome),
		FinalStep:  string(res.FinalStep),
		LastStatus: res.LastStatus.String(),
		Path:       path,
		Reason:     res.Reason,
		StartedAt:  res.StartedAt,
		EndedAt:    res.EndedAt,
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := j.store.RecordOutcome(ctx, o); err != nil {
		slog.Error("[STORE] record outcome", "procedure", res.Procedure, "session", res.Session, "error", err)
	}
}

// JobSink returns a sink that records each completion, with the hash of
// input, before passing it on to next. next may be nil.
func (j *Journal) JobSink(input []byte, next worker.Sink) worker.Sink {
	hash := HashInput(input)
	return worker.SinkFunc(func(c worker.Completion) {
		rec := &JobRecord{
			ID:         c.JobID,
			Name:       c.Name,
			Status:     c.Status.String(),
			Written:    c.Written,
			InputHash:  hash,
			DurationMS: c.Duration.Milliseconds(),
			FinishedAt: time.Now(),
		}
		if c.Err != nil {
			rec.Error = c.Err.Error()
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := j.store.RecordJob(ctx, rec); err != nil {
			slog.Error("[STORE] record job", "job", c.JobID, "error", err)
		}
		if next != nil {
			next.Deliver(c)
		}
	})
}
