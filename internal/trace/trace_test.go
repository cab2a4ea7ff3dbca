package trace

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/bleseq/internal/procedure"
	"github.com/chaz8081/bleseq/internal/sequencer"
)

func TestEncodeDecodeUsesIntegerKeys(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	rec := Record{Kind: KindTransition, At: at, Procedure: "battery", Session: 3, From: "start", To: "enable", Status: "ok"}

	data, err := Encode(rec)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Procedure", "field names must not be encoded")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.At.Equal(at), "timestamp keeps nanoseconds")
	got.At = at
	assert.Equal(t, rec, got)
}

func TestWriterObservesSequencer(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	now := time.Now()
	w.StepTransitioned(sequencer.Transition{
		Procedure: "battery", Session: 1,
		From: procedure.BatteryStart, To: procedure.BatteryEnable,
		Status: procedure.StatusOK, At: now,
	})
	w.StepTransitioned(sequencer.Transition{
		Procedure: "battery", Session: 1,
		From: procedure.BatteryEnable, To: procedure.BatteryFailed,
		Status: procedure.StatusNotFound, At: now,
	})
	w.SessionTerminated(sequencer.Result{
		Procedure: "battery", Session: 1, Generation: 4,
		Outcome:    sequencer.OutcomeFailed,
		FinalStep:  procedure.BatteryFailed,
		LastStatus: procedure.StatusNotFound,
		Path:       []procedure.StepID{procedure.BatteryStart, procedure.BatteryEnable, procedure.BatteryFailed},
		EndedAt:    now,
	})
	require.Equal(t, 3, w.Written())

	recs, err := NewReader(&buf, Filter{}).All()
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, KindTransition, recs[0].Kind)
	assert.Equal(t, "start", recs[0].From)
	assert.Equal(t, "enable", recs[0].To)
	assert.Equal(t, "not_found", recs[1].Status)

	out := recs[2]
	assert.Equal(t, KindOutcome, out.Kind)
	assert.Equal(t, "failed", out.Outcome)
	assert.Equal(t, uint64(4), out.Generation)
	assert.Equal(t, []string{"start", "enable", "failed"}, out.Path)
}

func TestFileRoundTripWithFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cbor")

	w, err := OpenFile(path)
	require.NoError(t, err)
	for _, r := range []Record{
		{Kind: KindTransition, Procedure: "central", Session: 0, From: "scan", To: "connect"},
		{Kind: KindTransition, Procedure: "battery", Session: 0, From: "start", To: "enable"},
		{Kind: KindTransition, Procedure: "battery", Session: 1, From: "start", To: "enable"},
		{Kind: KindOutcome, Procedure: "battery", Session: 1, Outcome: "succeeded"},
	} {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "second Close is a no-op")
	require.NoError(t, w.Write(Record{Kind: KindOutcome}), "writes after Close are ignored")

	// Appending keeps earlier records.
	w2, err := OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, w2.Write(Record{Kind: KindOutcome, Procedure: "central", Session: 0, Outcome: "failed"}))
	require.NoError(t, w2.Close())

	all, err := Open(path, Filter{})
	require.NoError(t, err)
	recs, err := all.All()
	require.NoError(t, err)
	require.NoError(t, all.Close())
	assert.Len(t, recs, 5)

	one := uint16(1)
	r, err := Open(path, Filter{Procedure: "battery", Session: &one})
	require.NoError(t, err)
	defer r.Close()
	recs, err = r.All()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, KindTransition, recs[0].Kind)
	assert.Equal(t, "succeeded", recs[1].Outcome)

	outcomes, err := Open(path, Filter{Kind: KindOutcome})
	require.NoError(t, err)
	defer outcomes.Close()
	recs, err = outcomes.All()
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "transition", KindTransition.String())
	assert.Equal(t, "outcome", KindOutcome.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
