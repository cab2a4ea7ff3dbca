package inference

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/chaz8081/bleseq/internal/worker"
)

func sine(n int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

func TestAnalyzeSilence(t *testing.T) {
	res := NewDetector().Analyze(make([]float32, 1600))
	if res != (Result{}) {
		t.Errorf("silence = %+v, want zero result", res)
	}
	if res.Active() {
		t.Error("silence reported active")
	}
}

func TestAnalyzeSine(t *testing.T) {
	res := NewDetector().Analyze(sine(16000, 0.5))
	if !near(res.RMS, float32(0.5/math.Sqrt2)) {
		t.Errorf("RMS = %v, want %v", res.RMS, 0.5/math.Sqrt2)
	}
	if !near(res.Peak, 0.5) {
		t.Errorf("Peak = %v, want 0.5", res.Peak)
	}
	if res.ActiveRatio != 1 {
		t.Errorf("ActiveRatio = %v, want 1", res.ActiveRatio)
	}
}

func TestAnalyzeHalfActive(t *testing.T) {
	samples := append(make([]float32, 800), sine(800, 0.5)...)
	res := NewDetector().Analyze(samples)
	if res.ActiveRatio != 0.5 {
		t.Errorf("ActiveRatio = %v, want 0.5", res.ActiveRatio)
	}
}

func TestRunWritesResult(t *testing.T) {
	d := NewDetector()
	samples := sine(3200, 0.25)
	job := &worker.Job{Input: EncodeSamples(samples), Output: make([]byte, ResultSize)}

	n, err := d.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n != ResultSize {
		t.Errorf("wrote %d bytes, want %d", n, ResultSize)
	}
	got, err := DecodeResult(job.Output)
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	if got != d.Analyze(samples) {
		t.Errorf("output = %+v, want %+v", got, d.Analyze(samples))
	}
}

func TestRunShortOutput(t *testing.T) {
	job := &worker.Job{Input: EncodeSamples(sine(160, 0.1)), Output: make([]byte, 4)}
	_, err := NewDetector().Run(context.Background(), job)
	if !errors.Is(err, ErrShortOutput) {
		t.Fatalf("err = %v, want ErrShortOutput", err)
	}
}

func TestRunBadInput(t *testing.T) {
	job := &worker.Job{Input: []byte{1, 2, 3}, Output: make([]byte, ResultSize)}
	_, err := NewDetector().Run(context.Background(), job)
	if !errors.Is(err, ErrBadInput) {
		t.Fatalf("err = %v, want ErrBadInput", err)
	}
}

func TestRunExpected(t *testing.T) {
	d := NewDetector()
	samples := sine(1600, 0.3)
	want := d.Analyze(samples)

	job := &worker.Job{Input: EncodeSamples(samples), Output: make([]byte, ResultSize), Expected: want.Bytes()}
	if _, err := d.Run(context.Background(), job); err != nil {
		t.Fatalf("Run with matching expected: %v", err)
	}

	job.Expected = Result{RMS: 1, Peak: 1, ActiveRatio: 1}.Bytes()
	if _, err := d.Run(context.Background(), job); !errors.Is(err, ErrMismatch) {
		t.Fatalf("err = %v, want ErrMismatch", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	job := &worker.Job{Input: EncodeSamples(sine(160, 0.1)), Output: make([]byte, ResultSize)}
	if _, err := NewDetector().Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

// writeWAV encodes samples as 16-bit mono PCM and returns the file bytes.
func writeWAV(t *testing.T, samples []float32) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: 16000},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(s * 32767)
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDecodeSamplesWAV(t *testing.T) {
	want := sine(1600, 0.5)
	got, err := DecodeSamples(writeWAV(t, want))
	if err != nil {
		t.Fatalf("DecodeSamples: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("decoded %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if !near(got[i], want[i]) {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeSamplesInvalidWAV(t *testing.T) {
	_, err := DecodeSamples([]byte("RIFF\x00\x00"))
	if !errors.Is(err, ErrBadInput) {
		t.Fatalf("err = %v, want ErrBadInput", err)
	}
}
