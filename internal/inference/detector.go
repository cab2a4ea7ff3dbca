// Package inference provides the unit of work the worker pool runs: a
// lightweight voice-activity detector over captured audio.
package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-audio/wav"

	"github.com/chaz8081/bleseq/internal/worker"
)

// ResultSize is the number of bytes Run writes: RMS, peak and active ratio as
// little-endian float32.
const ResultSize = 12

var (
	ErrShortOutput = errors.New("inference: output buffer too small")
	ErrBadInput    = errors.New("inference: malformed input")
	ErrMismatch    = errors.New("inference: output does not match expected")
)

// Result is the decoded detector output.
type Result struct {
	RMS         float32
	Peak        float32
	ActiveRatio float32
}

// Active reports whether any frame crossed the activity threshold.
func (r Result) Active() bool { return r.ActiveRatio > 0 }

// Detector computes signal statistics over PCM audio. Input is either a WAV
// file or raw little-endian float32 samples.
type Detector struct {
	// FrameSize is the number of samples per activity frame.
	FrameSize int
	// Threshold is the frame RMS above which a frame counts as active.
	Threshold float64
	// Tolerance is the per-value slack allowed when comparing with Expected.
	Tolerance float64
}

// NewDetector returns a detector with 10ms frames at 16kHz.
func NewDetector() *Detector {
	return &Detector{
		FrameSize: 160,
		Threshold: 0.02,
		Tolerance: 1e-4,
	}
}

var _ worker.Runner = (*Detector)(nil)

// Run implements worker.Runner.
func (d *Detector) Run(ctx context.Context, job *worker.Job) (int, error) {
	if len(job.Output) < ResultSize {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortOutput, ResultSize, len(job.Output))
	}
	samples, err := DecodeSamples(job.Input)
	if err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	res := d.Analyze(samples)
	res.encode(job.Output)

	if len(job.Expected) > 0 {
		want, err := DecodeResult(job.Expected)
		if err != nil {
			return ResultSize, fmt.Errorf("inference: expected output: %w", err)
		}
		if !d.matches(res, want) {
			return ResultSize, fmt.Errorf("%w: got %+v, want %+v", ErrMismatch, res, want)
		}
	}
	return ResultSize, nil
}

// Analyze computes the statistics for samples.
func (d *Detector) Analyze(samples []float32) Result {
	if len(samples) == 0 {
		return Result{}
	}
	frameSize := d.FrameSize
	if frameSize <= 0 {
		frameSize = len(samples)
	}

	var sum, peak float64
	var frames, active int
	for start := 0; start < len(samples); start += frameSize {
		end := min(start+frameSize, len(samples))
		var frameSum float64
		for _, s := range samples[start:end] {
			v := float64(s)
			frameSum += v * v
			peak = math.Max(peak, math.Abs(v))
		}
		sum += frameSum
		frames++
		if math.Sqrt(frameSum/float64(end-start)) > d.Threshold {
			active++
		}
	}
	return Result{
		RMS:         float32(math.Sqrt(sum / float64(len(samples)))),
		Peak:        float32(peak),
		ActiveRatio: float32(active) / float32(frames),
	}
}

func (d *Detector) matches(got, want Result) bool {
	near := func(a, b float32) bool { return math.Abs(float64(a-b)) <= d.Tolerance }
	return near(got.RMS, want.RMS) && near(got.Peak, want.Peak) && near(got.ActiveRatio, want.ActiveRatio)
}

func (r Result) encode(out []byte) {
	binary.LittleEndian.PutUint32(out[0:], math.Float32bits(r.RMS))
	binary.LittleEndian.PutUint32(out[4:], math.Float32bits(r.Peak))
	binary.LittleEndian.PutUint32(out[8:], math.Float32bits(r.ActiveRatio))
}

// Bytes returns the encoded result.
func (r Result) Bytes() []byte {
	out := make([]byte, ResultSize)
	r.encode(out)
	return out
}

// DecodeResult parses the bytes Run writes.
func DecodeResult(b []byte) (Result, error) {
	if len(b) < ResultSize {
		return Result{}, fmt.Errorf("%w: result is %d bytes", ErrBadInput, len(b))
	}
	return Result{
		RMS:         math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		Peak:        math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		ActiveRatio: math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
	}, nil
}

// DecodeSamples converts job input to normalized samples.
func DecodeSamples(input []byte) ([]float32, error) {
	if bytes.HasPrefix(input, []byte("RIFF")) {
		return decodeWAV(input)
	}
	if len(input)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of float32 samples", ErrBadInput, len(input))
	}
	samples := make([]float32, len(input)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	return samples, nil
}

// EncodeSamples is the inverse of DecodeSamples for raw float32 input.
func EncodeSamples(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

func decodeWAV(input []byte) ([]float32, error) {
	dec := wav.NewDecoder(bytes.NewReader(input))
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: invalid wav", ErrBadInput)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("inference: decode wav: %w", err)
	}

	depth := int(dec.BitDepth)
	scale := float32(int(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, s := range buf.Data {
		if depth == 8 {
			// 8-bit PCM is unsigned.
			s -= 128
		}
		samples[i] = float32(s) / scale
	}
	return samples, nil
}
