// Package audio records microphone input that the inference pool consumes as
// job input.
package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// DefaultMaxDuration bounds a single recording.
const DefaultMaxDuration = 30 * time.Second

// Capture records float32 PCM from the default microphone.
type Capture struct {
	ctx        *malgo.AllocatedContext
	sampleRate uint32
	channels   uint32
	maxSamples int

	mu        sync.Mutex
	device    *malgo.Device
	buf       []float32
	recording bool
}

// NewCapture initializes the audio backend. Call Close when done.
func NewCapture(sampleRate, channels uint32) (*Capture, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Capture{
		ctx:        ctx,
		sampleRate: sampleRate,
		channels:   channels,
		maxSamples: maxSamples(sampleRate, channels, DefaultMaxDuration),
	}, nil
}

func maxSamples(sampleRate, channels uint32, d time.Duration) int {
	return int(d.Seconds() * float64(sampleRate) * float64(channels))
}

// Begin starts capturing. Samples accumulate until End.
func (c *Capture) Begin() error {
	c.mu.Lock()
	if c.recording {
		c.mu.Unlock()
		return fmt.Errorf("audio: already recording")
	}
	c.buf = c.buf[:0]
	c.recording = true
	c.mu.Unlock()

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = c.channels
	cfg.SampleRate = c.sampleRate

	device, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{Data: c.onData})
	if err != nil {
		c.setRecording(false)
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.setRecording(false)
		return fmt.Errorf("audio: start capture device: %w", err)
	}

	c.mu.Lock()
	c.device = device
	c.mu.Unlock()
	return nil
}

// End stops capturing and returns a copy of the recorded samples, or nil if
// nothing was being recorded.
func (c *Capture) End() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return nil
	}
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.recording = false
	return append([]float32(nil), c.buf...)
}

// Record captures for d, or until ctx is done, and returns the samples.
func (c *Capture) Record(ctx context.Context, d time.Duration) ([]float32, error) {
	if err := c.Begin(); err != nil {
		return nil, err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
	return c.End(), nil
}

// Recording reports whether a capture is in progress.
func (c *Capture) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// SampleRate returns the configured rate in Hz.
func (c *Capture) SampleRate() uint32 { return c.sampleRate }

// Close releases the device and the backend context.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.recording = false
	c.mu.Unlock()

	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("audio: uninit context: %w", err)
		}
		c.ctx.Free()
	}
	return nil
}

func (c *Capture) setRecording(v bool) {
	c.mu.Lock()
	c.recording = v
	c.mu.Unlock()
}

// onData is the malgo data callback. Frames past maxSamples are dropped.
func (c *Capture) onData(_, input []byte, frameCount uint32) {
	samples := decodeFrames(input, frameCount*c.channels)

	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.maxSamples - len(c.buf); room < len(samples) {
		samples = samples[:max(room, 0)]
	}
	c.buf = append(c.buf, samples...)
}

// decodeFrames reads up to n little-endian float32 samples from data.
func decodeFrames(data []byte, n uint32) []float32 {
	count := min(int(n), len(data)/4)
	samples := make([]float32, count)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples
}
