package audio

import (
	"testing"
	"time"
)

func TestNewCaptureAndClose(t *testing.T) {
	c, err := NewCapture(16000, 1)
	if err != nil {
		t.Skipf("no audio backend: %v", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	}()

	if c.SampleRate() != 16000 {
		t.Errorf("SampleRate() = %d, want 16000", c.SampleRate())
	}
	if c.Recording() {
		t.Error("Recording() should be false after creation")
	}
	if got := c.End(); got != nil {
		t.Errorf("End() without Begin() = %d samples, want nil", len(got))
	}
}

func TestMaxSamples(t *testing.T) {
	if got := maxSamples(16000, 2, 3*time.Second); got != 96000 {
		t.Errorf("maxSamples = %d, want 96000", got)
	}
}

func TestDecodeFrames(t *testing.T) {
	data := []byte{
		0x00, 0x00, 0x80, 0x3F, // 1.0
		0x00, 0x00, 0x00, 0x00, // 0.0
		0x00, 0x00, 0x80, 0xBF, // -1.0
	}
	got := decodeFrames(data, 3)
	want := []float32{1, 0, -1}
	if len(got) != len(want) {
		t.Fatalf("decodeFrames() returned %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestDecodeFramesShortBuffer(t *testing.T) {
	data := []byte{0x00, 0x00, 0x80, 0x3F, 0x00, 0x00}
	if got := decodeFrames(data, 2); len(got) != 1 {
		t.Errorf("decodeFrames() returned %d samples, want 1", len(got))
	}
}

func TestOnDataCapsBuffer(t *testing.T) {
	c := &Capture{channels: 1, maxSamples: 2, recording: true}
	frame := []byte{0x00, 0x00, 0x80, 0x3F}
	data := append(append(append([]byte{}, frame...), frame...), frame...)

	c.onData(nil, data, 3)
	c.onData(nil, data, 3)
	if got := c.End(); len(got) != 2 {
		t.Errorf("buffered %d samples, want 2", len(got))
	}
}
