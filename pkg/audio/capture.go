// Package audio provides microphone capture, frame encoding, and voice
// activity detection for feeding voice sessions.
package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const (
	// SampleRate is the capture sample rate in Hz.
	SampleRate = 48000
	// FrameSize is samples per frame (20ms at 48kHz, mono).
	FrameSize = 960
)

// Capturer produces PCM frames. Satisfied by CaptureDevice; tests use
// fakes so no hardware is required.
type Capturer interface {
	Start() error
	ReadFrame() ([]int16, error)
	Close() error
}

// CaptureDevice captures mono PCM audio from the default input device.
type CaptureDevice struct {
	stream  *portaudio.Stream
	buffer  []int16
	mu      sync.Mutex
	running bool
}

// NewCaptureDevice creates an audio capture device. PortAudio is
// initialized on Start.
func NewCaptureDevice() *CaptureDevice {
	return &CaptureDevice{buffer: make([]int16, FrameSize)}
}

// Start begins audio capture. Call ReadFrame to get captured audio.
func (c *CaptureDevice) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audio: init portaudio: %w", err)
	}

	input, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("audio: no input device: %w", err)
	}

	params := portaudio.LowLatencyParameters(input, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = SampleRate
	params.FramesPerBuffer = FrameSize

	stream, err := portaudio.OpenStream(params, c.buffer)
	if err != nil {
		return fmt.Errorf("audio: open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("audio: start capture: %w", err)
	}

	c.stream = stream
	c.running = true
	slog.Debug("audio capture started", "device", input.Name, "rate", SampleRate)
	return nil
}

// ReadFrame reads one frame of PCM audio. Blocks until a frame is
// available. Returns a copy of the frame buffer.
func (c *CaptureDevice) ReadFrame() ([]int16, error) {
	if err := c.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: read frame: %w", err)
	}
	frame := make([]int16, len(c.buffer))
	copy(frame, c.buffer)
	return frame, nil
}

// Close stops capture and releases PortAudio.
func (c *CaptureDevice) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	if c.stream != nil {
		_ = c.stream.Stop()
		_ = c.stream.Close()
	}
	return portaudio.Terminate()
}
