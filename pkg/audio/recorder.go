package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// FrameSink receives encoded voice frames. Satisfied by the realtime
// supervisor's SendVoiceFrame.
type FrameSink interface {
	SendVoiceFrame(sessionID string, audio []byte)
}

// Recorder pumps microphone audio into a voice session: read a frame, skip
// silence, encode, hand to the sink. One recorder drives one session at a
// time.
type Recorder struct {
	capture Capturer
	enc     FrameEncoder
	vad     *VAD
	sink    FrameSink

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. A nil vad disables silence skipping.
func NewRecorder(capture Capturer, enc FrameEncoder, vad *VAD, sink FrameSink) *Recorder {
	return &Recorder{capture: capture, enc: enc, vad: vad, sink: sink}
}

// Start begins streaming frames for sessionID. Returns an error if the
// recorder is already running or the capture device fails to start.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return fmt.Errorf("audio: recorder already running")
	}
	if err := r.capture.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.loop(ctx, sessionID)
	return nil
}

// Stop ends the stream and releases the capture device. Safe to call when
// not running.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	_ = r.capture.Close()
	r.wg.Wait()
}

func (r *Recorder) loop(ctx context.Context, sessionID string) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pcm, err := r.capture.ReadFrame()
		if err != nil {
			slog.Debug("capture read error, stopping recorder", "err", err)
			return
		}

		if r.vad != nil && !r.vad.Process(pcm) {
			continue
		}

		frame, err := r.enc.Encode(pcm)
		if err != nil {
			slog.Debug("encode error", "err", err)
			continue
		}

		r.sink.SendVoiceFrame(sessionID, frame)
	}
}
