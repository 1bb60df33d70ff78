package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"

	"github.com/NicolasHaas/gotrade/pkg/model"
)

const (
	opusChannels = 1
	opusBitrate  = 64000 // 64 kbps - good quality for voice
)

// FrameEncoder turns a PCM frame into the bytes sent in a voice frame.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
	Format() string
}

// NewFrameEncoder returns an encoder for one of the supported voice
// formats ("pcm16" or "opus").
func NewFrameEncoder(format string) (FrameEncoder, error) {
	switch format {
	case model.VoiceFormatPCM16, "":
		return PCM16Encoder{}, nil
	case model.VoiceFormatOpus:
		return NewOpusEncoder()
	default:
		return nil, fmt.Errorf("audio: unsupported voice format %q", format)
	}
}

// PCM16Encoder passes frames through as little-endian 16-bit PCM, the
// backend's default input format.
type PCM16Encoder struct{}

func (PCM16Encoder) Encode(pcm []int16) ([]byte, error) {
	out := make([]byte, 2*len(pcm))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s)) //nolint:gosec // bit reinterpretation
	}
	return out, nil
}

func (PCM16Encoder) Format() string { return model.VoiceFormatPCM16 }

// OpusEncoder compresses frames with Opus, for bandwidth-constrained
// links when the session requests the opus input format.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte // reusable output buffer
}

// NewOpusEncoder creates an Opus encoder optimized for voice.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(SampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}

	_ = enc.SetBitrate(opusBitrate)
	_ = enc.SetInBandFEC(true)
	_ = enc.SetDTX(true) // saves bandwidth on silence

	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, 1024), // max Opus frame size
	}, nil
}

// Encode encodes a PCM frame to Opus. Returns the encoded bytes.
func (e *OpusEncoder) Encode(pcm []int16) ([]byte, error) {
	n, err := e.enc.Encode(pcm, e.buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	out := make([]byte, n)
	copy(out, e.buf[:n])
	return out, nil
}

func (e *OpusEncoder) Format() string { return model.VoiceFormatOpus }
