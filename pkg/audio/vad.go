package audio

import (
	"math"
	"sync"
)

// VAD implements voice activity detection using RMS energy analysis.
type VAD struct {
	mu        sync.RWMutex
	threshold float64 // RMS threshold for voice detection
	holdTime  int     // frames to keep transmitting after voice stops
	holdCount int
	active    bool
}

// NewVAD creates a voice activity detector.
// threshold: RMS energy threshold (typical: 200-1000 for int16 PCM)
// holdFrames: frames to stay active after voice stops (15 = 300ms at 20ms/frame)
func NewVAD(threshold float64, holdFrames int) *VAD {
	return &VAD{threshold: threshold, holdTime: holdFrames}
}

// Process analyzes a PCM frame and returns true if voice is detected.
func (v *VAD) Process(pcm []int16) bool {
	rms := computeRMS(pcm)

	v.mu.Lock()
	defer v.mu.Unlock()

	if rms > v.threshold {
		v.holdCount = v.holdTime
		v.active = true
		return true
	}

	if v.holdCount > 0 {
		v.holdCount--
		return true
	}

	v.active = false
	return false
}

// IsActive returns the current voice activity state without processing.
func (v *VAD) IsActive() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.active
}

// SetThreshold updates the VAD threshold.
func (v *VAD) SetThreshold(threshold float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.threshold = threshold
}

// GetRMS computes the RMS of a frame without updating state. Useful for VU
// meters.
func GetRMS(pcm []int16) float64 {
	return computeRMS(pcm)
}

func computeRMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
