package vad

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"
)

// Classification describes the content of one audio buffer
type Classification string

const (
	// Zero means every sample in the buffer was exactly zero, which usually
	// points at a misrouted or muted capture device rather than a quiet room
	Zero Classification = "zero"
	// Quiet means the buffer had signal below the activity threshold
	Quiet Classification = "quiet"
	// Active means the buffer's level reached the activity threshold
	Active Classification = "active"
)

const fullScale = 32768.0

// Processor measures the level of PCM-16 buffers and classifies them as
// zero-amplitude, quiet or active audio
type Processor struct {
	threshold float64 // normalized RMS in [0,1]
	smoothing float64 // smoothing factor for the running level

	lastLevel float64

	// Lifetime statistics
	totalBuffers  uint64
	zeroBuffers   uint64
	activeBuffers uint64
	peakLevel     float64
	lastProcessed time.Time

	// Statistics since the last call to Window
	window WindowStats

	mu sync.RWMutex
}

// Result represents the measurement of a single buffer
type Result struct {
	RMS            float64        `json:"rms"`      // normalized 0.0 - 1.0
	Peak           float64        `json:"peak"`     // normalized 0.0 - 1.0
	Smoothed       float64        `json:"smoothed"` // running level
	Classification Classification `json:"classification"`
	Samples        int            `json:"samples"`
	Timestamp      time.Time      `json:"timestamp"`
}

// WindowStats summarizes buffers seen during one reporting interval
type WindowStats struct {
	Buffers       uint64  `json:"buffers"`
	ZeroBuffers   uint64  `json:"zero_buffers"`
	ActiveBuffers uint64  `json:"active_buffers"`
	MaxRMS        float64 `json:"max_rms"`
}

// AllZero reports whether every buffer in the window was zero-amplitude
func (w WindowStats) AllZero() bool {
	return w.Buffers > 0 && w.ZeroBuffers == w.Buffers
}

// ProcessorStats represents lifetime processor statistics
type ProcessorStats struct {
	TotalBuffers     uint64    `json:"total_buffers"`
	ZeroBuffers      uint64    `json:"zero_buffers"`
	ActiveBuffers    uint64    `json:"active_buffers"`
	ActivePercentage float64   `json:"active_percentage"`
	PeakLevel        float64   `json:"peak_level"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float64   `json:"threshold"`
}

// NewProcessor creates a level processor. threshold is the normalized RMS
// at or above which a buffer counts as active audio.
func NewProcessor(threshold float64) (*Processor, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	return &Processor{
		threshold: threshold,
		smoothing: 0.1,
	}, nil
}

// Process measures a buffer of samples
func (p *Processor) Process(samples []int16) (Result, error) {
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("cannot process empty buffer")
	}

	rms, peak := measure(samples)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Apply smoothing
	smoothed := rms
	if p.totalBuffers > 0 {
		smoothed = p.smoothing*rms + (1-p.smoothing)*p.lastLevel
	}
	p.lastLevel = smoothed

	class := Quiet
	switch {
	case peak == 0:
		class = Zero
	case rms >= p.threshold:
		class = Active
	}

	// Update statistics
	p.totalBuffers++
	p.window.Buffers++
	switch class {
	case Zero:
		p.zeroBuffers++
		p.window.ZeroBuffers++
	case Active:
		p.activeBuffers++
		p.window.ActiveBuffers++
	}
	if peak > p.peakLevel {
		p.peakLevel = peak
	}
	if rms > p.window.MaxRMS {
		p.window.MaxRMS = rms
	}
	p.lastProcessed = time.Now()

	return Result{
		RMS:            rms,
		Peak:           peak,
		Smoothed:       smoothed,
		Classification: class,
		Samples:        len(samples),
		Timestamp:      p.lastProcessed,
	}, nil
}

// ProcessPCM16 measures a little-endian PCM-16 byte buffer. A trailing odd
// byte is ignored.
func (p *Processor) ProcessPCM16(data []byte) (Result, error) {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return p.Process(samples)
}

// measure returns normalized RMS and peak of samples
func measure(samples []int16) (float64, float64) {
	var energy float64
	var peak float64
	for _, sample := range samples {
		v := float64(sample)
		energy += v * v
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	rms := math.Sqrt(energy/float64(len(samples))) / fullScale
	if rms > 1 {
		rms = 1
	}
	return rms, math.Min(peak/fullScale, 1)
}

// Window returns statistics gathered since the previous call and starts a new window
func (p *Processor) Window() WindowStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	w := p.window
	p.window = WindowStats{}
	return w
}

// GetStats returns lifetime processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	activePercentage := float64(0)
	if p.totalBuffers > 0 {
		activePercentage = float64(p.activeBuffers) / float64(p.totalBuffers) * 100
	}

	return ProcessorStats{
		TotalBuffers:     p.totalBuffers,
		ZeroBuffers:      p.zeroBuffers,
		ActiveBuffers:    p.activeBuffers,
		ActivePercentage: activePercentage,
		PeakLevel:        p.peakLevel,
		LastProcessed:    p.lastProcessed,
		Threshold:        p.threshold,
	}
}
