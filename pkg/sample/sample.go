// Package sample keeps a time-windowed history of weight readings per scale.
package sample

import (
	"sync"
	"time"
)

// Sample is one calibrated weight reading.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Weight    float32   `json:"weight"`     // Grams
	WeightErr float32   `json:"weight_err"` // Propagated uncertainty, grams
	Raw       float32   `json:"raw"`        // Mean raw load cell counts
	Water     bool      `json:"water"`      // Protocol asked for watering
}

// History is a FIFO of samples trimmed by age, not count. Samples are ordered
// oldest first. History is safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	window  time.Duration
	samples []Sample
}

// NewHistory returns a history keeping samples no older than window relative to the
// newest one. A zero window keeps everything.
func NewHistory(window time.Duration) *History {
	return &History{window: window}
}

// Add appends s and drops samples outside the window.
func (h *History) Add(s Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.samples = append(h.samples, s)
	if h.window <= 0 {
		return
	}

	cutoff := s.Timestamp.Add(-h.window)
	cutoffIndex := 0
	for i, old := range h.samples {
		if old.Timestamp.After(cutoff) {
			cutoffIndex = i
			break
		}
	}
	if cutoffIndex > 0 {
		h.samples = append(h.samples[:0], h.samples[cutoffIndex:]...)
	}
}

// Len returns the number of samples held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}

// Last returns the newest sample.
func (h *History) Last() (Sample, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.samples) == 0 {
		return Sample{}, false
	}
	return h.samples[len(h.samples)-1], true
}

// Samples returns a copy of the history, decimated to at most maxPoints.
// maxPoints <= 0 returns everything.
func (h *History) Samples(maxPoints int) []Sample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if maxPoints <= 0 {
		maxPoints = len(h.samples)
	}
	return Downsample(nil, h.samples, maxPoints)
}
