// Package calib turns raw load-cell counts into weights: running statistics over
// sample batches and an offset/slope model with propagated uncertainty.
package calib

import (
	"errors"

	"github.com/chewxy/math32"
)

// ErrInsufficientSamples is returned when a variance is requested from fewer than 2 samples.
var ErrInsufficientSamples = errors.New("insufficient samples")

// Aggregate is a single-pass running mean/variance accumulator (Welford's algorithm).
// The zero value is an empty aggregate.
type Aggregate struct {
	Count uint32
	Mean  float32
	M2    float32 // Sum of squared deviations from the running mean
}

// Add accumulates one sample.
func (a *Aggregate) Add(sample float32) {
	a.Count++
	delta := sample - a.Mean
	a.Mean += delta / float32(a.Count)
	a.M2 += delta * (sample - a.Mean)
}

// Reset empties the aggregate so it can be reused for a new batch.
func (a *Aggregate) Reset() {
	*a = Aggregate{}
}

// Finalize returns the mean and the Bessel-corrected sample standard deviation.
func (a Aggregate) Finalize() (mean, stdev float32, err error) {
	if a.Count < 2 {
		return 0, 0, ErrInsufficientSamples
	}
	variance := a.M2 / float32(a.Count-1)
	if variance < 0 {
		// Rounding can leave M2 a hair below zero for constant input.
		variance = 0
	}
	return a.Mean, math32.Sqrt(variance), nil
}
