package calib

import (
	"errors"
	"fmt"
	"log"
	"time"
)

const (
	// DefaultTimeout bounds a single raw read.
	DefaultTimeout = 5 * time.Second
	// DefaultSamples is the averaged batch size used by the control cycle.
	DefaultSamples = 10
)

var (
	// ErrTimeout is returned by a Source when the amplifier did not become ready in time.
	ErrTimeout = errors.New("load cell read timed out")
	// ErrNoSamples is returned when an averaged read is requested with n == 0.
	ErrNoSamples = errors.New("sample count must be positive")
)

// Source reads raw, uncalibrated load-cell counts.
type Source interface {
	ReadRaw(timeout time.Duration) (int32, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(timeout time.Duration) (int32, error)

// ReadRaw calls f.
func (f SourceFunc) ReadRaw(timeout time.Duration) (int32, error) { return f(timeout) }

// Stats is the outcome of an averaged read.
type Stats struct {
	Mean  float32
	Stdev float32
	N     uint32 // Samples that actually made it into the aggregate
}

// ReadStats takes n raw samples from src and returns their mean and standard deviation.
// A failed individual read is skipped and the batch continues; the batch only fails when
// fewer than 2 samples were collected.
func ReadStats(src Source, n uint32, timeout time.Duration) (Stats, error) {
	if n == 0 {
		return Stats{}, ErrNoSamples
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var agg Aggregate
	var lastErr error
	for i := uint32(0); i < n; i++ {
		raw, err := src.ReadRaw(timeout)
		if err != nil {
			log.Printf("skipping raw sample %d/%d: %v", i+1, n, err)
			lastErr = err
			continue
		}
		agg.Add(float32(raw))
	}

	mean, stdev, err := agg.Finalize()
	if err != nil {
		if lastErr != nil {
			return Stats{N: agg.Count}, fmt.Errorf("%w (%d of %d samples): %w", err, agg.Count, n, lastErr)
		}
		return Stats{N: agg.Count}, err
	}

	return Stats{Mean: mean, Stdev: stdev, N: agg.Count}, nil
}
