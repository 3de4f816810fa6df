package calib

import (
	"errors"
	"fmt"
	"time"

	"github.com/chewxy/math32"
)

var (
	// ErrNotCalibrated is returned when a calibration stage that is required has not been run.
	ErrNotCalibrated = errors.New("not calibrated")
	// ErrDegenerate is returned when the raw mean of a slope batch is zero.
	ErrDegenerate = errors.New("raw mean is zero, slope is undefined")
)

// Calibration is the offset/slope linear model turning raw counts into a weight.
// Offset and slope carry their own uncertainty. SlopeSet implies OffsetSet.
type Calibration struct {
	Scale     uint8   `json:"scale" yaml:"scale"`
	Offset    float32 `json:"offset" yaml:"offset"`
	OffsetErr float32 `json:"offset_e" yaml:"offset_e"`
	Slope     float32 `json:"slope" yaml:"slope"`
	SlopeErr  float32 `json:"slope_e" yaml:"slope_e"`
	OffsetSet bool    `json:"set_offset" yaml:"set_offset"`
	SlopeSet  bool    `json:"set_slope" yaml:"set_slope"`
}

// Reading is a calibrated weight with its propagated uncertainty.
type Reading struct {
	Scale     uint8
	Weight    float32
	WeightErr float32
	Raw       Stats
}

// Populated reports whether both calibration stages have been run.
func (c Calibration) Populated() bool {
	return c.OffsetSet && c.SlopeSet
}

// CalibrateOffset takes n samples with the scale unloaded and stores their mean and
// standard deviation as the offset.
func (c *Calibration) CalibrateOffset(src Source, n uint32, timeout time.Duration) (Stats, error) {
	stats, err := ReadStats(src, n, timeout)
	if err != nil {
		return stats, fmt.Errorf("failed to calibrate offset: %w", err)
	}

	c.Offset = stats.Mean
	c.OffsetErr = stats.Stdev
	c.OffsetSet = true
	return stats, nil
}

// CalibrateSlope takes n samples with a known weight on the scale and derives the slope.
// The offset must already be set. On any failure the calibration is left unchanged.
func (c *Calibration) CalibrateSlope(src Source, n uint32, known, knownErr float32, timeout time.Duration) (Stats, error) {
	if !c.OffsetSet {
		return Stats{}, fmt.Errorf("failed to calibrate slope: offset: %w", ErrNotCalibrated)
	}

	stats, err := ReadStats(src, n, timeout)
	if err != nil {
		return stats, fmt.Errorf("failed to calibrate slope: %w", err)
	}

	slope, slopeErr, err := FitSlope(c.Offset, c.OffsetErr, known, knownErr, stats)
	if err != nil {
		return stats, fmt.Errorf("failed to calibrate slope: %w", err)
	}

	c.Slope = slope
	c.SlopeErr = slopeErr
	c.SlopeSet = true
	return stats, nil
}

// FitSlope computes slope = (known - offset) / mean and its first-order propagated
// uncertainty from the offset, the known weight and the raw batch spread.
func FitSlope(offset, offsetErr, known, knownErr float32, raw Stats) (slope, slopeErr float32, err error) {
	if raw.Mean == 0 {
		return 0, 0, ErrDegenerate
	}

	mean2 := raw.Mean * raw.Mean
	slope = (known - offset) / raw.Mean

	// ds/dknown = 1/m, ds/doffset = -1/m, ds/dm = -s/m
	variance := (offsetErr*offsetErr+knownErr*knownErr)/mean2 + sq(slope*raw.Stdev)/mean2
	return slope, math32.Sqrt(variance), nil
}

// Weight converts an averaged raw reading into a weight. The three error sources are
// treated as independent and combined in quadrature.
func (c Calibration) Weight(mean, stdev float32) (weight, weightErr float32, err error) {
	if !c.Populated() {
		return 0, 0, ErrNotCalibrated
	}

	weight = c.Slope*mean + c.Offset
	weightErr = math32.Sqrt(sq(c.OffsetErr) + sq(c.SlopeErr)*sq(mean) + sq(c.Slope)*sq(stdev))
	return weight, weightErr, nil
}

// ReadWeight performs an averaged read of n samples and converts it to a weight.
func (c Calibration) ReadWeight(src Source, n uint32, timeout time.Duration) (Reading, error) {
	if !c.Populated() {
		return Reading{Scale: c.Scale}, ErrNotCalibrated
	}

	stats, err := ReadStats(src, n, timeout)
	if err != nil {
		return Reading{Scale: c.Scale, Raw: stats}, err
	}

	w, werr, err := c.Weight(stats.Mean, stats.Stdev)
	if err != nil {
		return Reading{Scale: c.Scale, Raw: stats}, err
	}

	return Reading{Scale: c.Scale, Weight: w, WeightErr: werr, Raw: stats}, nil
}

func sq(x float32) float32 {
	return x * x
}
