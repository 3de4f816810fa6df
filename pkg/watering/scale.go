// Package watering arbitrates the shared watering hardware: a registry of scales, a
// bounded queue of pending requests and the stepper/servo/pump sequence that services them.
package watering

import (
	"time"

	"github.com/itohio/goplant/pkg/mathx"
)

// MaxScales is the capacity of the scale registry.
const MaxScales = 16

// Dose is a pump intensity (percent, 0..100) held for a duration.
type Dose struct {
	Intensity uint8         `json:"intensity" yaml:"intensity"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Duty converts the intensity into a 16-bit PWM duty cycle.
func (d Dose) Duty() uint16 {
	i := uint32(mathx.Clamp(d.Intensity, 0, 100))
	return uint16(65535 * i / 100)
}

// WateringData bounds the dose of one scale.
type WateringData struct {
	Min Dose `json:"min" yaml:"min"`
	Max Dose `json:"max" yaml:"max"`

	// LastIntensityIncrease is kept with the scale record but the dose is currently
	// computed at a fixed fraction (see DoseFraction).
	LastIntensityIncrease float32 `json:"last_intensity_increase" yaml:"last_intensity_increase"`
}

// Interpolate returns the dose at fraction t between Min and Max.
func (w WateringData) Interpolate(t float32) Dose {
	return Dose{
		Intensity: mathx.Interpolate(w.Min.Intensity, w.Max.Intensity, t),
		Duration:  mathx.Interpolate(w.Min.Duration, w.Max.Duration, t),
	}
}

// Scale is one watered plant: where the nozzle must go and how much to pour.
type Scale struct {
	ID       uint8        `json:"id" yaml:"id"`
	Stepper  int32        `json:"stepper" yaml:"stepper"`
	Servo    uint8        `json:"servo" yaml:"servo"`
	Watering WateringData `json:"watering" yaml:"watering"`
}
