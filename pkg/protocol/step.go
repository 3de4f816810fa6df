// Package protocol implements the per-scale watering protocol: a cyclic program of
// steps that turns the latest weight into a "water now" decision.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the numeric step type tag used in exchanged records.
type Kind uint8

const (
	KindNone Kind = iota
	KindWait
	KindHoldWeight
	KindOscillate
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindWait:
		return "wait"
	case KindHoldWeight:
		return "hold_weight"
	case KindOscillate:
		return "oscillate_in_range"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrInvalidStep marks a step whose parameters violate its invariants. It is a
// configuration error: a protocol holding such a step must not run.
var ErrInvalidStep = errors.New("invalid protocol step")

// Step is one policy in a protocol. The concrete types are None, *Wait, *HoldWeight
// and *Oscillate; each carries its own transient state.
type Step interface {
	Kind() Kind

	// tick evaluates the step. water reports whether to water this cycle, done reports
	// that the step completed and the protocol should advance.
	tick(weight float32, now uint64) (water, done bool)
	reset()
	clone() Step
}

// elapsed reports whether d has passed since start. Unsigned subtraction keeps it
// correct across clock wrap.
func elapsed(now, start uint64, d time.Duration) bool {
	return now-start >= uint64(d.Milliseconds())
}

// None is a placeholder step: it completes immediately and never waters.
type None struct{}

func (None) Kind() Kind { return KindNone }

func (None) tick(float32, uint64) (water, done bool) { return false, true }

func (None) reset() {}

func (None) clone() Step { return None{} }

// Wait does nothing for Duration, measured from the first tick after becoming active.
type Wait struct {
	Duration time.Duration

	start   uint64
	started bool
}

// NewWait returns a Wait step.
func NewWait(d time.Duration) *Wait {
	return &Wait{Duration: d}
}

func (w *Wait) Kind() Kind { return KindWait }

func (w *Wait) tick(_ float32, now uint64) (water, done bool) {
	if !w.started {
		w.started = true
		w.start = now
		return false, false
	}
	if elapsed(now, w.start, w.Duration) {
		w.started = false
		return false, true
	}
	return false, false
}

func (w *Wait) reset() { w.started = false }

func (w *Wait) clone() Step {
	return &Wait{Duration: w.Duration}
}

// HoldStage is the transient stage of a HoldWeight step.
type HoldStage uint8

const (
	HoldFirst HoldStage = iota
	HoldReachingByWatering
	HoldReachingByDrying
	HoldHoldingAndWatering
	HoldHoldingAndDrying
)

// HoldWeight brings the weight to Target and keeps it within Tolerance below Target for
// Hold, watering when too light and letting it evaporate when too heavy.
type HoldWeight struct {
	Target    float32
	Tolerance float32
	Hold      time.Duration

	stage HoldStage
	start uint64
}

// NewHoldWeight validates and returns a HoldWeight step.
func NewHoldWeight(target, tolerance float32, hold time.Duration) (*HoldWeight, error) {
	if target < 0 {
		return nil, fmt.Errorf("%w: target weight must not be negative (was %g)", ErrInvalidStep, target)
	}
	return &HoldWeight{Target: target, Tolerance: tolerance, Hold: hold}, nil
}

// MustHoldWeight is like NewHoldWeight but panics on invalid parameters.
func MustHoldWeight(target, tolerance float32, hold time.Duration) *HoldWeight {
	s, err := NewHoldWeight(target, tolerance, hold)
	if err != nil {
		panic(err)
	}
	return s
}

func (h *HoldWeight) Kind() Kind { return KindHoldWeight }

// Stage returns the current transient stage.
func (h *HoldWeight) Stage() HoldStage { return h.stage }

func (h *HoldWeight) tick(weight float32, now uint64) (water, done bool) {
	switch h.stage {
	case HoldFirst:
		if h.Target > weight {
			h.stage = HoldReachingByWatering
			return true, false
		}
		h.stage = HoldReachingByDrying
		return false, false

	case HoldReachingByWatering:
		if weight >= h.Target {
			h.stage = HoldHoldingAndDrying
			h.start = now
			return false, false
		}
		return true, false

	case HoldReachingByDrying:
		// Driven by evaporation only.
		if weight <= h.Target {
			h.stage = HoldHoldingAndDrying
			h.start = now
		}
		return false, false

	case HoldHoldingAndWatering:
		if h.holdOver(now) {
			h.reset()
			return false, true
		}
		if weight >= h.Target {
			h.stage = HoldHoldingAndDrying
			return false, false
		}
		return true, false

	case HoldHoldingAndDrying:
		if h.holdOver(now) {
			h.reset()
			return false, true
		}
		if weight < h.Target-h.Tolerance {
			h.stage = HoldHoldingAndWatering
			return true, false
		}
		return false, false
	}

	return false, false
}

func (h *HoldWeight) holdOver(now uint64) bool {
	return h.Hold == 0 || elapsed(now, h.start, h.Hold)
}

func (h *HoldWeight) reset() {
	h.stage = HoldFirst
}

func (h *HoldWeight) clone() Step {
	return &HoldWeight{Target: h.Target, Tolerance: h.Tolerance, Hold: h.Hold}
}

// OscillateStage is the transient stage of an Oscillate step.
type OscillateStage uint8

const (
	OscillateFirst OscillateStage = iota
	OscillateReachingByWatering
	OscillateReachingByDrying
	OscillateWateringToWeight
	OscillateDryingToWeight
)

// Oscillate first brings the weight up to Upper, then alternates between Upper and Lower.
// Each bound reached counts as one cycle; after Cycles the step completes.
type Oscillate struct {
	Lower  float32
	Upper  float32
	Cycles uint8

	stage OscillateStage
	cycle uint8
}

// NewOscillate validates and returns an Oscillate step.
func NewOscillate(lower, upper float32, cycles uint8) (*Oscillate, error) {
	if lower < 0 {
		return nil, fmt.Errorf("%w: lower weight must not be negative (was %g)", ErrInvalidStep, lower)
	}
	if upper < lower {
		return nil, fmt.Errorf("%w: upper weight (%g) is below lower weight (%g)", ErrInvalidStep, upper, lower)
	}
	return &Oscillate{Lower: lower, Upper: upper, Cycles: cycles}, nil
}

// MustOscillate is like NewOscillate but panics on invalid parameters.
func MustOscillate(lower, upper float32, cycles uint8) *Oscillate {
	s, err := NewOscillate(lower, upper, cycles)
	if err != nil {
		panic(err)
	}
	return s
}

func (o *Oscillate) Kind() Kind { return KindOscillate }

// Stage returns the current transient stage.
func (o *Oscillate) Stage() OscillateStage { return o.stage }

// Cycle returns the number of bounds reached so far.
func (o *Oscillate) Cycle() uint8 { return o.cycle }

func (o *Oscillate) tick(weight float32, now uint64) (water, done bool) {
	switch o.stage {
	case OscillateFirst:
		if o.Upper > weight {
			o.stage = OscillateReachingByWatering
			return true, false
		}
		o.stage = OscillateReachingByDrying
		return false, false

	case OscillateReachingByWatering:
		if weight < o.Lower {
			return true, false
		}
		// In range: keep watering up to the upper bound without a gap.
		o.stage = OscillateWateringToWeight
		return o.tick(weight, now)

	case OscillateReachingByDrying:
		if weight <= o.Upper {
			o.stage = OscillateDryingToWeight
		}
		return false, false

	case OscillateWateringToWeight:
		if weight < o.Upper {
			return true, false
		}
		o.stage = OscillateDryingToWeight
		if o.countCycle() {
			return false, true
		}
		return false, false

	case OscillateDryingToWeight:
		if weight > o.Lower {
			return false, false
		}
		o.stage = OscillateWateringToWeight
		if o.countCycle() {
			return false, true
		}
		return true, false
	}

	return false, false
}

// countCycle records a reached bound and resets the step once all cycles are done.
func (o *Oscillate) countCycle() bool {
	o.cycle++
	if o.cycle >= o.Cycles {
		o.reset()
		return true
	}
	return false
}

func (o *Oscillate) reset() {
	o.stage = OscillateFirst
	o.cycle = 0
}

func (o *Oscillate) clone() Step {
	return &Oscillate{Lower: o.Lower, Upper: o.Upper, Cycles: o.Cycles}
}

// Validate checks a step's invariants. Steps built with struct literals bypass the
// constructors, so protocols validate again on load.
func Validate(s Step) error {
	switch v := s.(type) {
	case nil:
		return fmt.Errorf("%w: step is nil", ErrInvalidStep)
	case *HoldWeight:
		_, err := NewHoldWeight(v.Target, v.Tolerance, v.Hold)
		return err
	case *Oscillate:
		_, err := NewOscillate(v.Lower, v.Upper, v.Cycles)
		return err
	}
	return nil
}
