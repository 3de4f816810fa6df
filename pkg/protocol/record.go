package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is the exchanged shape of a protocol: a step count and the ordered steps,
// each with a numeric type tag and a type-specific body.
type Record struct {
	NSteps uint8        `json:"n_steps" yaml:"n_steps"`
	Steps  []StepRecord `json:"steps" yaml:"steps"`
}

// StepRecord is one step in a Record.
type StepRecord struct {
	Type Kind      `json:"type" yaml:"type"`
	Step *StepBody `json:"step,omitempty" yaml:"step,omitempty"`
}

// StepBody carries the fields of every step kind; only those of Type are set.
type StepBody struct {
	WaitMs *uint64 `json:"wait_ms,omitempty" yaml:"wait_ms,omitempty"`

	Weight          *float32 `json:"weight,omitempty" yaml:"weight,omitempty"`
	WeightTolerance *float32 `json:"weight_tol,omitempty" yaml:"weight_tol,omitempty"`

	LowerWeight *float32 `json:"weight_lo,omitempty" yaml:"weight_lo,omitempty"`
	UpperWeight *float32 `json:"weight_up,omitempty" yaml:"weight_up,omitempty"`
	Cycles      *uint8   `json:"n_cycles,omitempty" yaml:"n_cycles,omitempty"`
}

// ToRecord converts steps into their exchanged shape.
func ToRecord(steps []Step) Record {
	rec := Record{
		NSteps: uint8(len(steps)),
		Steps:  make([]StepRecord, 0, len(steps)),
	}

	for _, s := range steps {
		switch v := s.(type) {
		case *Wait:
			rec.Steps = append(rec.Steps, StepRecord{
				Type: KindWait,
				Step: &StepBody{WaitMs: ptr(uint64(v.Duration.Milliseconds()))},
			})
		case *HoldWeight:
			rec.Steps = append(rec.Steps, StepRecord{
				Type: KindHoldWeight,
				Step: &StepBody{
					Weight:          ptr(v.Target),
					WeightTolerance: ptr(v.Tolerance),
					WaitMs:          ptr(uint64(v.Hold.Milliseconds())),
				},
			})
		case *Oscillate:
			rec.Steps = append(rec.Steps, StepRecord{
				Type: KindOscillate,
				Step: &StepBody{
					LowerWeight: ptr(v.Lower),
					UpperWeight: ptr(v.Upper),
					Cycles:      ptr(v.Cycles),
				},
			})
		default:
			rec.Steps = append(rec.Steps, StepRecord{Type: KindNone})
		}
	}

	return rec
}

// FromRecord validates a record and builds its steps. Nothing is returned unless the
// whole record is valid.
func FromRecord(rec Record) ([]Step, error) {
	if int(rec.NSteps) != len(rec.Steps) {
		return nil, fmt.Errorf("n_steps is %d but %d steps were given", rec.NSteps, len(rec.Steps))
	}
	if len(rec.Steps) > MaxSteps {
		return nil, fmt.Errorf("%w: %d steps, max %d", ErrCapacity, len(rec.Steps), MaxSteps)
	}

	steps := make([]Step, 0, len(rec.Steps))
	for i, sr := range rec.Steps {
		s, err := stepFromRecord(sr)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

func stepFromRecord(sr StepRecord) (Step, error) {
	if sr.Type == KindNone {
		return None{}, nil
	}
	if sr.Step == nil {
		return nil, fmt.Errorf("%s step has no body", sr.Type)
	}
	b := sr.Step

	switch sr.Type {
	case KindWait:
		if b.WaitMs == nil {
			return nil, fmt.Errorf("wait step is missing wait_ms")
		}
		return NewWait(time.Duration(*b.WaitMs) * time.Millisecond), nil

	case KindHoldWeight:
		if b.Weight == nil || b.WeightTolerance == nil || b.WaitMs == nil {
			return nil, fmt.Errorf("hold_weight step needs weight, weight_tol and wait_ms")
		}
		return NewHoldWeight(*b.Weight, *b.WeightTolerance, time.Duration(*b.WaitMs)*time.Millisecond)

	case KindOscillate:
		if b.LowerWeight == nil || b.UpperWeight == nil || b.Cycles == nil {
			return nil, fmt.Errorf("oscillate_in_range step needs weight_lo, weight_up and n_cycles")
		}
		return NewOscillate(*b.LowerWeight, *b.UpperWeight, *b.Cycles)
	}

	return nil, fmt.Errorf("unknown step type %d", uint8(sr.Type))
}

// Record returns the protocol's steps in their exchanged shape.
func (p *Protocol) Record() Record {
	return ToRecord(p.Steps())
}

// LoadRecord replaces the protocol's steps with those of rec.
func (p *Protocol) LoadRecord(rec Record) error {
	steps, err := FromRecord(rec)
	if err != nil {
		return err
	}
	return p.Load(steps...)
}

// EncodeJSON serializes steps as a JSON record.
func EncodeJSON(steps []Step) ([]byte, error) {
	data, err := json.Marshal(ToRecord(steps))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protocol: %w", err)
	}
	return data, nil
}

// DecodeJSON parses a JSON record into steps.
func DecodeJSON(data []byte) ([]Step, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse protocol: %w", err)
	}
	return FromRecord(rec)
}

func ptr[T any](v T) *T {
	return &v
}
