package protocol

import (
	"errors"
	"fmt"
	"sync"
)

// MaxSteps is the fixed capacity of a protocol.
const MaxSteps = 32

// ErrCapacity is returned when a load or append would exceed MaxSteps.
var ErrCapacity = errors.New("protocol step capacity exceeded")

// Protocol is an ordered, cyclic sequence of steps with a cursor. Once it holds at
// least one step it runs forever: the cursor wraps to the first step after the last
// one completes. Protocol is safe for concurrent use.
type Protocol struct {
	mu    sync.Mutex
	steps [MaxSteps]Step
	n     int
	cur   int
}

// New returns a protocol loaded with steps.
func New(steps ...Step) (*Protocol, error) {
	p := &Protocol{}
	if err := p.Load(steps...); err != nil {
		return nil, err
	}
	return p, nil
}

// Load replaces all steps and rewinds the cursor. Loads beyond MaxSteps are rejected
// and leave the protocol untouched.
func (p *Protocol) Load(steps ...Step) error {
	if len(steps) > MaxSteps {
		return fmt.Errorf("%w: %d steps, max %d", ErrCapacity, len(steps), MaxSteps)
	}
	for i, s := range steps {
		if err := Validate(s); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.steps {
		p.steps[i] = nil
	}
	for i, s := range steps {
		p.steps[i] = s.clone()
	}
	p.n = len(steps)
	p.cur = 0
	return nil
}

// Append adds a step at the end.
func (p *Protocol) Append(s Step) error {
	if err := Validate(s); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n >= MaxSteps {
		return ErrCapacity
	}
	p.steps[p.n] = s.clone()
	p.n++
	return nil
}

// Clear removes all steps.
func (p *Protocol) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.steps {
		p.steps[i] = nil
	}
	p.n = 0
	p.cur = 0
}

// Len returns the number of steps.
func (p *Protocol) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

// CurrentIndex returns the cursor.
func (p *Protocol) CurrentIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Current returns a copy of the active step including its transient state,
// or nil for an empty protocol.
func (p *Protocol) Current() Step {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		return nil
	}
	return snapshot(p.steps[p.cur])
}

// Steps returns copies of the configured steps without transient state.
func (p *Protocol) Steps() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Step, p.n)
	for i := 0; i < p.n; i++ {
		out[i] = p.steps[i].clone()
	}
	return out
}

// Tick evaluates the active step with the latest weight and the current time in
// milliseconds and reports whether the caller should water this cycle. It never blocks
// on anything but the protocol's own mutex.
func (p *Protocol) Tick(weight float32, nowMs uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.n == 0 {
		return false
	}

	water, done := p.steps[p.cur].tick(weight, nowMs)
	if done {
		p.next()
	}
	return water
}

func (p *Protocol) next() {
	if p.cur >= p.n-1 {
		p.cur = 0
		return
	}
	p.cur++
}

// snapshot copies a step together with its transient state.
func snapshot(s Step) Step {
	switch v := s.(type) {
	case *Wait:
		c := *v
		return &c
	case *HoldWeight:
		c := *v
		return &c
	case *Oscillate:
		c := *v
		return &c
	default:
		return s
	}
}
