package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHoldWeight_Sequence(t *testing.T) {
	p, err := New(MustHoldWeight(100, 5, 1000*time.Millisecond), NewWait(time.Second))
	require.NoError(t, err)

	// Under target: start reaching by watering.
	assert.True(t, p.Tick(80, 0))
	assert.Equal(t, HoldReachingByWatering, p.Current().(*HoldWeight).Stage())

	assert.True(t, p.Tick(80, 100))
	assert.True(t, p.Tick(90, 200))

	// Target reached: hold timer starts.
	assert.False(t, p.Tick(100, 300))
	assert.Equal(t, HoldHoldingAndDrying, p.Current().(*HoldWeight).Stage())

	assert.False(t, p.Tick(100, 800))
	assert.Equal(t, 0, p.CurrentIndex())

	// Hold elapsed.
	assert.False(t, p.Tick(100, 1300))
	assert.Equal(t, 1, p.CurrentIndex())
}

func TestHoldWeight_HoldingSubStages(t *testing.T) {
	p, err := New(MustHoldWeight(100, 5, 10*time.Second))
	require.NoError(t, err)

	assert.False(t, p.Tick(120, 0)) // too heavy, reach by drying
	assert.Equal(t, HoldReachingByDrying, p.Current().(*HoldWeight).Stage())
	assert.False(t, p.Tick(101, 100))
	assert.False(t, p.Tick(100, 200)) // reached, holding and drying
	assert.Equal(t, HoldHoldingAndDrying, p.Current().(*HoldWeight).Stage())

	assert.False(t, p.Tick(96, 300)) // within tolerance
	assert.True(t, p.Tick(94, 400))  // below target - tolerance
	assert.Equal(t, HoldHoldingAndWatering, p.Current().(*HoldWeight).Stage())
	assert.True(t, p.Tick(98, 500))
	assert.False(t, p.Tick(100, 600)) // back to drying
	assert.Equal(t, HoldHoldingAndDrying, p.Current().(*HoldWeight).Stage())

	// Completes and wraps to itself with reset state.
	assert.False(t, p.Tick(50, 10200))
	assert.Equal(t, 0, p.CurrentIndex())
	assert.Equal(t, HoldFirst, p.Current().(*HoldWeight).Stage())
}

func TestHoldWeight_ZeroHoldCompletesImmediately(t *testing.T) {
	p, err := New(MustHoldWeight(10, 1, 0), None{})
	require.NoError(t, err)

	assert.False(t, p.Tick(20, 0))
	assert.False(t, p.Tick(10, 1)) // reached, holding
	assert.False(t, p.Tick(10, 2)) // hold of zero: done
	assert.Equal(t, 1, p.CurrentIndex())
}

func TestOscillate_CountsExactlyNCycles(t *testing.T) {
	p, err := New(MustOscillate(50, 100, 2), NewWait(time.Second))
	require.NoError(t, err)

	assert.True(t, p.Tick(80, 0))
	assert.True(t, p.Tick(80, 1))
	assert.True(t, p.Tick(95, 2))

	// Upper bound: cycle 1.
	assert.False(t, p.Tick(100, 3))
	o := p.Current().(*Oscillate)
	assert.Equal(t, uint8(1), o.Cycle())
	assert.Equal(t, OscillateDryingToWeight, o.Stage())

	assert.False(t, p.Tick(80, 4))
	assert.False(t, p.Tick(51, 5))
	assert.Equal(t, 0, p.CurrentIndex())

	// Lower bound: cycle 2 == n_cycles, step resets and protocol advances.
	assert.False(t, p.Tick(50, 6))
	assert.Equal(t, 1, p.CurrentIndex())

	steps := p.Steps()
	assert.Equal(t, KindOscillate, steps[0].Kind())
}

func TestOscillate_MoreCyclesWatersOnLowerBound(t *testing.T) {
	p, err := New(MustOscillate(50, 100, 3))
	require.NoError(t, err)

	assert.True(t, p.Tick(60, 0))
	assert.False(t, p.Tick(100, 1)) // cycle 1
	assert.True(t, p.Tick(50, 2))   // cycle 2, watering on the transition tick
	assert.Equal(t, OscillateWateringToWeight, p.Current().(*Oscillate).Stage())
	assert.True(t, p.Tick(70, 3))
	assert.False(t, p.Tick(100, 4)) // cycle 3: done, wraps to itself
	o := p.Current().(*Oscillate)
	assert.Equal(t, OscillateFirst, o.Stage())
	assert.Equal(t, uint8(0), o.Cycle())
}

func TestOscillate_StartsAboveUpper(t *testing.T) {
	p, err := New(MustOscillate(50, 100, 1))
	require.NoError(t, err)

	assert.False(t, p.Tick(150, 0))
	assert.Equal(t, OscillateReachingByDrying, p.Current().(*Oscillate).Stage())
	assert.False(t, p.Tick(100, 1))
	assert.Equal(t, OscillateDryingToWeight, p.Current().(*Oscillate).Stage())
	assert.False(t, p.Tick(50, 2)) // cycle 1 of 1
	assert.Equal(t, OscillateFirst, p.Current().(*Oscillate).Stage())
}

func TestOscillate_BelowLowerReachesFirst(t *testing.T) {
	p, err := New(MustOscillate(50, 100, 1))
	require.NoError(t, err)

	assert.True(t, p.Tick(10, 0))
	assert.True(t, p.Tick(30, 1))
	assert.Equal(t, OscillateReachingByWatering, p.Current().(*Oscillate).Stage())
	assert.True(t, p.Tick(60, 2))
	assert.Equal(t, OscillateWateringToWeight, p.Current().(*Oscillate).Stage())
}

func TestWait_CyclesIndefinitely(t *testing.T) {
	p, err := New(NewWait(2000 * time.Millisecond))
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		base := uint64(round) * 10_000
		assert.False(t, p.Tick(0, base))
		assert.False(t, p.Tick(0, base+1999))
		assert.Equal(t, 0, p.CurrentIndex())
		assert.False(t, p.Tick(0, base+2000))
		assert.Equal(t, 0, p.CurrentIndex())
	}
}

func TestWait_ClockWrap(t *testing.T) {
	p, err := New(NewWait(100*time.Millisecond), None{})
	require.NoError(t, err)

	start := ^uint64(0) - 50
	assert.False(t, p.Tick(0, start))
	assert.False(t, p.Tick(0, start+60)) // wrapped past zero, 60ms elapsed
	assert.Equal(t, 0, p.CurrentIndex())
	assert.False(t, p.Tick(0, start+100))
	assert.Equal(t, 1, p.CurrentIndex())
}

func TestNone_AdvancesWithoutWatering(t *testing.T) {
	p, err := New(None{}, None{}, NewWait(time.Second))
	require.NoError(t, err)

	assert.False(t, p.Tick(0, 0))
	assert.Equal(t, 1, p.CurrentIndex())
	assert.False(t, p.Tick(0, 0))
	assert.Equal(t, 2, p.CurrentIndex())
}

func TestProtocol_Empty(t *testing.T) {
	var p Protocol
	assert.False(t, p.Tick(10, 0))
	assert.Equal(t, 0, p.CurrentIndex())
	assert.Nil(t, p.Current())
}

func TestProtocol_LoadReplacesAndRewinds(t *testing.T) {
	p, err := New(None{}, NewWait(time.Second))
	require.NoError(t, err)
	p.Tick(0, 0)
	require.Equal(t, 1, p.CurrentIndex())

	require.NoError(t, p.Load(MustHoldWeight(10, 1, time.Second)))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, 0, p.CurrentIndex())
	assert.Equal(t, KindHoldWeight, p.Current().Kind())
}

func TestProtocol_LoadOverCapacity(t *testing.T) {
	p, err := New(NewWait(time.Second), None{})
	require.NoError(t, err)
	p.Tick(0, 0)

	steps := make([]Step, MaxSteps+1)
	for i := range steps {
		steps[i] = None{}
	}

	assert.ErrorIs(t, p.Load(steps...), ErrCapacity)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, KindWait, p.Steps()[0].Kind())
}

func TestProtocol_Append(t *testing.T) {
	var p Protocol
	for i := 0; i < MaxSteps; i++ {
		require.NoError(t, p.Append(None{}))
	}
	assert.ErrorIs(t, p.Append(None{}), ErrCapacity)
	assert.Equal(t, MaxSteps, p.Len())

	p.Clear()
	assert.Equal(t, 0, p.Len())
}

func TestProtocol_LoadDoesNotAliasCaller(t *testing.T) {
	w := NewWait(time.Second)
	p, err := New(w)
	require.NoError(t, err)

	p.Tick(0, 0)
	w.Duration = time.Hour

	assert.Equal(t, time.Second, p.Steps()[0].(*Wait).Duration)
}

func TestInvalidSteps(t *testing.T) {
	_, err := NewHoldWeight(-1, 0, time.Second)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewOscillate(-1, 10, 1)
	assert.ErrorIs(t, err, ErrInvalidStep)

	_, err = NewOscillate(20, 10, 1)
	assert.ErrorIs(t, err, ErrInvalidStep)

	assert.Panics(t, func() { MustHoldWeight(-5, 0, 0) })
	assert.Panics(t, func() { MustOscillate(10, 5, 1) })

	var p Protocol
	assert.ErrorIs(t, p.Load(&HoldWeight{Target: -3}), ErrInvalidStep)
	assert.ErrorIs(t, p.Append(nil), ErrInvalidStep)
}
