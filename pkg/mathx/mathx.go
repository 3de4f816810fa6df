// Package mathx holds small generic numeric helpers shared by the watering
// dose computation and the rig simulation.
package mathx

import "golang.org/x/exp/constraints"

// Number is any integer or floating point type.
type Number interface {
	constraints.Integer | constraints.Float
}

// Clamp limits v to [lo, hi]. If lo > hi, the bounds are swapped.
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if hi < lo {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Interpolate returns the value at fraction t between start and end.
// t is clamped to [0, 1], so the result never leaves [min(start,end), max(start,end)].
// Works for unsigned types where end < start.
func Interpolate[T Number](start, end T, t float32) T {
	if t <= 0 {
		return start
	}
	if t >= 1 {
		return end
	}
	if start <= end {
		return start + T(t*float32(end-start))
	}
	return start - T(t*float32(start-end))
}

// AbsDiff returns |a - b| without overflowing unsigned types.
func AbsDiff[T constraints.Integer](a, b T) T {
	if a > b {
		return a - b
	}
	return b - a
}
