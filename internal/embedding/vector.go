// Package embedding holds the vector arithmetic and the incremental
// running-average maintenance used to keep a user's preference vector
// in step with their stored coupons.
package embedding

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when two vectors of different lengths
// meet in one computation. Reaching it indicates a wiring bug, not bad
// user input.
var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

// Vector is a fixed-length embedding. Dimensionality is fixed per user at
// registration time and every vector touching that user must match it.
type Vector []float64

// Zero returns the all-zeroes vector of the given dimension. New users
// start with this rather than a nil vector.
func Zero(dim int) Vector {
	return make(Vector, dim)
}

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

// Scale returns v with every component multiplied by k.
func (v Vector) Scale(k float64) Vector {
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = x * k
	}
	return out
}

// Add returns the componentwise sum a+b.
func Add(a, b Vector) (Vector, error) {
	return Zip(a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns the componentwise difference a-b.
func Sub(a, b Vector) (Vector, error) {
	return Zip(a, b, func(x, y float64) float64 { return x - y })
}

// Zip combines a and b componentwise with fn.
func Zip(a, b Vector, fn func(x, y float64) float64) (Vector, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	out := make(Vector, len(a))
	for i := range a {
		out[i] = fn(a[i], b[i])
	}
	return out, nil
}
