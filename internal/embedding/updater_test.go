package embedding

import (
	"errors"
	"math/rand"
	"testing"
)

const eps = 1e-9

func TestNextOnAddFirstCoupon(t *testing.T) {
	// A zero prior average with n=1 must yield exactly the new embedding.
	prev := Zero(3)
	e := Vector{1, 0, 0}

	got, err := NextOnAdd(prev, 1, e)
	if err != nil {
		t.Fatalf("NextOnAdd failed: %v", err)
	}
	if !vecEq(got, e, 0) {
		t.Fatalf("first add = %v, want %v exactly", got, e)
	}
}

func TestNextOnAddSecondCoupon(t *testing.T) {
	prev := Vector{1, 0, 0} // average at count=1
	e := Vector{0, 1, 0}

	got, err := NextOnAdd(prev, 2, e)
	if err != nil {
		t.Fatalf("NextOnAdd failed: %v", err)
	}
	if want := (Vector{0.5, 0.5, 0}); !vecEq(got, want, eps) {
		t.Fatalf("second add = %v, want %v", got, want)
	}
}

func TestNextOnEditReplacesContribution(t *testing.T) {
	// count=2, average of [1,0,0] and [0,1,0]; replace the first with [0,0,1].
	prev := Vector{0.5, 0.5, 0}

	got, err := NextOnEdit(prev, 2, Vector{0, 0, 1}, Vector{1, 0, 0})
	if err != nil {
		t.Fatalf("NextOnEdit failed: %v", err)
	}
	if want := (Vector{0, 0.5, 0.5}); !vecEq(got, want, eps) {
		t.Fatalf("edit = %v, want %v", got, want)
	}
}

func TestEditRoundTripRestoresAverage(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	prev := randomVector(rng, 16)
	oldE := randomVector(rng, 16)
	newE := randomVector(rng, 16)

	forward, err := NextOnEdit(prev, 5, newE, oldE)
	if err != nil {
		t.Fatalf("forward edit failed: %v", err)
	}
	back, err := NextOnEdit(forward, 5, oldE, newE)
	if err != nil {
		t.Fatalf("reverse edit failed: %v", err)
	}
	if !vecEq(back, prev, eps) {
		t.Fatalf("round trip drifted: got %v, want %v", back, prev)
	}
}

func TestRunningAverageMatchesTrueMean(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const dim = 8

	avg := Zero(dim)
	sum := Zero(dim)
	for n := 1; n <= 200; n++ {
		e := randomVector(rng, dim)

		var err error
		avg, err = NextOnAdd(avg, n, e)
		if err != nil {
			t.Fatalf("add %d failed: %v", n, err)
		}

		sum, _ = Add(sum, e)
		trueMean := sum.Scale(1 / float64(n))
		if !vecEq(avg, trueMean, eps) {
			t.Fatalf("after %d adds running average diverged from true mean", n)
		}
	}
}

func TestInvalidCounts(t *testing.T) {
	if _, err := NextOnAdd(Zero(3), 0, Zero(3)); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("NextOnAdd count 0 error = %v, want ErrInvalidCount", err)
	}
	if _, err := NextOnEdit(Zero(3), 0, Zero(3), Zero(3)); !errors.Is(err, ErrInvalidCount) {
		t.Fatalf("NextOnEdit count 0 error = %v, want ErrInvalidCount", err)
	}
}

func TestMismatchedEmbeddingRejected(t *testing.T) {
	if _, err := NextOnAdd(Zero(3), 1, Zero(4)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("NextOnAdd mismatch error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := NextOnEdit(Zero(3), 1, Zero(3), Zero(4)); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("NextOnEdit mismatch error = %v, want ErrDimensionMismatch", err)
	}
}

func randomVector(rng *rand.Rand, dim int) Vector {
	v := make(Vector, dim)
	for i := range v {
		v[i] = rng.Float64()*2 - 1
	}
	return v
}
