package embedding

import (
	"errors"
	"fmt"
)

// ErrInvalidCount is returned when the post-mutation coupon count cannot
// be what the operation requires (an add that left the count at zero, an
// edit of an empty list).
var ErrInvalidCount = errors.New("embedding: invalid coupon count")

// NextOnAdd recomputes the running average after one coupon was added.
// countAfter is the coupon count after the add has been applied, so the
// previous average covered countAfter-1 texts:
//
//	newAvg = ((prev * (n-1)) + e) / n
//
// The operation order (scale, add, then divide) is kept stable so the
// floating-point drift is the same everywhere this formula runs.
func NextOnAdd(prev Vector, countAfter int, e Vector) (Vector, error) {
	if countAfter < 1 {
		return nil, fmt.Errorf("%w: add with count %d", ErrInvalidCount, countAfter)
	}
	n := float64(countAfter)
	summed, err := Add(prev.Scale(n-1), e)
	if err != nil {
		return nil, err
	}
	return summed.Scale(1 / n), nil
}

// NextOnEdit recomputes the running average after one coupon's text was
// replaced. count is unchanged by an edit:
//
//	newAvg = ((prev * n) + eNew - eOld) / n
//
// eOld must be the embedding of the pre-edit text and eNew the embedding
// of the post-edit text.
func NextOnEdit(prev Vector, count int, eNew, eOld Vector) (Vector, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: edit with count %d", ErrInvalidCount, count)
	}
	n := float64(count)
	summed, err := Add(prev.Scale(n), eNew)
	if err != nil {
		return nil, err
	}
	summed, err = Sub(summed, eOld)
	if err != nil {
		return nil, err
	}
	return summed.Scale(1 / n), nil
}

// Removal intentionally has no counterpart here: deleting a coupon does
// not fold its embedding back out of the average. The stored average goes
// stale on delete and that staleness is accepted, matching the behavior
// the recommendation pipeline was tuned against.
