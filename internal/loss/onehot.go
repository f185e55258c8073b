package loss

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidLabel reports a mask voxel that is not an integral class index
// in [0, numClasses).
var ErrInvalidLabel = errors.New("loss: invalid label")

// ClassIndices coerces raw mask voxels to integer class indices. Values must
// already be integral; anything else is rejected rather than rounded.
func ClassIndices(mask []float32, numClasses int) ([]int, error) {
	out := make([]int, len(mask))
	for i, v := range mask {
		f := float64(v)
		if f != math.Trunc(f) || f < 0 || f >= float64(numClasses) {
			return nil, fmt.Errorf("%w: voxel %d has value %v (classes=%d)", ErrInvalidLabel, i, v, numClasses)
		}
		out[i] = int(f)
	}
	return out, nil
}

// OneHot expands class indices into a row-major [len(labels), numClasses]
// matrix.
func OneHot(labels []int, numClasses int) ([]float32, error) {
	out := make([]float32, len(labels)*numClasses)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, fmt.Errorf("%w: index %d has class %d (classes=%d)", ErrInvalidLabel, i, l, numClasses)
		}
		out[i*numClasses+l] = 1
	}
	return out, nil
}

// Argmax collapses a row-major [rows, numClasses] matrix back to class
// indices. Ties resolve to the lowest class.
func Argmax(rows []float32, numClasses int) []int {
	n := len(rows) / numClasses
	out := make([]int, n)
	for r := 0; r < n; r++ {
		row := rows[r*numClasses : (r+1)*numClasses]
		best := 0
		for c := 1; c < numClasses; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}
