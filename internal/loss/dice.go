// Package loss implements the Dice objective and the label encodings it
// consumes.
package loss

import (
	"fmt"

	"prostate-seg/internal/tensor"
)

const defaultSmooth = 1e-5

// Dice is the soft Dice loss over [voxels, classes] inputs.
//
// With no spatial axes left to reduce per channel, the sums run over every
// included element at once:
//
//	1 - (2·Σ x·y + SmoothNr) / (Σ x + Σ y + SmoothDr)
//
// Excluding background drops column 0 before summing. The input is used as
// given; no activation is applied.
type Dice struct {
	IncludeBackground bool
	SmoothNr          float64
	SmoothDr          float64
}

// NewDice returns a Dice loss with the default smoothing terms.
func NewDice(includeBackground bool) Dice {
	return Dice{IncludeBackground: includeBackground, SmoothNr: defaultSmooth, SmoothDr: defaultSmooth}
}

// Forward returns the scalar loss for pred [M,C] against a one-hot target of
// the same size. The result participates in backpropagation through tp.
func (d Dice) Forward(tp *tensor.Tape, pred *tensor.Tensor, target []float32) (*tensor.Tensor, error) {
	if len(pred.Shape) != 2 {
		return nil, fmt.Errorf("loss: dice expects [voxels, classes], got %v", pred.Shape)
	}
	m, c := pred.Shape[0], pred.Shape[1]
	if len(target) != m*c {
		return nil, fmt.Errorf("loss: target has %d values, prediction %v", len(target), pred.Shape)
	}
	first := 0
	if !d.IncludeBackground {
		if c == 1 {
			return nil, fmt.Errorf("loss: single-channel prediction cannot exclude background")
		}
		first = 1
	}

	var inter, sumX, sumY float64
	for r := 0; r < m; r++ {
		row := pred.Data[r*c : (r+1)*c]
		tgt := target[r*c : (r+1)*c]
		for j := first; j < c; j++ {
			x, y := float64(row[j]), float64(tgt[j])
			inter += x * y
			sumX += x
			sumY += y
		}
	}

	den := sumX + sumY + d.SmoothDr
	num := 2*inter + d.SmoothNr
	out := tensor.New(1)
	out.Data[0] = float32(1 - num/den)

	tp.Record(out, func() {
		g := float64(out.Grad[0])
		coefY := -2 * g / den
		coefC := g * num / (den * den)
		for r := 0; r < m; r++ {
			grad := pred.Grad[r*c : (r+1)*c]
			tgt := target[r*c : (r+1)*c]
			for j := first; j < c; j++ {
				grad[j] += float32(coefY*float64(tgt[j]) + coefC)
			}
		}
	}, pred)
	return out, nil
}
