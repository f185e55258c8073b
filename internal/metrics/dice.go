package metrics

import (
	"fmt"

	"prostate-seg/internal/loss"
)

// diceEpsilon keeps the ratio finite when a class is absent from both the
// prediction and the mask; such a class scores 0.
const diceEpsilon = 1e-5

// DiceAccumulator keeps a per-class running sum of Dice scores across
// validation batches.
type DiceAccumulator struct {
	numClasses int
	sums       []float64
	batches    int
}

// NewDiceAccumulator returns a zeroed accumulator with one slot per class.
func NewDiceAccumulator(numClasses int) *DiceAccumulator {
	return &DiceAccumulator{numClasses: numClasses, sums: make([]float64, numClasses)}
}

// Reset zeroes every slot.
func (a *DiceAccumulator) Reset() {
	for i := range a.sums {
		a.sums[i] = 0
	}
	a.batches = 0
}

// Add scores one batch. pred and mask are row-major [voxels, classes]
// one-hot matrices.
func (a *DiceAccumulator) Add(pred, mask []float32) error {
	if len(pred) != len(mask) || len(pred)%a.numClasses != 0 {
		return fmt.Errorf("metrics: prediction has %d values, mask %d, classes %d", len(pred), len(mask), a.numClasses)
	}
	for c := 0; c < a.numClasses; c++ {
		score, err := ClassDice(pred, mask, c, a.numClasses)
		if err != nil {
			return err
		}
		a.sums[c] += score
	}
	a.batches++
	return nil
}

// Batches returns how many batches were added since the last reset.
func (a *DiceAccumulator) Batches() int { return a.batches }

// Sums returns a copy of the raw per-class sums.
func (a *DiceAccumulator) Sums() []float64 {
	return append([]float64(nil), a.sums...)
}

// Reported returns 1 - sum/divisor for every class, the figure printed after
// validation. A perfect class therefore reads 0.
func (a *DiceAccumulator) Reported(divisor int) []float64 {
	out := make([]float64, a.numClasses)
	for c, s := range a.sums {
		mean := 0.0
		if divisor > 0 {
			mean = s / float64(divisor)
		}
		out[c] = 1 - mean
	}
	return out
}

// ClassDice binarizes column class of pred and mask into two-channel one-hot
// form and returns the Dice score of the foreground channel.
func ClassDice(pred, mask []float32, class, numClasses int) (float64, error) {
	p, err := binaryOneHot(pred, class, numClasses)
	if err != nil {
		return 0, err
	}
	m, err := binaryOneHot(mask, class, numClasses)
	if err != nil {
		return 0, err
	}
	var inter, sumP, sumM float64
	for r := 0; r < len(p)/2; r++ {
		fp, fm := float64(p[2*r+1]), float64(m[2*r+1])
		inter += fp * fm
		sumP += fp
		sumM += fm
	}
	return 2 * inter / (sumP + sumM + diceEpsilon), nil
}

func binaryOneHot(rows []float32, class, numClasses int) ([]float32, error) {
	n := len(rows) / numClasses
	bits := make([]int, n)
	for r := 0; r < n; r++ {
		if rows[r*numClasses+class] > 0.5 {
			bits[r] = 1
		}
	}
	return loss.OneHot(bits, 2)
}
