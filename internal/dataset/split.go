package dataset

import "fmt"

// Split modes.
const (
	ModeTrain = "train"
	ModeValid = "valid"
	ModeDebug = "debug"
)

// SplitOptions controls how sorted pairs are partitioned.
type SplitOptions struct {
	ValidFraction float64
	DebugCount    int
}

// Split returns the subset of pairs for mode. The last ValidFraction of the
// sorted pairs (at least one) form the validation split, the rest the
// training split, and the debug split is the head of the training split.
func Split(pairs []Pair, mode string, opts SplitOptions) ([]Pair, error) {
	if len(pairs) < 2 {
		return nil, fmt.Errorf("dataset: need at least 2 pairs to split, have %d", len(pairs))
	}
	nValid := int(float64(len(pairs)) * opts.ValidFraction)
	if nValid < 1 {
		nValid = 1
	}
	if nValid >= len(pairs) {
		nValid = len(pairs) - 1
	}
	cut := len(pairs) - nValid
	switch mode {
	case ModeTrain:
		return pairs[:cut], nil
	case ModeValid:
		return pairs[cut:], nil
	case ModeDebug:
		n := opts.DebugCount
		if n <= 0 || n > cut {
			n = cut
		}
		return pairs[:n], nil
	default:
		return nil, fmt.Errorf("dataset: unknown split %q", mode)
	}
}
