package optim

import "math"

// StepLR decays the optimizer learning rate by gamma every stepSize epochs.
type StepLR struct {
	opt      *AdamW
	baseLR   float64
	stepSize int
	gamma    float64
	epoch    int
}

// NewStepLR binds a schedule to opt, taking its current rate as the base.
func NewStepLR(opt *AdamW, stepSize int, gamma float64) *StepLR {
	if stepSize < 1 {
		stepSize = 1
	}
	return &StepLR{opt: opt, baseLR: opt.LR(), stepSize: stepSize, gamma: gamma}
}

// Step advances one epoch and updates the learning rate.
func (s *StepLR) Step() {
	s.epoch++
	s.opt.SetLR(s.baseLR * math.Pow(s.gamma, float64(s.epoch/s.stepSize)))
}

// Epoch returns how many times Step has been called.
func (s *StepLR) Epoch() int { return s.epoch }
