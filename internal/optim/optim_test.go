package optim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"prostate-seg/internal/tensor"
)

func TestAdamWFirstStep(t *testing.T) {
	p := tensor.NewParam(2)
	p.Data[0], p.Data[1] = 1, -2
	p.Grad[0], p.Grad[1] = 0.5, -0.25

	opt := NewAdamW([]*tensor.Tensor{p}, 1e-3, 1e-2)
	opt.Step()

	// first bias-corrected step moves every weight by lr·sign(g) after decay
	want0 := 1*(1-1e-3*1e-2) - 1e-3
	want1 := -2*(1-1e-3*1e-2) + 1e-3
	assert.InDelta(t, want0, float64(p.Data[0]), 1e-6)
	assert.InDelta(t, want1, float64(p.Data[1]), 1e-6)
}

func TestAdamWZeroGrad(t *testing.T) {
	p := tensor.NewParam(3)
	p.Grad[1] = 4
	NewAdamW([]*tensor.Tensor{p}, 1e-3, 0).ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, p.Grad)
}

func TestAdamWMinimizesQuadratic(t *testing.T) {
	p := tensor.NewParam(1)
	p.Data[0] = 3
	opt := NewAdamW([]*tensor.Tensor{p}, 0.1, 0)
	for i := 0; i < 300; i++ {
		opt.ZeroGrad()
		p.Grad[0] = 2 * p.Data[0]
		opt.Step()
	}
	assert.Less(t, math.Abs(float64(p.Data[0])), 0.5)
}

func TestStepLRDecaysEveryStepSize(t *testing.T) {
	opt := NewAdamW(nil, 1e-3, 1e-2)
	sched := NewStepLR(opt, 10, 0.1)
	for epoch := 0; epoch < 25; epoch++ {
		var want float64
		switch {
		case epoch < 10:
			want = 1e-3
		case epoch < 20:
			want = 1e-4
		default:
			want = 1e-5
		}
		assert.InDelta(t, want, opt.LR(), 1e-12, "epoch %d", epoch)
		sched.Step()
	}
	assert.Equal(t, 25, sched.Epoch())
}
