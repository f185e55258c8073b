// Package optim provides the AdamW optimizer and the step learning-rate
// schedule used for training.
package optim

import (
	"math"

	"prostate-seg/internal/tensor"
)

// AdamW implements Adam with decoupled weight decay.
type AdamW struct {
	params      []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64

	step int
	m    [][]float64
	v    [][]float64
}

// NewAdamW returns an optimizer over params with betas (0.9, 0.999) and
// eps 1e-8.
func NewAdamW(params []*tensor.Tensor, lr, weightDecay float64) *AdamW {
	o := &AdamW{
		params:      params,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, p.Len())
		o.v[i] = make([]float64, p.Len())
	}
	return o
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.lr }

// SetLR replaces the learning rate for subsequent steps.
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

// ZeroGrad clears every parameter gradient.
func (o *AdamW) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// Step applies one update using the gradients currently stored on params.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	decay := 1 - o.lr*o.weightDecay
	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, g32 := range p.Grad {
			g := float64(g32)
			m[j] = o.beta1*m[j] + (1-o.beta1)*g
			v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
			w := float64(p.Data[j]) * decay
			w -= o.lr * (m[j] / bc1) / (math.Sqrt(v[j]/bc2) + o.eps)
			p.Data[j] = float32(w)
		}
	}
}
