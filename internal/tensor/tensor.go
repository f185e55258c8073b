// Package tensor implements the dense float32 arrays, gradient tape and
// volumetric kernels the segmentation model is built from.
//
// Tensors are laid out row-major with the last dimension fastest. Volumetric
// activations use [N, C, D, H, W].
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense float32 array with an optional gradient buffer.
type Tensor struct {
	Shape []int
	Data  []float32
	Grad  []float32

	requiresGrad bool
}

// New allocates a zero tensor of the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, Numel(shape)),
	}
}

// FromSlice wraps data without copying. It panics when len(data) does not
// match the shape.
func FromSlice(data []float32, shape ...int) *Tensor {
	if n := Numel(shape); n != len(data) {
		panic(fmt.Sprintf("tensor: %d values do not fit shape %v", len(data), shape))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}
}

// NewParam allocates a trainable tensor with a gradient buffer.
func NewParam(shape ...int) *Tensor {
	t := New(shape...)
	t.requiresGrad = true
	t.Grad = make([]float32, len(t.Data))
	return t
}

// KaimingNormal fills t with N(0, 2/((1+slope²)·fanIn)) samples.
func (t *Tensor) KaimingNormal(rng *rand.Rand, fanIn int, slope float64) {
	if fanIn <= 0 {
		fanIn = 1
	}
	std := sqrt(2 / ((1 + slope*slope) * float64(fanIn)))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// RequiresGrad reports whether gradients flow into t.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Item returns the single value of a scalar tensor.
func (t *Tensor) Item() float64 {
	if len(t.Data) != 1 {
		panic(fmt.Sprintf("tensor: Item on tensor of shape %v", t.Shape))
	}
	return float64(t.Data[0])
}

// Numel returns the element count of shape.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// SameShape reports whether a and b have identical dimensions.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func volume(shape []int) int {
	return Numel(shape[2:])
}

func mustRank(name string, t *Tensor, rank int) {
	if len(t.Shape) != rank {
		panic(fmt.Sprintf("tensor: %s expects rank %d, got shape %v", name, rank, t.Shape))
	}
}
