package model

import (
	"errors"
	"io"

	"prostate-seg/internal/tensor"
)

// ErrShapeMismatch reports an input or checkpoint whose shape the network
// cannot accept.
var ErrShapeMismatch = errors.New("model: shape mismatch")

// Output is the result of one forward pass. Every tensor is flattened to
// [batch·voxels, classes].
type Output struct {
	Sigmoid     *tensor.Tensor
	Predictions *tensor.Tensor
	Logits      *tensor.Tensor
}

// Model defines the functionality the training loop requires.
type Model interface {
	// Forward runs the network. A nil tape disables gradient tracking and
	// train=false disables dropout.
	Forward(tp *tensor.Tape, x *tensor.Tensor, train bool) (Output, error)
	Parameters() []*tensor.Tensor
	NumClasses() int
	// SaveStateDict writes every parameter keyed by layer name.
	SaveStateDict(w io.Writer) error
}
