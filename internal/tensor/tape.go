package tensor

import (
	"errors"
	"math"
)

// ErrNotScalar is returned when Backward is asked to start from a tensor
// with more than one element.
var ErrNotScalar = errors.New("tensor: backward requires a scalar output")

// Tape records operations so gradients can be propagated in reverse.
//
// A nil *Tape is valid and records nothing, which is how inference runs
// without gradient bookkeeping.
type Tape struct {
	nodes []node
}

type node struct {
	out      *Tensor
	backward func()
}

// NewTape returns an empty tape.
func NewTape() *Tape {
	return &Tape{}
}

// Record registers backward for out when any input requires gradients.
// Ops outside this package use it to participate in backpropagation.
func (tp *Tape) Record(out *Tensor, backward func(), inputs ...*Tensor) {
	if tp == nil {
		return
	}
	needed := false
	for _, in := range inputs {
		if in != nil && in.requiresGrad {
			needed = true
			break
		}
	}
	if !needed {
		return
	}
	out.requiresGrad = true
	if out.Grad == nil {
		out.Grad = make([]float32, len(out.Data))
	}
	tp.nodes = append(tp.nodes, node{out: out, backward: backward})
}

// Len returns the number of recorded operations.
func (tp *Tape) Len() int {
	if tp == nil {
		return 0
	}
	return len(tp.nodes)
}

// Backward seeds d(loss)/d(loss) = 1 and replays the tape in reverse.
func (tp *Tape) Backward(loss *Tensor) error {
	if len(loss.Data) != 1 {
		return ErrNotScalar
	}
	if tp == nil || !loss.requiresGrad {
		return errors.New("tensor: loss is not connected to any parameter")
	}
	loss.Grad[0] = 1
	for i := len(tp.nodes) - 1; i >= 0; i-- {
		tp.nodes[i].backward()
	}
	tp.nodes = nil
	return nil
}

func sqrt(v float64) float64 { return math.Sqrt(v) }
