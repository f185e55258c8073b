package loss

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostate-seg/internal/tensor"
)

func TestOneHotArgmaxRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 20; trial++ {
		labels := make([]int, 1+rng.Intn(500))
		for i := range labels {
			labels[i] = rng.Intn(6)
		}
		encoded, err := OneHot(labels, 6)
		require.NoError(t, err)
		require.Len(t, encoded, len(labels)*6)
		if diff := cmp.Diff(labels, Argmax(encoded, 6)); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestOneHotAlwaysSixChannels(t *testing.T) {
	encoded, err := OneHot([]int{0, 5, 2}, 6)
	require.NoError(t, err)
	for r := 0; r < 3; r++ {
		var sum float32
		for _, v := range encoded[r*6 : (r+1)*6] {
			sum += v
		}
		assert.Equal(t, float32(1), sum)
	}
}

func TestClassIndicesRejectsInvalidVoxels(t *testing.T) {
	_, err := ClassIndices([]float32{0, 1, 6}, 6)
	assert.ErrorIs(t, err, ErrInvalidLabel)
	_, err = ClassIndices([]float32{0, 1.5}, 6)
	assert.ErrorIs(t, err, ErrInvalidLabel)
	_, err = ClassIndices([]float32{-1}, 6)
	assert.ErrorIs(t, err, ErrInvalidLabel)

	idx, err := ClassIndices([]float32{0, 5, 3}, 6)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 5, 3}, idx)
}

func TestDicePerfectPredictionIsZero(t *testing.T) {
	target, err := OneHot([]int{0, 1, 1, 2, 3, 4, 5, 5}, 6)
	require.NoError(t, err)
	pred := tensor.FromSlice(append([]float32(nil), target...), 8, 6)
	out, err := NewDice(true).Forward(nil, pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 0, out.Item(), 1e-5)
}

func TestDiceDisjointPredictionIsOne(t *testing.T) {
	target, err := OneHot([]int{0, 0, 1, 1}, 2)
	require.NoError(t, err)
	pred, err := OneHot([]int{1, 1, 0, 0}, 2)
	require.NoError(t, err)
	out, err := NewDice(true).Forward(nil, tensor.FromSlice(pred, 4, 2), target)
	require.NoError(t, err)
	assert.InDelta(t, 1, out.Item(), 1e-5)
}

func TestDiceExcludesBackground(t *testing.T) {
	// background channel is completely wrong, foreground is perfect
	target := []float32{1, 0, 0, 1}
	pred := tensor.FromSlice([]float32{0, 0, 0, 1}, 2, 2)
	with, err := NewDice(true).Forward(nil, pred, target)
	require.NoError(t, err)
	without, err := NewDice(false).Forward(nil, pred, target)
	require.NoError(t, err)
	assert.InDelta(t, 0, without.Item(), 1e-5)
	// one overlap against three positives
	assert.InDelta(t, 1.0/3.0, with.Item(), 1e-5)
}

func TestDiceReducesOverAllElements(t *testing.T) {
	// class 0 is perfect on three rows, class 1 is missed on the fourth
	target, err := OneHot([]int{0, 0, 0, 1}, 2)
	require.NoError(t, err)
	pred := tensor.FromSlice([]float32{1, 0, 1, 0, 1, 0, 0, 0}, 4, 2)
	out, err := NewDice(true).Forward(nil, pred, target)
	require.NoError(t, err)
	// global: 1 - 6/7, a per-class mean would give 0.5
	assert.InDelta(t, 1.0/7.0, out.Item(), 1e-5)
}

func TestDiceAllBackgroundAgainstZeroLogits(t *testing.T) {
	labels := make([]int, 64)
	target, err := OneHot(labels, 6)
	require.NoError(t, err)
	out, err := NewDice(true).Forward(nil, tensor.New(64, 6), target)
	require.NoError(t, err)
	assert.InDelta(t, 1, out.Item(), 1e-6)
}

func TestDiceShapeErrors(t *testing.T) {
	pred := tensor.New(3, 2)
	_, err := NewDice(true).Forward(nil, pred, make([]float32, 5))
	assert.Error(t, err)
	_, err = NewDice(true).Forward(nil, tensor.New(1, 2, 3), nil)
	assert.Error(t, err)
}

func TestDiceGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	pred := tensor.NewParam(10, 3)
	for i := range pred.Data {
		pred.Data[i] = rng.Float32()
	}
	labels := make([]int, 10)
	for i := range labels {
		labels[i] = rng.Intn(3)
	}
	target, err := OneHot(labels, 3)
	require.NoError(t, err)

	d := NewDice(false)
	tp := tensor.NewTape()
	out, err := d.Forward(tp, pred, target)
	require.NoError(t, err)
	require.NoError(t, tp.Backward(out))

	const eps = 1e-3
	for i := range pred.Data {
		orig := pred.Data[i]
		pred.Data[i] = orig + eps
		plus, _ := d.Forward(nil, pred, target)
		pred.Data[i] = orig - eps
		minus, _ := d.Forward(nil, pred, target)
		pred.Data[i] = orig
		numeric := (plus.Item() - minus.Item()) / (2 * eps)
		assert.InDelta(t, numeric, float64(pred.Grad[i]), 5e-3, "element %d", i)
	}
}
