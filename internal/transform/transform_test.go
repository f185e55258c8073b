package transform

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gradientSubject(dims [3]int) *Subject {
	img := NewVolume(dims, Identity())
	lbl := NewVolume(dims, Identity())
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				i := img.index(x, y, z)
				img.Data[i] = float32(10*x + y + 3*z)
				lbl.Data[i] = float32((x + y + z) % 6)
			}
		}
	}
	return &Subject{Key: "case", Image: img, Label: lbl}
}

func TestDefaultPipelineOrder(t *testing.T) {
	p := Default([3]int{16, 16, 16})
	assert.Equal(t, []string{
		"rescale_intensity", "random_flip", "resize",
		"random_affine", "random_elastic_deformation", "z_normalization",
	}, p.Names())
	assert.Equal(t, []string{"rescale_intensity", "resize", "z_normalization"}, p.Deterministic().Names())
}

func TestPipelineKeepsLabelsIntegral(t *testing.T) {
	s := gradientSubject([3]int{10, 12, 9})
	rng := rand.New(rand.NewSource(3))
	require.NoError(t, Default([3]int{16, 16, 16}).Apply(s, rng))

	assert.Equal(t, [3]int{16, 16, 16}, s.Image.Dims)
	assert.Equal(t, [3]int{16, 16, 16}, s.Label.Dims)
	for _, v := range s.Label.Data {
		assert.Equal(t, math.Trunc(float64(v)), float64(v))
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(6))
	}
}

func TestDeterministicPipelineIsRepeatable(t *testing.T) {
	p := Default([3]int{8, 8, 8}).Deterministic()
	a, b := gradientSubject([3]int{5, 6, 7}), gradientSubject([3]int{5, 6, 7})
	require.NoError(t, p.Apply(a, nil))
	require.NoError(t, p.Apply(b, nil))
	assert.Equal(t, a.Image.Data, b.Image.Data)
	assert.Equal(t, a.Label.Data, b.Label.Data)
}

func TestRescaleIntensity(t *testing.T) {
	s := gradientSubject([3]int{3, 3, 3})
	require.NoError(t, RescaleIntensity{OutMin: 0, OutMax: 1}.Apply(s, nil))
	lo, hi := s.Image.minMax()
	assert.Equal(t, float32(0), lo)
	assert.Equal(t, float32(1), hi)

	flat := &Subject{Image: NewVolume([3]int{2, 2, 2}, Identity())}
	require.NoError(t, RescaleIntensity{OutMin: 0, OutMax: 1}.Apply(flat, nil))
	assert.Equal(t, make([]float32, 8), flat.Image.Data)
}

func TestZNormalization(t *testing.T) {
	s := gradientSubject([3]int{4, 4, 4})
	require.NoError(t, ZNormalization{}.Apply(s, nil))
	var mean, sq float64
	for _, v := range s.Image.Data {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	n := float64(s.Image.Len())
	assert.InDelta(t, 0, mean/n, 1e-5)
	assert.InDelta(t, 1, sq/n, 1e-4)

	blank := &Subject{Image: NewVolume([3]int{2, 2, 2}, Identity())}
	require.NoError(t, ZNormalization{}.Apply(blank, nil))
	assert.Equal(t, make([]float32, 8), blank.Image.Data)
}

func TestFlipIsInvolution(t *testing.T) {
	s := gradientSubject([3]int{5, 4, 3})
	orig := append([]float32(nil), s.Image.Data...)
	flip(s.Image, 0)
	assert.Equal(t, orig[s.Image.index(4, 1, 2)], s.Image.Data[s.Image.index(0, 1, 2)])
	flip(s.Image, 0)
	assert.Equal(t, orig, s.Image.Data)

	for axis := 1; axis < 3; axis++ {
		flip(s.Image, axis)
		flip(s.Image, axis)
		assert.Equal(t, orig, s.Image.Data)
	}
}

func TestRandomFlipAlwaysAndNever(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	s := gradientSubject([3]int{4, 2, 2})
	orig := append([]float32(nil), s.Label.Data...)
	require.NoError(t, RandomFlip{Axes: []int{0}, Probability: 0}.Apply(s, rng))
	assert.Equal(t, orig, s.Label.Data)
	require.NoError(t, RandomFlip{Axes: []int{0}, Probability: 1}.Apply(s, rng))
	assert.NotEqual(t, orig, s.Label.Data)
	assert.Error(t, RandomFlip{Axes: []int{3}, Probability: 1}.Apply(s, rng))
}

func TestResizeUpdatesAffineSpacing(t *testing.T) {
	s := gradientSubject([3]int{8, 8, 8})
	require.NoError(t, Resize{Shape: [3]int{4, 16, 8}}.Apply(s, nil))
	assert.Equal(t, [3]int{4, 16, 8}, s.Image.Dims)
	assert.InDelta(t, 2.0, s.Image.Affine[0][0], 1e-9)
	assert.InDelta(t, 0.5, s.Image.Affine[1][1], 1e-9)
	assert.InDelta(t, 1.0, s.Image.Affine[2][2], 1e-9)
	assert.InDelta(t, 0.5, s.Image.Affine[0][3], 1e-9)
}

func TestIdentityAffineAndElasticLeaveSubjectUnchanged(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	s := gradientSubject([3]int{6, 6, 6})
	img := append([]float32(nil), s.Image.Data...)
	lbl := append([]float32(nil), s.Label.Data...)

	require.NoError(t, RandomAffine{Degrees: 0, Scale: 0}.Apply(s, rng))
	require.NoError(t, RandomElastic{ControlPoints: 4, MaxDisplacement: 0, LockedBorders: 1}.Apply(s, rng))
	for i := range img {
		assert.InDelta(t, img[i], s.Image.Data[i], 1e-4)
	}
	assert.Equal(t, lbl, s.Label.Data)
}

func TestElasticRejectsTinyGrid(t *testing.T) {
	s := gradientSubject([3]int{4, 4, 4})
	assert.Error(t, RandomElastic{ControlPoints: 1}.Apply(s, rand.New(rand.NewSource(1))))
}

func TestPipelineRejectsMismatchedLabel(t *testing.T) {
	s := gradientSubject([3]int{4, 4, 4})
	s.Label = NewVolume([3]int{4, 4, 5}, Identity())
	assert.Error(t, Default([3]int{4, 4, 4}).Apply(s, rand.New(rand.NewSource(1))))
}

func TestInvert3(t *testing.T) {
	m := matMul(rotation([3]float64{0.1, -0.2, 0.3}), diag([3]float64{1.1, 0.9, 1.05}))
	inv, ok := invert3(m)
	require.True(t, ok)
	id := matMul(m, inv)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.InDelta(t, want, id[i][j], 1e-9)
		}
	}
}
