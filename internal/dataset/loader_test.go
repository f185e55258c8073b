package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostate-seg/internal/nifti"
	"prostate-seg/internal/transform"
)

func memorySubjects(n int, dims [3]int) MemoryDataset {
	ds := make(MemoryDataset, n)
	for i := range ds {
		img := transform.NewVolume(dims, transform.Identity())
		lbl := transform.NewVolume(dims, transform.Identity())
		for v := range img.Data {
			img.Data[v] = float32(i*100 + v)
			lbl.Data[v] = float32((i + v) % 6)
		}
		ds[i] = &transform.Subject{Key: fmt.Sprintf("case-%02d", i), Image: img, Label: lbl}
	}
	return ds
}

func collectKeys(t *testing.T, l *Loader, epoch int) [][]string {
	t.Helper()
	var out [][]string
	err := l.ForEach(context.Background(), epoch, func(b Batch) error {
		out = append(out, b.Keys)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestLoaderBatchesInOrder(t *testing.T) {
	l, err := NewLoader(memorySubjects(5, [3]int{2, 2, 2}), LoaderOptions{BatchSize: 2, NumWorkers: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, l.Len())
	assert.Equal(t, 5, l.Samples())

	keys := collectKeys(t, l, 0)
	assert.Equal(t, [][]string{
		{"case-00", "case-01"},
		{"case-02", "case-03"},
		{"case-04"},
	}, keys)
}

func TestLoaderShuffleDeterministic(t *testing.T) {
	opts := LoaderOptions{BatchSize: 1, Shuffle: true, NumWorkers: 2, Seed: 123, Pipeline: transform.Default([3]int{4, 4, 4})}
	l1, err := NewLoader(memorySubjects(6, [3]int{3, 3, 3}), opts)
	require.NoError(t, err)
	l2, err := NewLoader(memorySubjects(6, [3]int{3, 3, 3}), opts)
	require.NoError(t, err)

	assert.Equal(t, collectKeys(t, l1, 4), collectKeys(t, l2, 4))
	assert.Equal(t, l1.Order(4), l2.Order(4))
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5}, l1.Order(4))
}

func TestLoaderAugmentationReproducible(t *testing.T) {
	opts := LoaderOptions{BatchSize: 2, Shuffle: true, NumWorkers: 2, Seed: 9, Pipeline: transform.Default([3]int{4, 4, 4})}
	l, err := NewLoader(memorySubjects(4, [3]int{5, 5, 5}), opts)
	require.NoError(t, err)

	run := func() [][]float32 {
		var inputs [][]float32
		require.NoError(t, l.ForEach(context.Background(), 2, func(b Batch) error {
			assert.Equal(t, []int{b.Size(), 1, 4, 4, 4}, b.Inputs.Shape)
			assert.Len(t, b.Masks, b.Size()*64)
			inputs = append(inputs, append([]float32(nil), b.Inputs.Data...))
			return nil
		}))
		return inputs
	}
	assert.Equal(t, run(), run())
}

func TestLoaderStopsOnCallbackError(t *testing.T) {
	l, err := NewLoader(memorySubjects(6, [3]int{2, 2, 2}), LoaderOptions{BatchSize: 1, NumWorkers: 2})
	require.NoError(t, err)
	boom := errors.New("boom")
	calls := 0
	err = l.ForEach(context.Background(), 0, func(Batch) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestLoaderReportsLoadErrors(t *testing.T) {
	pairs := []Pair{{Key: "missing", ImagePath: filepath.Join(t.TempDir(), "x.nii"), MaskPath: "y.nii"}}
	l, err := NewLoader(NewFileDataset(pairs), LoaderOptions{BatchSize: 1, NumWorkers: 2})
	require.NoError(t, err)
	err = l.ForEach(context.Background(), 0, func(Batch) error { return nil })
	assert.Error(t, err)
}

func TestLoaderHonoursCancellation(t *testing.T) {
	l, err := NewLoader(memorySubjects(4, [3]int{2, 2, 2}), LoaderOptions{BatchSize: 1, NumWorkers: 1})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = l.ForEach(ctx, 0, func(Batch) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLoaderValidation(t *testing.T) {
	_, err := NewLoader(MemoryDataset{}, LoaderOptions{BatchSize: 1})
	assert.Error(t, err)
	_, err = NewLoader(memorySubjects(1, [3]int{1, 1, 1}), LoaderOptions{})
	assert.Error(t, err)
}

func TestFileDatasetLoadsPairs(t *testing.T) {
	dir := t.TempDir()
	img := &nifti.Image{Dims: [3]int{2, 2, 2}, Affine: transform.Identity(), Data: []float32{1, 2, 3, 4, 5, 6, 7, 8}}
	lbl := &nifti.Image{Dims: [3]int{2, 2, 2}, Affine: transform.Identity(), Data: []float32{0, 1, 2, 3, 4, 5, 0, 1}}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "img"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lbl"), 0o755))
	require.NoError(t, nifti.WriteFile(filepath.Join(dir, "img", "Case_1_LFOV.nii.gz"), img, nifti.Float32))
	require.NoError(t, nifti.WriteFile(filepath.Join(dir, "lbl", "Case_1_SEMANTIC_LFOV.nii.gz"), lbl, nifti.Uint8))

	pairs, err := DiscoverPairs(filepath.Join(dir, "img"), filepath.Join(dir, "lbl"))
	require.NoError(t, err)
	ds := NewFileDataset(pairs)
	s, err := ds.Load(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, img.Data, s.Image.Data)
	assert.Equal(t, lbl.Data, s.Label.Data)
}

func TestStackRejectsMixedShapes(t *testing.T) {
	a := memorySubjects(1, [3]int{2, 2, 2})[0]
	b := memorySubjects(1, [3]int{2, 2, 3})[0]
	_, err := Stack([]*transform.Subject{a, b})
	assert.Error(t, err)
	_, err = Stack(nil)
	assert.Error(t, err)
}
