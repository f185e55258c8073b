package trainer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prostate-seg/internal/config"
	"prostate-seg/internal/dataset"
	"prostate-seg/internal/loss"
	"prostate-seg/internal/model"
	"prostate-seg/internal/nifti"
	"prostate-seg/internal/transform"
)

var grid = [3]int{32, 32, 32}

func tinyNet(t *testing.T) *model.UNet3D {
	t.Helper()
	m, err := model.NewUNet3D(model.Options{InChannels: 1, NumClasses: 6, BaseFilters: 2, Seed: 1})
	require.NoError(t, err)
	return m
}

func subjects(n int, fill func(i, v int) (float32, float32)) dataset.MemoryDataset {
	ds := make(dataset.MemoryDataset, n)
	for i := range ds {
		img := transform.NewVolume(grid, transform.Identity())
		lbl := transform.NewVolume(grid, transform.Identity())
		for v := range img.Data {
			img.Data[v], lbl.Data[v] = fill(i, v)
		}
		ds[i] = &transform.Subject{Key: fmt.Sprintf("case-%d", i), Image: img, Label: lbl}
	}
	return ds
}

func patterned(i, v int) (float32, float32) {
	return float32((v*7+i)%13) / 13, float32((v / 4096) % 6)
}

func loader(t *testing.T, ds dataset.Dataset, batch int) *dataset.Loader {
	t.Helper()
	l, err := dataset.NewLoader(ds, dataset.LoaderOptions{BatchSize: batch, NumWorkers: 2})
	require.NoError(t, err)
	return l
}

func testOptions() Options {
	return Options{
		Epochs:        4,
		ValidateEvery: 3,
		Background:    true,
		LearningRate:  1e-3,
		WeightDecay:   1e-2,
		StepSize:      10,
		Gamma:         0.1,
	}
}

func TestCheckpointName(t *testing.T) {
	assert.Equal(t, "model_lr_0.001_e_50_bg_True_bs5.pth", CheckpointName(1e-3, 50, true, 5))
	assert.Equal(t, "model_lr_1e-05_e_10_bg_False_bs2.pth", CheckpointName(1e-5, 10, false, 2))
	assert.Equal(t, "model_lr_2.0_e_1_bg_True_bs1.pth", CheckpointName(2, 1, true, 1))
}

func TestPyFloat(t *testing.T) {
	tests := map[float64]string{
		0:         "0.0",
		0.5:       "0.5",
		-3:        "-3.0",
		0.0001:    "0.0001",
		0.00001:   "1e-05",
		1234567:   "1234567.0",
		1e16:      "1e+16",
		1.0 / 6.0: "0.16666666666666666",
	}
	for in, want := range tests {
		assert.Equal(t, want, pyFloat(in), "pyFloat(%v)", in)
	}
	assert.Equal(t, "[0.0, 1.0]", pyFloatList([]float64{0, 1}))
}

func TestShouldValidate(t *testing.T) {
	var got []int
	for epoch := 0; epoch < 10; epoch++ {
		if ShouldValidate(epoch, 3) {
			got = append(got, epoch)
		}
	}
	assert.Equal(t, []int{0, 3, 6, 9}, got)
	assert.False(t, ShouldValidate(0, 0))
}

func TestFitValidatesOnScheduleAndSaves(t *testing.T) {
	var out bytes.Buffer
	opts := testOptions()
	opts.CheckpointPath = filepath.Join(t.TempDir(), CheckpointName(opts.LearningRate, opts.Epochs, true, 2))

	tr, err := New(tinyNet(t), opts, &out)
	require.NoError(t, err)
	res, err := tr.Fit(context.Background(), loader(t, subjects(3, patterned), 2), loader(t, subjects(2, patterned), 1))
	require.NoError(t, err)

	assert.Len(t, res.EpochLosses, 4)
	assert.Len(t, res.Validations, 2)
	assert.Len(t, res.Final.Dice, 6)
	assert.Equal(t, 3, strings.Count(out.String(), "Test Loss: "))
	assert.Equal(t, 3, strings.Count(out.String(), "Average Dice Score: ["))
	for e := 1; e <= 4; e++ {
		assert.Contains(t, out.String(), fmt.Sprintf("Epoch %d/4, Loss: ", e))
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "Test Loss: "), "epoch 0 validates before its loss line")
	assert.True(t, strings.HasPrefix(lines[len(lines)-2], "Test Loss: "), "final validation runs after the last epoch")

	_, err = os.Stat(opts.CheckpointPath)
	require.NoError(t, err)
	restored := tinyNet(t)
	require.NoError(t, model.LoadFile(opts.CheckpointPath, restored))
}

func TestLossDivisor(t *testing.T) {
	train := loader(t, subjects(4, patterned), 1)
	valid := loader(t, subjects(2, patterned), 1)

	run := func(divisor string) float64 {
		opts := testOptions()
		opts.Epochs = 1
		opts.LossDivisor = divisor
		tr, err := New(tinyNet(t), opts, &bytes.Buffer{})
		require.NoError(t, err)
		res, err := tr.Fit(context.Background(), train, valid)
		require.NoError(t, err)
		return res.EpochLosses[0]
	}
	byValid := run(config.DivisorValidation)
	byTrain := run(config.DivisorTraining)
	assert.InDelta(t, byValid/2, byTrain, 1e-9)
}

func TestValidateIsRepeatable(t *testing.T) {
	var out bytes.Buffer
	tr, err := New(tinyNet(t), testOptions(), &out)
	require.NoError(t, err)
	valid := loader(t, subjects(2, patterned), 1)

	first, err := tr.Validate(context.Background(), valid)
	require.NoError(t, err)
	firstOut := out.String()
	out.Reset()
	second, err := tr.Validate(context.Background(), valid)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, firstOut, out.String())
}

func TestValidateAllBackground(t *testing.T) {
	m := tinyNet(t)
	for _, p := range m.Parameters() {
		for i := range p.Data {
			p.Data[i] = 0
		}
	}
	var out bytes.Buffer
	tr, err := New(m, testOptions(), &out)
	require.NoError(t, err)

	zeros := func(int, int) (float32, float32) { return 0, 0 }
	rep, err := tr.Validate(context.Background(), loader(t, subjects(2, zeros), 1))
	require.NoError(t, err)

	require.Len(t, rep.Dice, 6)
	assert.InDelta(t, 0, rep.Dice[0], 1e-6)
	for c := 1; c < 6; c++ {
		assert.InDelta(t, 1, rep.Dice[c], 1e-9)
	}
	// zero logits against an all-background mask share no mass
	assert.InDelta(t, 1, rep.Loss, 1e-6)
	assert.Contains(t, out.String(), "Average Dice Score: [")
}

func TestTrainEpochUpdatesWeights(t *testing.T) {
	m := tinyNet(t)
	before := append([]float32(nil), m.Parameters()[0].Data...)
	tr, err := New(m, testOptions(), &bytes.Buffer{})
	require.NoError(t, err)

	running, snap, err := tr.TrainEpoch(context.Background(), loader(t, subjects(2, patterned), 2), 0)
	require.NoError(t, err)
	assert.Greater(t, running, 0.0)
	assert.Equal(t, 1, snap.Steps)
	assert.Equal(t, 2, snap.Volumes)
	assert.InDelta(t, running, snap.MeanLoss, 1e-12)
	assert.NotEqual(t, before, m.Parameters()[0].Data)
}

func TestTrainEpochRejectsInvalidMask(t *testing.T) {
	tr, err := New(tinyNet(t), testOptions(), &bytes.Buffer{})
	require.NoError(t, err)
	bad := subjects(1, func(int, int) (float32, float32) { return 1, 7 })

	_, _, err = tr.TrainEpoch(context.Background(), loader(t, bad, 1), 0)
	assert.True(t, errors.Is(err, loss.ErrInvalidLabel))
}

func TestFitStopsOnCancel(t *testing.T) {
	opts := testOptions()
	opts.CheckpointPath = filepath.Join(t.TempDir(), "model.pth")
	tr, err := New(tinyNet(t), opts, &bytes.Buffer{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Fit(ctx, loader(t, subjects(2, patterned), 1), loader(t, subjects(1, patterned), 1))
	assert.True(t, errors.Is(err, context.Canceled))
	_, statErr := os.Stat(opts.CheckpointPath)
	assert.True(t, os.IsNotExist(statErr))
}

func writeCase(t *testing.T, dir, name string, dims [3]int, fill func(v int) float32, datatype int16) string {
	t.Helper()
	im := &nifti.Image{Dims: dims, PixDim: [3]float64{1, 1, 1}, Affine: transform.Identity(), Data: make([]float32, dims[0]*dims[1]*dims[2])}
	for v := range im.Data {
		im.Data[v] = fill(v)
	}
	path := filepath.Join(dir, name)
	require.NoError(t, nifti.WriteFile(path, im, datatype))
	return path
}

func TestRunAndPredict(t *testing.T) {
	root := t.TempDir()
	images := filepath.Join(root, "images")
	masks := filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(images, 0o755))
	require.NoError(t, os.MkdirAll(masks, 0o755))

	dims := [3]int{36, 34, 32}
	var firstScan string
	for i := 0; i < 3; i++ {
		scan := writeCase(t, images, fmt.Sprintf("Case_%03d_LFOV.nii.gz", i), dims,
			func(v int) float32 { return float32((v + i) % 97) }, nifti.Float32)
		if i == 0 {
			firstScan = scan
		}
		writeCase(t, masks, fmt.Sprintf("Case_%03d_SEMANTIC_LFOV.nii.gz", i), dims,
			func(v int) float32 { return float32((v / 1224) % 6) }, nifti.Uint8)
	}

	cfg := config.Default()
	cfg.ApplyOverrides(config.Overrides{
		ImagesPath: images,
		MasksPath:  masks,
		Epochs:     1,
		Grid:       32,
		OutDir:     filepath.Join(root, "out"),
		MaxWorkers: 2,
	})
	cfg.BaseFilters = 2

	var out bytes.Buffer
	res, err := Run(context.Background(), cfg, &out)
	require.NoError(t, err)
	assert.Len(t, res.EpochLosses, 1)
	assert.Contains(t, out.String(), "Epoch 1/1, Loss: ")

	ckpt := filepath.Join(cfg.OutDir, "model_lr_0.001_e_1_bg_True_bs2.pth")
	_, err = os.Stat(ckpt)
	require.NoError(t, err)

	predPath := filepath.Join(root, "out", "pred.nii.gz")
	require.NoError(t, Predict(context.Background(), cfg, PredictOptions{Checkpoint: ckpt, Input: firstScan, Output: predPath}))
	pred, err := nifti.ReadFile(predPath)
	require.NoError(t, err)
	assert.Equal(t, dims, pred.Dims)
	assert.Equal(t, nifti.Uint8, pred.Datatype)
	for _, v := range pred.Data {
		require.GreaterOrEqual(t, v, float32(0))
		require.Less(t, v, float32(6))
	}
}

func writeDataset(t *testing.T, root string, n int) (string, string) {
	t.Helper()
	images := filepath.Join(root, "images")
	masks := filepath.Join(root, "masks")
	require.NoError(t, os.MkdirAll(images, 0o755))
	require.NoError(t, os.MkdirAll(masks, 0o755))
	for i := 0; i < n; i++ {
		writeCase(t, images, fmt.Sprintf("Case_%03d_LFOV.nii.gz", i), grid,
			func(v int) float32 { return float32((v + i) % 31) }, nifti.Float32)
		writeCase(t, masks, fmt.Sprintf("Case_%03d_SEMANTIC_LFOV.nii.gz", i), grid,
			func(v int) float32 { return float32((v / 4096) % 6) }, nifti.Uint8)
	}
	return images, masks
}

func TestRunTrainingSplitFollowsProfile(t *testing.T) {
	root := t.TempDir()
	images, masks := writeDataset(t, root, 10)

	tests := []struct {
		profile   string
		wantTrain int
	}{
		{config.ProfileLocal, 4},
		{config.ProfileCluster, 8},
	}
	for _, tc := range tests {
		t.Run(tc.profile, func(t *testing.T) {
			cfg, err := config.ForProfile(tc.profile)
			require.NoError(t, err)
			cfg.ApplyOverrides(config.Overrides{
				ImagesPath: images,
				MasksPath:  masks,
				Epochs:     1,
				BatchSize:  4,
				Grid:       32,
				OutDir:     filepath.Join(root, tc.profile),
				MaxWorkers: 2,
			})
			cfg.BaseFilters = 2

			res, err := Run(context.Background(), cfg, &bytes.Buffer{})
			require.NoError(t, err)
			assert.Equal(t, tc.wantTrain, res.TrainSubjects)
			assert.Equal(t, 2, res.ValidSubjects)
		})
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Grid = [3]int{20, 20, 20}
	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
