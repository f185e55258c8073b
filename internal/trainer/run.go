package trainer

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"prostate-seg/internal/config"
	"prostate-seg/internal/ctxlog"
	"prostate-seg/internal/dataset"
	"prostate-seg/internal/device"
	"prostate-seg/internal/model"
	"prostate-seg/internal/transform"
)

// Run executes the training workload described by cfg and prints the
// console report to out.
func Run(ctx context.Context, cfg config.Config, out io.Writer) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	logger := ctxlog.FromContext(ctx)

	dev := device.Select(cfg.MaxWorkers)
	logger.Info("device selected", "device", dev.String(), "avx512", dev.AVX512)

	pairs, err := dataset.DiscoverPairs(cfg.ImagesPath, cfg.MasksPath)
	if err != nil {
		return Result{}, err
	}
	splitOpts := dataset.SplitOptions{ValidFraction: cfg.ValidFraction, DebugCount: cfg.DebugCount}
	trainPairs, err := dataset.Split(pairs, trainingSplit(cfg.Profile), splitOpts)
	if err != nil {
		return Result{}, err
	}
	validPairs, err := dataset.Split(pairs, dataset.ModeValid, splitOpts)
	if err != nil {
		return Result{}, err
	}
	logger.Info("dataset discovered", "pairs", len(pairs), "train", len(trainPairs), "valid", len(validPairs))

	pipeline := transform.Default(cfg.Grid)
	train, err := dataset.NewLoader(dataset.NewFileDataset(trainPairs), dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		Shuffle:    cfg.Shuffle,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Pipeline:   pipeline,
	})
	if err != nil {
		return Result{}, fmt.Errorf("train loader: %w", err)
	}
	valid, err := dataset.NewLoader(dataset.NewFileDataset(validPairs), dataset.LoaderOptions{
		BatchSize:  1,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Pipeline:   pipeline.Deterministic(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("valid loader: %w", err)
	}

	net, err := model.NewUNet3D(model.Options{
		InChannels:  cfg.InChannels,
		NumClasses:  cfg.NumClasses,
		BaseFilters: cfg.BaseFilters,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return Result{}, err
	}
	logger.Info("model built", "parameters", net.ParameterCount(), "grid", cfg.Grid)

	t, err := New(net, Options{
		Epochs:         cfg.Epochs,
		ValidateEvery:  cfg.ValidateEvery,
		Background:     cfg.Background,
		LearningRate:   cfg.LearningRate,
		WeightDecay:    cfg.WeightDecay,
		StepSize:       cfg.StepSize,
		Gamma:          cfg.Gamma,
		LossDivisor:    cfg.LossDivisor,
		CheckpointPath: filepath.Join(cfg.OutDir, CheckpointName(cfg.LearningRate, cfg.Epochs, cfg.Background, cfg.BatchSize)),
	}, out)
	if err != nil {
		return Result{}, err
	}
	res, err := t.Fit(ctx, train, valid)
	res.TrainSubjects, res.ValidSubjects = len(trainPairs), len(validPairs)
	return res, err
}

// trainingSplit picks the split a profile trains on. Local runs iterate on
// the short debug head.
func trainingSplit(profile string) string {
	if profile == config.ProfileLocal {
		return dataset.ModeDebug
	}
	return dataset.ModeTrain
}
