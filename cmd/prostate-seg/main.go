package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"prostate-seg/internal/config"
	"prostate-seg/internal/ctxlog"
	"prostate-seg/internal/trainer"
)

const usage = `usage: prostate-seg <command> [flags]

commands:
  train     train the segmentation network and save its weights
  predict   segment one scan with saved weights
`

// commonFlags are shared by every subcommand.
type commonFlags struct {
	cluster     *bool
	cfgPath     *string
	imagesPath  *string
	masksPath   *string
	epochs      *int
	batchSize   *int
	numWorkers  *int
	lr          *float64
	grid        *int
	seed        *int64
	outDir      *string
	lossDivisor *string
	maxWorkers  *int
	logLevel    *string
	logFormat   *string
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		cluster:     fs.Bool("cluster", false, "Use the cluster profile instead of the local one"),
		cfgPath:     fs.String("config", "", "Path to an HCL run file"),
		imagesPath:  fs.String("images", "", "Override the scans directory"),
		masksPath:   fs.String("masks", "", "Override the label maps directory"),
		epochs:      fs.Int("epochs", 0, "Number of training epochs"),
		batchSize:   fs.Int("batch-size", 0, "Training batch size"),
		numWorkers:  fs.Int("num-workers", 0, "Number of data loader workers"),
		lr:          fs.Float64("lr", 0, "Initial learning rate"),
		grid:        fs.Int("grid", 0, "Cubic input grid edge, a multiple of 32"),
		seed:        fs.Int64("seed", 0, "PRNG seed"),
		outDir:      fs.String("out-dir", "", "Directory for the weights file"),
		lossDivisor: fs.String("loss-divisor", "", `Epoch loss divisor: "validation" or "training"`),
		maxWorkers:  fs.Int("max-workers", 0, "Cap on compute goroutines"),
		logLevel:    fs.String("log-level", "", "debug, info, warn or error"),
		logFormat:   fs.String("log-format", "", "text or json"),
	}
}

func (f *commonFlags) load() (config.Config, error) {
	profile := config.ProfileLocal
	if *f.cluster {
		profile = config.ProfileCluster
	}
	var (
		cfg config.Config
		err error
	)
	if *f.cfgPath != "" {
		cfg, err = config.Load(*f.cfgPath, profile)
	} else {
		cfg, err = config.ForProfile(profile)
	}
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyOverrides(config.Overrides{
		ImagesPath:   *f.imagesPath,
		MasksPath:    *f.masksPath,
		Epochs:       *f.epochs,
		BatchSize:    *f.batchSize,
		NumWorkers:   *f.numWorkers,
		LearningRate: *f.lr,
		Grid:         *f.grid,
		Seed:         *f.seed,
		OutDir:       *f.outDir,
		LossDivisor:  *f.lossDivisor,
		MaxWorkers:   *f.maxWorkers,
		LogLevel:     *f.logLevel,
		LogFormat:    *f.logFormat,
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	common := registerCommon(fs)
	var predict trainer.PredictOptions
	switch os.Args[1] {
	case "train":
	case "predict":
		fs.StringVar(&predict.Checkpoint, "checkpoint", "", "Weights file written by train")
		fs.StringVar(&predict.Input, "input", "", "Scan to segment (.nii or .nii.gz)")
		fs.StringVar(&predict.Output, "output", "prediction.nii.gz", "Label map to write")
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	_ = fs.Parse(os.Args[2:])

	cfg, err := common.load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := ctxlog.New(cfg.LogLevel, cfg.LogFormat, os.Stderr).With("run_id", uuid.NewString())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	switch os.Args[1] {
	case "train":
		logger.Info("starting training",
			"profile", cfg.Profile,
			"images", cfg.ImagesPath,
			"masks", cfg.MasksPath,
			"epochs", cfg.Epochs,
			"batch_size", cfg.BatchSize,
			"lr", cfg.LearningRate,
		)
		_, err = trainer.Run(ctx, cfg, os.Stdout)
	case "predict":
		if predict.Checkpoint == "" || predict.Input == "" {
			err = errors.New("predict requires -checkpoint and -input")
			break
		}
		err = trainer.Predict(ctx, cfg, predict)
	}
	if err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		stop()
		os.Exit(1)
	}
}
