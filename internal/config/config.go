package config

import (
	"errors"
	"fmt"

	"prostate-seg/internal/model"
)

// Profile names.
const (
	ProfileCluster = "cluster"
	ProfileLocal   = "local"
)

// Loss divisor modes. The per-epoch training loss is the running sum divided
// by the length of the named loader.
const (
	DivisorValidation = "validation"
	DivisorTraining   = "training"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Profile    string
	ImagesPath string
	MasksPath  string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Shuffle    bool
	Background bool

	InChannels  int
	NumClasses  int
	BaseFilters int
	Grid        [3]int

	LearningRate float64
	WeightDecay  float64
	StepSize     int
	Gamma        float64

	ValidateEvery int
	LossDivisor   string
	ValidFraction float64
	DebugCount    int
	Seed          int64
	OutDir        string
	MaxWorkers    int

	LogLevel  string
	LogFormat string
}

// Overrides captures CLI supplied values.
type Overrides struct {
	ImagesPath   string
	MasksPath    string
	Epochs       int
	BatchSize    int
	NumWorkers   int
	LearningRate float64
	Grid         int
	Seed         int64
	OutDir       string
	LossDivisor  string
	MaxWorkers   int
	LogLevel     string
	LogFormat    string
}

// Default returns the local profile.
func Default() Config {
	cfg, _ := ForProfile(ProfileLocal)
	return cfg
}

// ForProfile returns the built-in configuration for name.
func ForProfile(name string) (Config, error) {
	cfg := Config{
		Profile:       name,
		NumWorkers:    2,
		Shuffle:       true,
		Background:    true,
		InChannels:    1,
		NumClasses:    6,
		BaseFilters:   8,
		Grid:          [3]int{128, 128, 128},
		LearningRate:  1e-3,
		WeightDecay:   1e-2,
		StepSize:      10,
		Gamma:         0.1,
		ValidateEvery: 3,
		LossDivisor:   DivisorValidation,
		ValidFraction: 0.2,
		DebugCount:    4,
		Seed:          42,
		OutDir:        ".",
		LogLevel:      "info",
		LogFormat:     "text",
	}
	switch name {
	case ProfileCluster:
		cfg.ImagesPath = "/home/groups/comp3710/HipMRI_Study_open/semantic_MRs/"
		cfg.MasksPath = "/home/groups/comp3710/HipMRI_Study_open/semantic_labels_only/"
		cfg.Epochs = 50
		cfg.BatchSize = 5
	case ProfileLocal:
		cfg.ImagesPath = "./data/semantic_MRs_anon/"
		cfg.MasksPath = "./data/semantic_labels_anon/"
		cfg.Epochs = 10
		cfg.BatchSize = 2
	default:
		return Config{}, fmt.Errorf("unknown profile %q", name)
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ImagesPath != "" {
		c.ImagesPath = o.ImagesPath
	}
	if o.MasksPath != "" {
		c.MasksPath = o.MasksPath
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Grid > 0 {
		c.Grid = [3]int{o.Grid, o.Grid, o.Grid}
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.OutDir != "" {
		c.OutDir = o.OutDir
	}
	if o.LossDivisor != "" {
		c.LossDivisor = o.LossDivisor
	}
	if o.MaxWorkers > 0 {
		c.MaxWorkers = o.MaxWorkers
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ImagesPath == "" || c.MasksPath == "" {
		return errors.New("images_path and masks_path must both be set")
	}
	for name, v := range map[string]int{
		"epochs":         c.Epochs,
		"batch_size":     c.BatchSize,
		"num_workers":    c.NumWorkers,
		"in_channels":    c.InChannels,
		"num_classes":    c.NumClasses,
		"base_filters":   c.BaseFilters,
		"step_size":      c.StepSize,
		"validate_every": c.ValidateEvery,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0 (got %d)", name, v)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight_decay must be >= 0 (got %v)", c.WeightDecay)
	}
	if c.Gamma <= 0 {
		return fmt.Errorf("gamma must be > 0 (got %v)", c.Gamma)
	}
	for _, d := range c.Grid {
		if d <= 0 || d%model.GridMultiple != 0 {
			return fmt.Errorf("grid %v must be positive multiples of %d", c.Grid, model.GridMultiple)
		}
	}
	switch c.LossDivisor {
	case DivisorValidation, DivisorTraining:
	default:
		return fmt.Errorf("loss_divisor must be %q or %q (got %q)", DivisorValidation, DivisorTraining, c.LossDivisor)
	}
	if c.ValidFraction <= 0 || c.ValidFraction >= 1 {
		return fmt.Errorf("valid_fraction must be in (0, 1) (got %v)", c.ValidFraction)
	}
	if c.DebugCount < 0 {
		return fmt.Errorf("debug_count must be >= 0 (got %d)", c.DebugCount)
	}
	return nil
}
