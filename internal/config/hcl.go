package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclFile is the top-level structure of a run file. Every attribute is
// optional and overlays the selected profile.
type hclFile struct {
	Profile       *string   `hcl:"profile,optional"`
	ImagesPath    *string   `hcl:"images_path,optional"`
	MasksPath     *string   `hcl:"masks_path,optional"`
	Epochs        *int      `hcl:"epochs,optional"`
	BatchSize     *int      `hcl:"batch_size,optional"`
	NumWorkers    *int      `hcl:"num_workers,optional"`
	Shuffle       *bool     `hcl:"shuffle,optional"`
	Background    *bool     `hcl:"background,optional"`
	Grid          *[]int    `hcl:"grid,optional"`
	ValidateEvery *int      `hcl:"validate_every,optional"`
	LossDivisor   *string   `hcl:"loss_divisor,optional"`
	Seed          *int64    `hcl:"seed,optional"`
	OutDir        *string   `hcl:"out_dir,optional"`
	Training      *hclTrain `hcl:"training,block"`
	Logging       *hclLog   `hcl:"logging,block"`
}

type hclTrain struct {
	LearningRate *float64 `hcl:"learning_rate,optional"`
	WeightDecay  *float64 `hcl:"weight_decay,optional"`
	StepSize     *int     `hcl:"step_size,optional"`
	Gamma        *float64 `hcl:"gamma,optional"`
	BaseFilters  *int     `hcl:"base_filters,optional"`
}

type hclLog struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

// Load reads an HCL run file and overlays it onto the profile it names, or
// onto fallbackProfile when it names none. Expressions may reference
// environment variables as env.NAME.
func Load(path, fallbackProfile string) (Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("parse config %s: %w", path, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(f.Body, envContext(), &parsed)
	if diags.HasErrors() {
		return Config{}, fmt.Errorf("decode config %s: %w", path, diags)
	}

	profile := fallbackProfile
	if parsed.Profile != nil {
		profile = *parsed.Profile
	}
	cfg, err := ForProfile(profile)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if err := parsed.overlay(&cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (h *hclFile) overlay(c *Config) error {
	setString(&c.ImagesPath, h.ImagesPath)
	setString(&c.MasksPath, h.MasksPath)
	setInt(&c.Epochs, h.Epochs)
	setInt(&c.BatchSize, h.BatchSize)
	setInt(&c.NumWorkers, h.NumWorkers)
	setInt(&c.ValidateEvery, h.ValidateEvery)
	setString(&c.LossDivisor, h.LossDivisor)
	setString(&c.OutDir, h.OutDir)
	if h.Shuffle != nil {
		c.Shuffle = *h.Shuffle
	}
	if h.Background != nil {
		c.Background = *h.Background
	}
	if h.Seed != nil {
		c.Seed = *h.Seed
	}
	if h.Grid != nil {
		g := *h.Grid
		switch len(g) {
		case 1:
			c.Grid = [3]int{g[0], g[0], g[0]}
		case 3:
			c.Grid = [3]int{g[0], g[1], g[2]}
		default:
			return fmt.Errorf("grid must have 1 or 3 elements (got %d)", len(g))
		}
	}
	if t := h.Training; t != nil {
		if t.LearningRate != nil {
			c.LearningRate = *t.LearningRate
		}
		if t.WeightDecay != nil {
			c.WeightDecay = *t.WeightDecay
		}
		if t.Gamma != nil {
			c.Gamma = *t.Gamma
		}
		setInt(&c.StepSize, t.StepSize)
		setInt(&c.BaseFilters, t.BaseFilters)
	}
	if l := h.Logging; l != nil {
		setString(&c.LogLevel, l.Level)
		setString(&c.LogFormat, l.Format)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// envContext exposes the process environment to HCL expressions.
func envContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}
