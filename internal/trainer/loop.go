package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"prostate-seg/internal/config"
	"prostate-seg/internal/ctxlog"
	"prostate-seg/internal/dataset"
	"prostate-seg/internal/loss"
	"prostate-seg/internal/metrics"
	"prostate-seg/internal/model"
	"prostate-seg/internal/optim"
	"prostate-seg/internal/tensor"
)

// Options captures the knobs required by the training loop.
type Options struct {
	Epochs        int
	ValidateEvery int
	Background    bool
	LearningRate  float64
	WeightDecay   float64
	StepSize      int
	Gamma         float64
	LossDivisor   string
	// CheckpointPath receives the weights after the last epoch. Empty skips
	// the save.
	CheckpointPath string
}

// Report is the outcome of one validation pass.
type Report struct {
	Loss float64
	// Dice holds 1 - mean Dice per class, as printed.
	Dice []float64
}

// Result summarises a completed Fit.
type Result struct {
	EpochLosses []float64
	Validations []Report
	Final       Report

	TrainSubjects int
	ValidSubjects int
}

// Trainer owns the model, optimizer and schedule for one run. Console
// lines go to out; operational logs go to the context logger.
type Trainer struct {
	model     model.Model
	opt       *optim.AdamW
	sched     *optim.StepLR
	criterion loss.Dice
	// validation always scores every class
	valCriterion loss.Dice
	dice         *metrics.DiceAccumulator
	opts         Options
	out          io.Writer
}

// New binds a fresh AdamW and StepLR to m.
func New(m model.Model, opts Options, out io.Writer) (*Trainer, error) {
	if opts.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if opts.ValidateEvery <= 0 {
		opts.ValidateEvery = 3
	}
	if opts.LossDivisor == "" {
		opts.LossDivisor = config.DivisorValidation
	}
	opt := optim.NewAdamW(m.Parameters(), opts.LearningRate, opts.WeightDecay)
	return &Trainer{
		model:        m,
		opt:          opt,
		sched:        optim.NewStepLR(opt, opts.StepSize, opts.Gamma),
		criterion:    loss.NewDice(opts.Background),
		valCriterion: loss.NewDice(true),
		dice:         metrics.NewDiceAccumulator(m.NumClasses()),
		opts:         opts,
		out:          out,
	}, nil
}

// ShouldValidate reports whether the 0-indexed epoch triggers a validation.
func ShouldValidate(epoch, every int) bool {
	return every > 0 && epoch%every == 0
}

// Fit trains for the configured number of epochs, validating every
// ValidateEvery epochs, then saves the weights and validates once more.
func (t *Trainer) Fit(ctx context.Context, train, valid *dataset.Loader) (Result, error) {
	logger := ctxlog.FromContext(ctx)
	var res Result

	divisor := valid.Len()
	if t.opts.LossDivisor == config.DivisorTraining {
		divisor = train.Len()
	}

	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		running, snap, err := t.TrainEpoch(ctx, train, epoch)
		if err != nil {
			return res, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		t.sched.Step()

		if ShouldValidate(epoch, t.opts.ValidateEvery) {
			rep, err := t.Validate(ctx, valid)
			if err != nil {
				return res, fmt.Errorf("validate epoch %d: %w", epoch+1, err)
			}
			res.Validations = append(res.Validations, rep)
		}

		epochLoss := running / float64(divisor)
		res.EpochLosses = append(res.EpochLosses, epochLoss)
		fmt.Fprintf(t.out, "Epoch %d/%d, Loss: %s\n", epoch+1, t.opts.Epochs, pyFloat(epochLoss))
		logger.Info("epoch complete",
			"epoch", epoch+1,
			"loss", epochLoss,
			"lr", t.opt.LR(),
			"steps", snap.Steps,
			"volumes", snap.Volumes,
			"volumes_per_sec", snap.VolumesPerSec,
			"mvoxels_per_sec", snap.MegavoxelsPerSec,
			"mean_batch_loss", snap.MeanLoss,
			"worst_batch_loss", snap.WorstLoss,
			"data_ms", snap.AvgDataMS,
			"compute_ms", snap.AvgComputeMS,
		)
	}

	if t.opts.CheckpointPath != "" {
		if err := model.SaveFile(t.opts.CheckpointPath, t.model); err != nil {
			return res, fmt.Errorf("save checkpoint: %w", err)
		}
		logger.Info("checkpoint saved", "path", t.opts.CheckpointPath)
	}

	final, err := t.Validate(ctx, valid)
	if err != nil {
		return res, fmt.Errorf("final validate: %w", err)
	}
	res.Final = final
	return res, nil
}

// TrainEpoch runs one pass over loader and returns the summed batch losses
// along with the epoch's throughput snapshot.
func (t *Trainer) TrainEpoch(ctx context.Context, loader *dataset.Loader, epoch int) (float64, metrics.Snapshot, error) {
	logger := ctxlog.FromContext(ctx)
	var window metrics.Window
	running := 0.0

	startData := time.Now()
	err := loader.ForEach(ctx, epoch, func(b dataset.Batch) error {
		dataTime := time.Since(startData)

		startCompute := time.Now()
		l, err := t.step(b)
		if err != nil {
			return fmt.Errorf("batch %s: %w", strings.Join(b.Keys, ","), err)
		}
		computeTime := time.Since(startCompute)

		running += l
		window.Record(b.Size(), int64(len(b.Masks)), dataTime, computeTime, l)
		logger.Debug("train step", "epoch", epoch+1, "keys", b.Keys, "loss", l)
		startData = time.Now()
		return nil
	})
	if err != nil {
		return 0, metrics.Snapshot{}, err
	}
	return running, window.Snapshot(), nil
}

func (t *Trainer) step(b dataset.Batch) (float64, error) {
	target, err := t.oneHot(b.Masks)
	if err != nil {
		return 0, err
	}
	t.opt.ZeroGrad()
	tp := tensor.NewTape()
	out, err := t.model.Forward(tp, b.Inputs, true)
	if err != nil {
		return 0, err
	}
	l, err := t.criterion.Forward(tp, out.Logits, target)
	if err != nil {
		return 0, err
	}
	if err := tp.Backward(l); err != nil {
		return 0, err
	}
	t.opt.Step()
	return l.Item(), nil
}

// Validate scores the model on loader with dropout disabled and no gradient
// tracking, prints the test loss and per-class Dice, and returns them.
func (t *Trainer) Validate(ctx context.Context, loader *dataset.Loader) (Report, error) {
	t.dice.Reset()
	total := 0.0
	err := loader.ForEach(ctx, 0, func(b dataset.Batch) error {
		target, err := t.oneHot(b.Masks)
		if err != nil {
			return fmt.Errorf("batch %s: %w", strings.Join(b.Keys, ","), err)
		}
		out, err := t.model.Forward(nil, b.Inputs, false)
		if err != nil {
			return err
		}
		l, err := t.valCriterion.Forward(nil, out.Logits, target)
		if err != nil {
			return err
		}
		total += l.Item()
		return t.dice.Add(out.Predictions.Data, target)
	})
	if err != nil {
		return Report{}, err
	}

	n := loader.Len()
	rep := Report{Loss: total / float64(n), Dice: t.dice.Reported(n)}
	fmt.Fprintf(t.out, "Test Loss: %s\n", pyFloat(rep.Loss))
	fmt.Fprintf(t.out, "Average Dice Score: %s\n", pyFloatList(rep.Dice))
	return rep, nil
}

func (t *Trainer) oneHot(mask []float32) ([]float32, error) {
	labels, err := loss.ClassIndices(mask, t.model.NumClasses())
	if err != nil {
		return nil, err
	}
	return loss.OneHot(labels, t.model.NumClasses())
}
