package trainer

import (
	"context"
	"fmt"

	"prostate-seg/internal/config"
	"prostate-seg/internal/ctxlog"
	"prostate-seg/internal/loss"
	"prostate-seg/internal/model"
	"prostate-seg/internal/nifti"
	"prostate-seg/internal/tensor"
	"prostate-seg/internal/transform"
)

// PredictOptions names the files for a single-volume prediction.
type PredictOptions struct {
	Checkpoint string
	Input      string
	Output     string
}

// Predict segments one scan with the weights in opts.Checkpoint and writes
// the per-voxel class map, resampled back onto the input grid, as a uint8
// NIfTI volume with the input's affine.
func Predict(ctx context.Context, cfg config.Config, opts PredictOptions) error {
	logger := ctxlog.FromContext(ctx)

	net, err := model.NewUNet3D(model.Options{
		InChannels:  cfg.InChannels,
		NumClasses:  cfg.NumClasses,
		BaseFilters: cfg.BaseFilters,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return err
	}
	if err := model.LoadFile(opts.Checkpoint, net); err != nil {
		return err
	}

	im, err := nifti.ReadFile(opts.Input)
	if err != nil {
		return err
	}
	s := &transform.Subject{Key: opts.Input, Image: transform.FromImage(im)}
	if err := transform.Default(cfg.Grid).Deterministic().Apply(s, nil); err != nil {
		return fmt.Errorf("preprocess %s: %w", opts.Input, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d := s.Image.Dims
	x := tensor.FromSlice(s.Image.Data, 1, 1, d[2], d[1], d[0])
	out, err := net.Forward(nil, x, false)
	if err != nil {
		return err
	}

	labels := loss.Argmax(out.Logits.Data, net.NumClasses())
	seg := transform.NewVolume(d, s.Image.Affine)
	for i, c := range labels {
		seg.Data[i] = float32(c)
	}
	restored := &transform.Subject{Key: opts.Input, Image: seg, Label: seg}
	if err := (transform.Resize{Shape: im.Dims}).Apply(restored, nil); err != nil {
		return err
	}

	pred := &nifti.Image{
		Dims:   im.Dims,
		PixDim: im.PixDim,
		Affine: im.Affine,
		Data:   restored.Label.Data,
	}
	if err := nifti.WriteFile(opts.Output, pred, nifti.Uint8); err != nil {
		return err
	}
	logger.Info("prediction written", "input", opts.Input, "output", opts.Output, "grid", d)
	return nil
}
