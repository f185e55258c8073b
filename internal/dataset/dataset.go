package dataset

import (
	"context"
	"fmt"

	"prostate-seg/internal/nifti"
	"prostate-seg/internal/transform"
)

// Dataset yields raw subjects by index. Implementations must return a fresh
// subject on every call because transforms mutate it.
type Dataset interface {
	Len() int
	Load(ctx context.Context, i int) (*transform.Subject, error)
}

// FileDataset reads NIfTI pairs from disk.
type FileDataset struct {
	pairs []Pair
}

// NewFileDataset wraps pairs.
func NewFileDataset(pairs []Pair) *FileDataset {
	return &FileDataset{pairs: pairs}
}

// Len returns the number of pairs.
func (d *FileDataset) Len() int { return len(d.pairs) }

// Load decodes the scan and label map at index i.
func (d *FileDataset) Load(ctx context.Context, i int) (*transform.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := d.pairs[i]
	img, err := nifti.ReadFile(p.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("load image %s: %w", p.Key, err)
	}
	mask, err := nifti.ReadFile(p.MaskPath)
	if err != nil {
		return nil, fmt.Errorf("load mask %s: %w", p.Key, err)
	}
	if img.Dims != mask.Dims {
		return nil, fmt.Errorf("dataset: %s image %v and mask %v differ", p.Key, img.Dims, mask.Dims)
	}
	return &transform.Subject{
		Key:   p.Key,
		Image: transform.FromImage(img),
		Label: transform.FromImage(mask),
	}, nil
}

// MemoryDataset serves subjects already in memory.
type MemoryDataset []*transform.Subject

// Len returns the number of subjects.
func (d MemoryDataset) Len() int { return len(d) }

// Load returns a deep copy of subject i.
func (d MemoryDataset) Load(ctx context.Context, i int) (*transform.Subject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := d[i]
	out := &transform.Subject{Key: s.Key, Image: cloneVolume(s.Image)}
	if s.Label != nil {
		out.Label = cloneVolume(s.Label)
	}
	return out, nil
}

func cloneVolume(v *transform.Volume) *transform.Volume {
	return &transform.Volume{Dims: v.Dims, Affine: v.Affine, Data: append([]float32(nil), v.Data...)}
}
