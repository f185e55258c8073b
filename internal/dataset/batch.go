package dataset

import (
	"fmt"

	"prostate-seg/internal/tensor"
	"prostate-seg/internal/transform"
)

// Batch is a stack of transformed subjects.
type Batch struct {
	Keys []string
	// Inputs has shape [N, 1, Z, Y, X].
	Inputs *tensor.Tensor
	// Masks holds the N label maps back to back in the same voxel order as
	// Inputs. Values are raw voxel values, not yet validated class indices.
	Masks []float32
}

// Size returns the number of subjects.
func (b Batch) Size() int { return len(b.Keys) }

// Stack assembles subjects of identical shape into a batch.
func Stack(subjects []*transform.Subject) (Batch, error) {
	if len(subjects) == 0 {
		return Batch{}, fmt.Errorf("dataset: empty batch")
	}
	dims := subjects[0].Image.Dims
	vol := dims[0] * dims[1] * dims[2]
	b := Batch{
		Keys:   make([]string, len(subjects)),
		Inputs: tensor.New(len(subjects), 1, dims[2], dims[1], dims[0]),
		Masks:  make([]float32, len(subjects)*vol),
	}
	for i, s := range subjects {
		if s.Image.Dims != dims {
			return Batch{}, fmt.Errorf("dataset: %s has shape %v, batch expects %v", s.Key, s.Image.Dims, dims)
		}
		if s.Label == nil || s.Label.Dims != dims {
			return Batch{}, fmt.Errorf("dataset: %s has no label map matching %v", s.Key, dims)
		}
		b.Keys[i] = s.Key
		copy(b.Inputs.Data[i*vol:(i+1)*vol], s.Image.Data)
		copy(b.Masks[i*vol:(i+1)*vol], s.Label.Data)
	}
	return b, nil
}
