// Package transform implements the volumetric preprocessing and augmentation
// pipeline applied to every subject before batching.
//
// Intensity transforms touch the image only. Spatial transforms move the
// image with trilinear interpolation and the label map with nearest-neighbour
// lookup so class indices stay integral.
package transform

import (
	"fmt"
	"math"

	"prostate-seg/internal/nifti"
)

// Volume is a single-channel 3D grid. Data is x-fastest.
type Volume struct {
	Dims   [3]int
	Data   []float32
	Affine [4][4]float64
}

// Subject pairs a scan with its optional label map.
type Subject struct {
	Key   string
	Image *Volume
	Label *Volume
}

// FromImage converts a decoded NIfTI volume without copying voxels.
func FromImage(im *nifti.Image) *Volume {
	return &Volume{Dims: im.Dims, Data: im.Data, Affine: im.Affine}
}

// NewVolume allocates a zero volume.
func NewVolume(dims [3]int, affine [4][4]float64) *Volume {
	return &Volume{Dims: dims, Data: make([]float32, dims[0]*dims[1]*dims[2]), Affine: affine}
}

// Identity returns the 4x4 identity affine.
func Identity() [4][4]float64 {
	return [4][4]float64{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}}
}

// Len returns the voxel count.
func (v *Volume) Len() int { return len(v.Data) }

func (v *Volume) index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

func (v *Volume) minMax() (float32, float32) {
	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, x := range v.Data {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

func checkPair(s *Subject) error {
	if s.Image == nil {
		return fmt.Errorf("transform: subject %q has no image", s.Key)
	}
	if s.Label != nil && s.Label.Dims != s.Image.Dims {
		return fmt.Errorf("transform: subject %q image %v and label %v differ", s.Key, s.Image.Dims, s.Label.Dims)
	}
	return nil
}

// sampleLinear interpolates v at continuous voxel coordinates. With clamp
// the coordinate is pulled onto the grid; otherwise points off the grid read
// pad.
func (v *Volume) sampleLinear(x, y, z float64, pad float32, clamp bool) float32 {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	if clamp {
		x, y, z = clampf(x, nx), clampf(y, ny), clampf(z, nz)
	} else if x < 0 || y < 0 || z < 0 || x > float64(nx-1) || y > float64(ny-1) || z > float64(nz-1) {
		return pad
	}
	x0, y0, z0 := int(x), int(y), int(z)
	x1, y1, z1 := minInt(x0+1, nx-1), minInt(y0+1, ny-1), minInt(z0+1, nz-1)
	fx, fy, fz := float32(x-float64(x0)), float32(y-float64(y0)), float32(z-float64(z0))

	c00 := v.Data[v.index(x0, y0, z0)]*(1-fx) + v.Data[v.index(x1, y0, z0)]*fx
	c10 := v.Data[v.index(x0, y1, z0)]*(1-fx) + v.Data[v.index(x1, y1, z0)]*fx
	c01 := v.Data[v.index(x0, y0, z1)]*(1-fx) + v.Data[v.index(x1, y0, z1)]*fx
	c11 := v.Data[v.index(x0, y1, z1)]*(1-fx) + v.Data[v.index(x1, y1, z1)]*fx
	c0 := c00*(1-fy) + c10*fy
	c1 := c01*(1-fy) + c11*fy
	return c0*(1-fz) + c1*fz
}

func (v *Volume) sampleNearest(x, y, z float64, pad float32, clamp bool) float32 {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	ix, iy, iz := int(math.Round(x)), int(math.Round(y)), int(math.Round(z))
	if clamp {
		ix, iy, iz = clampi(ix, nx), clampi(iy, ny), clampi(iz, nz)
	} else if ix < 0 || iy < 0 || iz < 0 || ix >= nx || iy >= ny || iz >= nz {
		return pad
	}
	return v.Data[v.index(ix, iy, iz)]
}

// resample builds a volume of dims whose voxel (i,j,k) reads src at
// coord(i,j,k).
func resample(src *Volume, dims [3]int, affine [4][4]float64, nearest, clamp bool, pad float32,
	coord func(i, j, k int) (float64, float64, float64)) *Volume {
	out := NewVolume(dims, affine)
	idx := 0
	for k := 0; k < dims[2]; k++ {
		for j := 0; j < dims[1]; j++ {
			for i := 0; i < dims[0]; i++ {
				x, y, z := coord(i, j, k)
				if nearest {
					out.Data[idx] = src.sampleNearest(x, y, z, pad, clamp)
				} else {
					out.Data[idx] = src.sampleLinear(x, y, z, pad, clamp)
				}
				idx++
			}
		}
	}
	return out
}

func clampf(v float64, n int) float64 {
	if v < 0 {
		return 0
	}
	if hi := float64(n - 1); v > hi {
		return hi
	}
	return v
}

func clampi(v, n int) int {
	if v < 0 {
		return 0
	}
	if v > n-1 {
		return n - 1
	}
	return v
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
