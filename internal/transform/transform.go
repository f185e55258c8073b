package transform

import (
	"fmt"
	"math"
	"math/rand"
)

// Transform mutates a subject in place.
type Transform interface {
	Name() string
	// Random reports whether Apply draws from rng. Random transforms are
	// dropped from evaluation pipelines.
	Random() bool
	Apply(s *Subject, rng *rand.Rand) error
}

// Pipeline applies transforms in order.
type Pipeline []Transform

// Apply runs every transform on s.
func (p Pipeline) Apply(s *Subject, rng *rand.Rand) error {
	if err := checkPair(s); err != nil {
		return err
	}
	for _, t := range p {
		if err := t.Apply(s, rng); err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}
	}
	return nil
}

// Deterministic returns the pipeline without its random transforms.
func (p Pipeline) Deterministic() Pipeline {
	out := make(Pipeline, 0, len(p))
	for _, t := range p {
		if !t.Random() {
			out = append(out, t)
		}
	}
	return out
}

// Names lists the transforms in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, t := range p {
		names[i] = t.Name()
	}
	return names
}

// Default returns the training sequence: rescale to [0,1], random flip,
// resize to grid, random affine, random elastic deformation, z-normalize.
func Default(grid [3]int) Pipeline {
	return Pipeline{
		RescaleIntensity{OutMin: 0, OutMax: 1},
		RandomFlip{Axes: []int{0}, Probability: 0.5},
		Resize{Shape: grid},
		RandomAffine{Degrees: 10, Scale: 0.1},
		RandomElastic{ControlPoints: 7, MaxDisplacement: 7.5, LockedBorders: 2},
		ZNormalization{},
	}
}

// RescaleIntensity linearly maps the image range onto [OutMin, OutMax].
type RescaleIntensity struct {
	OutMin, OutMax float32
}

func (RescaleIntensity) Name() string { return "rescale_intensity" }
func (RescaleIntensity) Random() bool { return false }

func (t RescaleIntensity) Apply(s *Subject, _ *rand.Rand) error {
	lo, hi := s.Image.minMax()
	span := hi - lo
	for i, v := range s.Image.Data {
		if span == 0 {
			s.Image.Data[i] = t.OutMin
			continue
		}
		s.Image.Data[i] = t.OutMin + (v-lo)/span*(t.OutMax-t.OutMin)
	}
	return nil
}

// ZNormalization shifts the image to zero mean and unit standard deviation.
// A constant image is only centred.
type ZNormalization struct{}

func (ZNormalization) Name() string { return "z_normalization" }
func (ZNormalization) Random() bool { return false }

func (ZNormalization) Apply(s *Subject, _ *rand.Rand) error {
	n := float64(s.Image.Len())
	if n == 0 {
		return fmt.Errorf("empty image")
	}
	var mean float64
	for _, v := range s.Image.Data {
		mean += float64(v)
	}
	mean /= n
	var variance float64
	for _, v := range s.Image.Data {
		d := float64(v) - mean
		variance += d * d
	}
	std := math.Sqrt(variance / n)
	if std == 0 {
		std = 1
	}
	for i, v := range s.Image.Data {
		s.Image.Data[i] = float32((float64(v) - mean) / std)
	}
	return nil
}

// RandomFlip mirrors the subject along each listed axis with the given
// probability.
type RandomFlip struct {
	Axes        []int
	Probability float64
}

func (RandomFlip) Name() string { return "random_flip" }
func (RandomFlip) Random() bool { return true }

func (t RandomFlip) Apply(s *Subject, rng *rand.Rand) error {
	for _, axis := range t.Axes {
		if axis < 0 || axis > 2 {
			return fmt.Errorf("invalid axis %d", axis)
		}
		if rng.Float64() >= t.Probability {
			continue
		}
		flip(s.Image, axis)
		if s.Label != nil {
			flip(s.Label, axis)
		}
	}
	return nil
}

func flip(v *Volume, axis int) {
	nx, ny, nz := v.Dims[0], v.Dims[1], v.Dims[2]
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				var mx, my, mz int
				switch axis {
				case 0:
					mx, my, mz = nx-1-x, y, z
					if mx <= x {
						continue
					}
				case 1:
					mx, my, mz = x, ny-1-y, z
					if my <= y {
						continue
					}
				default:
					mx, my, mz = x, y, nz-1-z
					if mz <= z {
						continue
					}
				}
				a, b := v.index(x, y, z), v.index(mx, my, mz)
				v.Data[a], v.Data[b] = v.Data[b], v.Data[a]
			}
		}
	}
}

// Resize resamples the subject onto a fixed grid, keeping the physical
// extent and updating the affine accordingly.
type Resize struct {
	Shape [3]int
}

func (Resize) Name() string { return "resize" }
func (Resize) Random() bool { return false }

func (t Resize) Apply(s *Subject, _ *rand.Rand) error {
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("invalid target shape %v", t.Shape)
		}
	}
	if s.Image.Dims == t.Shape {
		return nil
	}
	in := s.Image.Dims
	var ratio [3]float64
	for a := 0; a < 3; a++ {
		ratio[a] = float64(in[a]) / float64(t.Shape[a])
	}
	affine := s.Image.Affine
	for row := 0; row < 3; row++ {
		shift := 0.0
		for a := 0; a < 3; a++ {
			shift += s.Image.Affine[row][a] * (0.5*ratio[a] - 0.5)
			affine[row][a] = s.Image.Affine[row][a] * ratio[a]
		}
		affine[row][3] = s.Image.Affine[row][3] + shift
	}
	coord := func(i, j, k int) (float64, float64, float64) {
		return (float64(i)+0.5)*ratio[0] - 0.5, (float64(j)+0.5)*ratio[1] - 0.5, (float64(k)+0.5)*ratio[2] - 0.5
	}
	s.Image = resample(s.Image, t.Shape, affine, false, true, 0, coord)
	if s.Label != nil {
		s.Label = resample(s.Label, t.Shape, affine, true, true, 0, coord)
	}
	return nil
}

// RandomAffine rotates each axis by a uniform angle in [-Degrees, Degrees]
// and scales each axis by a factor in [1-Scale, 1+Scale] about the volume
// centre. Voxels mapped from outside the grid take the image minimum (0 for
// labels).
type RandomAffine struct {
	Degrees float64
	Scale   float64
}

func (RandomAffine) Name() string { return "random_affine" }
func (RandomAffine) Random() bool { return true }

func (t RandomAffine) Apply(s *Subject, rng *rand.Rand) error {
	var angles, scales [3]float64
	for a := 0; a < 3; a++ {
		scales[a] = 1 + (rng.Float64()*2-1)*t.Scale
	}
	for a := 0; a < 3; a++ {
		angles[a] = (rng.Float64()*2 - 1) * t.Degrees * math.Pi / 180
	}
	m := matMul(rotation(angles), diag(scales))
	inv, ok := invert3(m)
	if !ok {
		return fmt.Errorf("singular affine")
	}
	dims := s.Image.Dims
	c := [3]float64{float64(dims[0]-1) / 2, float64(dims[1]-1) / 2, float64(dims[2]-1) / 2}
	coord := func(i, j, k int) (float64, float64, float64) {
		p := [3]float64{float64(i) - c[0], float64(j) - c[1], float64(k) - c[2]}
		return inv[0][0]*p[0] + inv[0][1]*p[1] + inv[0][2]*p[2] + c[0],
			inv[1][0]*p[0] + inv[1][1]*p[1] + inv[1][2]*p[2] + c[1],
			inv[2][0]*p[0] + inv[2][1]*p[1] + inv[2][2]*p[2] + c[2]
	}
	lo, _ := s.Image.minMax()
	s.Image = resample(s.Image, dims, s.Image.Affine, false, false, lo, coord)
	if s.Label != nil {
		s.Label = resample(s.Label, dims, s.Label.Affine, true, false, 0, coord)
	}
	return nil
}

// RandomElastic displaces voxels by a smooth random field. Displacements are
// drawn uniformly in [-MaxDisplacement, MaxDisplacement] voxels on a coarse
// ControlPoints³ grid, with the outer LockedBorders layers held at zero, and
// interpolated trilinearly to full resolution.
type RandomElastic struct {
	ControlPoints   int
	MaxDisplacement float64
	LockedBorders   int
}

func (RandomElastic) Name() string { return "random_elastic_deformation" }
func (RandomElastic) Random() bool { return true }

func (t RandomElastic) Apply(s *Subject, rng *rand.Rand) error {
	n := t.ControlPoints
	if n < 2 {
		return fmt.Errorf("need at least 2 control points, got %d", n)
	}
	var field [3]*Volume
	for a := 0; a < 3; a++ {
		field[a] = NewVolume([3]int{n, n, n}, Identity())
		for i := range field[a].Data {
			field[a].Data[i] = float32((rng.Float64()*2 - 1) * t.MaxDisplacement)
		}
		for z := 0; z < n; z++ {
			for y := 0; y < n; y++ {
				for x := 0; x < n; x++ {
					if t.locked(x, n) || t.locked(y, n) || t.locked(z, n) {
						field[a].Data[field[a].index(x, y, z)] = 0
					}
				}
			}
		}
	}
	dims := s.Image.Dims
	var step [3]float64
	for a := 0; a < 3; a++ {
		step[a] = float64(n-1) / math.Max(1, float64(dims[a]-1))
	}
	coord := func(i, j, k int) (float64, float64, float64) {
		gx, gy, gz := float64(i)*step[0], float64(j)*step[1], float64(k)*step[2]
		return float64(i) + float64(field[0].sampleLinear(gx, gy, gz, 0, true)),
			float64(j) + float64(field[1].sampleLinear(gx, gy, gz, 0, true)),
			float64(k) + float64(field[2].sampleLinear(gx, gy, gz, 0, true))
	}
	lo, _ := s.Image.minMax()
	s.Image = resample(s.Image, dims, s.Image.Affine, false, false, lo, coord)
	if s.Label != nil {
		s.Label = resample(s.Label, dims, s.Label.Affine, true, false, 0, coord)
	}
	return nil
}

func (t RandomElastic) locked(i, n int) bool {
	return i < t.LockedBorders || i >= n-t.LockedBorders
}

type mat3 [3][3]float64

func diag(v [3]float64) mat3 {
	return mat3{{v[0], 0, 0}, {0, v[1], 0}, {0, 0, v[2]}}
}

func rotation(angles [3]float64) mat3 {
	cx, sx := math.Cos(angles[0]), math.Sin(angles[0])
	cy, sy := math.Cos(angles[1]), math.Sin(angles[1])
	cz, sz := math.Cos(angles[2]), math.Sin(angles[2])
	rx := mat3{{1, 0, 0}, {0, cx, -sx}, {0, sx, cx}}
	ry := mat3{{cy, 0, sy}, {0, 1, 0}, {-sy, 0, cy}}
	rz := mat3{{cz, -sz, 0}, {sz, cz, 0}, {0, 0, 1}}
	return matMul(rz, matMul(ry, rx))
}

func matMul(a, b mat3) mat3 {
	var out mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

func invert3(m mat3) (mat3, bool) {
	det := m[0][0]*(m[1][1]*m[2][2]-m[1][2]*m[2][1]) -
		m[0][1]*(m[1][0]*m[2][2]-m[1][2]*m[2][0]) +
		m[0][2]*(m[1][0]*m[2][1]-m[1][1]*m[2][0])
	if math.Abs(det) < 1e-12 {
		return mat3{}, false
	}
	inv := 1 / det
	return mat3{
		{(m[1][1]*m[2][2] - m[1][2]*m[2][1]) * inv, (m[0][2]*m[2][1] - m[0][1]*m[2][2]) * inv, (m[0][1]*m[1][2] - m[0][2]*m[1][1]) * inv},
		{(m[1][2]*m[2][0] - m[1][0]*m[2][2]) * inv, (m[0][0]*m[2][2] - m[0][2]*m[2][0]) * inv, (m[0][2]*m[1][0] - m[0][0]*m[1][2]) * inv},
		{(m[1][0]*m[2][1] - m[1][1]*m[2][0]) * inv, (m[0][1]*m[2][0] - m[0][0]*m[2][1]) * inv, (m[0][0]*m[1][1] - m[0][1]*m[1][0]) * inv},
	}, true
}
