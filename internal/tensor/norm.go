package tensor

import "math"

// InstanceNorm3D normalizes every (sample, channel) volume of x to zero mean
// and unit variance. There are no affine parameters.
func (tp *Tape) InstanceNorm3D(x *Tensor, eps float64) *Tensor {
	mustRank("InstanceNorm3D", x, 5)
	planes := x.Shape[0] * x.Shape[1]
	vol := volume(x.Shape)
	out := New(x.Shape...)
	invStd := make([]float64, planes)

	parallelFor(planes, func(p int) {
		in := x.Data[p*vol : (p+1)*vol]
		o := out.Data[p*vol : (p+1)*vol]
		var mean float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(vol)
		var variance float64
		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(vol)
		inv := 1 / math.Sqrt(variance+eps)
		invStd[p] = inv
		for i, v := range in {
			o[i] = float32((float64(v) - mean) * inv)
		}
	})

	tp.Record(out, func() {
		parallelFor(planes, func(p int) {
			dy := out.Grad[p*vol : (p+1)*vol]
			xhat := out.Data[p*vol : (p+1)*vol]
			dx := x.Grad[p*vol : (p+1)*vol]
			var meanDy, meanDyXhat float64
			for i, g := range dy {
				meanDy += float64(g)
				meanDyXhat += float64(g) * float64(xhat[i])
			}
			meanDy /= float64(vol)
			meanDyXhat /= float64(vol)
			inv := invStd[p]
			for i, g := range dy {
				dx[i] += float32(inv * (float64(g) - meanDy - float64(xhat[i])*meanDyXhat))
			}
		})
	}, x)
	return out
}
