package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Add returns a + b for tensors of identical shape.
func (tp *Tape) Add(a, b *Tensor) *Tensor {
	if !SameShape(a.Shape, b.Shape) {
		panic(fmt.Sprintf("tensor: Add shapes %v and %v differ", a.Shape, b.Shape))
	}
	out := New(a.Shape...)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	tp.Record(out, func() {
		for _, in := range []*Tensor{a, b} {
			if in.Grad == nil {
				continue
			}
			for i, g := range out.Grad {
				in.Grad[i] += g
			}
		}
	}, a, b)
	return out
}

// LeakyReLU applies max(x, slope·x).
func (tp *Tape) LeakyReLU(x *Tensor, slope float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		} else {
			out.Data[i] = slope * v
		}
	}
	tp.Record(out, func() {
		for i, g := range out.Grad {
			if x.Data[i] > 0 {
				x.Grad[i] += g
			} else {
				x.Grad[i] += slope * g
			}
		}
	}, x)
	return out
}

// Sigmoid applies the logistic function element-wise.
func (tp *Tape) Sigmoid(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	tp.Record(out, func() {
		for i, g := range out.Grad {
			s := out.Data[i]
			x.Grad[i] += g * s * (1 - s)
		}
	}, x)
	return out
}

// Concat joins a and b along the channel axis.
func (tp *Tape) Concat(a, b *Tensor) *Tensor {
	mustRank("Concat", a, 5)
	mustRank("Concat", b, 5)
	if a.Shape[0] != b.Shape[0] || !SameShape(a.Shape[2:], b.Shape[2:]) {
		panic(fmt.Sprintf("tensor: Concat shapes %v and %v differ outside channels", a.Shape, b.Shape))
	}
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	vol := volume(a.Shape)
	out := New(n, ca+cb, a.Shape[2], a.Shape[3], a.Shape[4])
	blockA, blockB := ca*vol, cb*vol
	for s := 0; s < n; s++ {
		dst := out.Data[s*(blockA+blockB):]
		copy(dst[:blockA], a.Data[s*blockA:(s+1)*blockA])
		copy(dst[blockA:blockA+blockB], b.Data[s*blockB:(s+1)*blockB])
	}
	tp.Record(out, func() {
		for s := 0; s < n; s++ {
			src := out.Grad[s*(blockA+blockB):]
			if a.Grad != nil {
				addInto(a.Grad[s*blockA:(s+1)*blockA], src[:blockA])
			}
			if b.Grad != nil {
				addInto(b.Grad[s*blockB:(s+1)*blockB], src[blockA:blockA+blockB])
			}
		}
	}, a, b)
	return out
}

// UpsampleNearest2x doubles every spatial dimension by voxel replication.
func (tp *Tape) UpsampleNearest2x(x *Tensor) *Tensor {
	mustRank("UpsampleNearest2x", x, 5)
	n, c, d, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], x.Shape[4]
	out := New(n, c, 2*d, 2*h, 2*w)
	inVol, outVol := d*h*w, 8*d*h*w
	parallelFor(n*c, func(p int) {
		in := x.Data[p*inVol : (p+1)*inVol]
		o := out.Data[p*outVol : (p+1)*outVol]
		for z := 0; z < 2*d; z++ {
			for y := 0; y < 2*h; y++ {
				row := o[(z*2*h+y)*2*w:]
				src := in[((z/2)*h+y/2)*w:]
				for xx := 0; xx < 2*w; xx++ {
					row[xx] = src[xx/2]
				}
			}
		}
	})
	tp.Record(out, func() {
		parallelFor(n*c, func(p int) {
			dx := x.Grad[p*inVol : (p+1)*inVol]
			dy := out.Grad[p*outVol : (p+1)*outVol]
			for z := 0; z < 2*d; z++ {
				for y := 0; y < 2*h; y++ {
					row := dy[(z*2*h+y)*2*w:]
					dst := dx[((z/2)*h+y/2)*w:]
					for xx := 0; xx < 2*w; xx++ {
						dst[xx/2] += row[xx]
					}
				}
			}
		})
	}, x)
	return out
}

// Dropout3D zeroes whole channels with probability p and rescales the
// survivors by 1/(1-p). A nil rng or p <= 0 returns x unchanged.
func (tp *Tape) Dropout3D(x *Tensor, p float64, rng *rand.Rand) *Tensor {
	mustRank("Dropout3D", x, 5)
	if rng == nil || p <= 0 {
		return x
	}
	planes := x.Shape[0] * x.Shape[1]
	vol := volume(x.Shape)
	scale := make([]float32, planes)
	if p < 1 {
		keep := float32(1 / (1 - p))
		for i := range scale {
			if rng.Float64() >= p {
				scale[i] = keep
			}
		}
	}
	out := New(x.Shape...)
	for pl := 0; pl < planes; pl++ {
		s := scale[pl]
		if s == 0 {
			continue
		}
		o := out.Data[pl*vol : (pl+1)*vol]
		for i, v := range x.Data[pl*vol : (pl+1)*vol] {
			o[i] = v * s
		}
	}
	tp.Record(out, func() {
		for pl := 0; pl < planes; pl++ {
			s := scale[pl]
			if s == 0 {
				continue
			}
			dx := x.Grad[pl*vol : (pl+1)*vol]
			for i, g := range out.Grad[pl*vol : (pl+1)*vol] {
				dx[i] += g * s
			}
		}
	}, x)
	return out
}

// FlattenChannelsLast reshapes [N,C,D,H,W] into [N·D·H·W, C], the layout
// the loss and metrics consume.
func (tp *Tape) FlattenChannelsLast(x *Tensor) *Tensor {
	mustRank("FlattenChannelsLast", x, 5)
	n, c := x.Shape[0], x.Shape[1]
	vol := volume(x.Shape)
	out := New(n*vol, c)
	for s := 0; s < n; s++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(s*c+ch)*vol : (s*c+ch+1)*vol]
			for v, val := range src {
				out.Data[(s*vol+v)*c+ch] = val
			}
		}
	}
	tp.Record(out, func() {
		for s := 0; s < n; s++ {
			for ch := 0; ch < c; ch++ {
				dst := x.Grad[(s*c+ch)*vol : (s*c+ch+1)*vol]
				for v := range dst {
					dst[v] += out.Grad[(s*vol+v)*c+ch]
				}
			}
		}
	}, x)
	return out
}

// ArgmaxOneHot returns, for every row of x [M,C], a one-hot row marking the
// largest value. Ties resolve to the lowest index. No gradient is recorded.
func ArgmaxOneHot(x *Tensor) *Tensor {
	mustRank("ArgmaxOneHot", x, 2)
	m, c := x.Shape[0], x.Shape[1]
	out := New(m, c)
	for r := 0; r < m; r++ {
		row := x.Data[r*c : (r+1)*c]
		best := 0
		for j := 1; j < c; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		out.Data[r*c+best] = 1
	}
	return out
}

func addInto(dst, src []float32) {
	for i, v := range src {
		dst[i] += v
	}
}
