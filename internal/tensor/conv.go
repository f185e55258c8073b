package tensor

import "fmt"

// Conv3D convolves x [N,Ci,D,H,W] with cubic kernels w [Co,Ci,K,K,K].
// bias may be nil. Zero padding of pad voxels is applied on every side.
func (tp *Tape) Conv3D(x, w, bias *Tensor, stride, pad int) *Tensor {
	mustRank("Conv3D input", x, 5)
	mustRank("Conv3D weight", w, 5)
	n, ci := x.Shape[0], x.Shape[1]
	d, h, wd := x.Shape[2], x.Shape[3], x.Shape[4]
	co, k := w.Shape[0], w.Shape[2]
	if w.Shape[1] != ci || w.Shape[3] != k || w.Shape[4] != k {
		panic(fmt.Sprintf("tensor: Conv3D weight %v incompatible with input %v", w.Shape, x.Shape))
	}
	if bias != nil && bias.Len() != co {
		panic(fmt.Sprintf("tensor: Conv3D bias has %d values for %d channels", bias.Len(), co))
	}
	if stride < 1 {
		stride = 1
	}
	od := (d+2*pad-k)/stride + 1
	oh := (h+2*pad-k)/stride + 1
	ow := (wd+2*pad-k)/stride + 1
	if od <= 0 || oh <= 0 || ow <= 0 {
		panic(fmt.Sprintf("tensor: Conv3D input %v too small for kernel %d", x.Shape, k))
	}

	g := convGeom{
		ci: ci, co: co, k: k, stride: stride,
		inD: d, inH: h, inW: wd,
		outD: od, outH: oh, outW: ow,
		rd:  validRanges(od, d, stride, pad, k),
		rh:  validRanges(oh, h, stride, pad, k),
		rw:  validRanges(ow, wd, stride, pad, k),
		pad: pad,
	}
	out := New(n, co, od, oh, ow)
	inVol, outVol, k3 := d*h*wd, od*oh*ow, k*k*k

	parallelFor(n*co, func(idx int) {
		b, oc := idx/co, idx%co
		o := out.Data[idx*outVol : (idx+1)*outVol]
		if bias != nil {
			bv := bias.Data[oc]
			for i := range o {
				o[i] = bv
			}
		}
		for ic := 0; ic < ci; ic++ {
			in := x.Data[(b*ci+ic)*inVol : (b*ci+ic+1)*inVol]
			kern := w.Data[(oc*ci+ic)*k3 : (oc*ci+ic+1)*k3]
			g.forEachTap(kern, func(wv float32, kd, kh, kw int) {
				g.accumulate(o, in, wv, kd, kh, kw)
			})
		}
	})

	tp.Record(out, func() {
		if x.Grad != nil {
			parallelFor(n*ci, func(idx int) {
				b, ic := idx/ci, idx%ci
				dx := x.Grad[idx*inVol : (idx+1)*inVol]
				for oc := 0; oc < co; oc++ {
					dy := out.Grad[(b*co+oc)*outVol : (b*co+oc+1)*outVol]
					kern := w.Data[(oc*ci+ic)*k3 : (oc*ci+ic+1)*k3]
					g.forEachTap(kern, func(wv float32, kd, kh, kw int) {
						g.scatter(dx, dy, wv, kd, kh, kw)
					})
				}
			})
		}
		if w.Grad != nil {
			parallelFor(co*ci, func(idx int) {
				oc, ic := idx/ci, idx%ci
				dw := w.Grad[idx*k3 : (idx+1)*k3]
				for b := 0; b < n; b++ {
					dy := out.Grad[(b*co+oc)*outVol : (b*co+oc+1)*outVol]
					in := x.Data[(b*ci+ic)*inVol : (b*ci+ic+1)*inVol]
					for kd := 0; kd < k; kd++ {
						for kh := 0; kh < k; kh++ {
							for kw := 0; kw < k; kw++ {
								dw[(kd*k+kh)*k+kw] += g.correlate(dy, in, kd, kh, kw)
							}
						}
					}
				}
			})
		}
		if bias != nil && bias.Grad != nil {
			for b := 0; b < n; b++ {
				for oc := 0; oc < co; oc++ {
					var s float32
					for _, v := range out.Grad[(b*co+oc)*outVol : (b*co+oc+1)*outVol] {
						s += v
					}
					bias.Grad[oc] += s
				}
			}
		}
	}, x, w, bias)
	return out
}

type span struct{ lo, hi int }

type convGeom struct {
	ci, co, k, stride, pad int
	inD, inH, inW          int
	outD, outH, outW       int
	rd, rh, rw             []span
}

// validRanges returns, for each kernel offset, the inclusive range of output
// positions whose input tap lands inside [0, inLen).
func validRanges(outLen, inLen, stride, pad, k int) []span {
	r := make([]span, k)
	for off := 0; off < k; off++ {
		lo := 0
		if pad-off > 0 {
			lo = (pad - off + stride - 1) / stride
		}
		hi := -1
		if num := inLen - 1 + pad - off; num >= 0 {
			hi = num / stride
		}
		if hi > outLen-1 {
			hi = outLen - 1
		}
		r[off] = span{lo: lo, hi: hi}
	}
	return r
}

func (g *convGeom) forEachTap(kern []float32, fn func(wv float32, kd, kh, kw int)) {
	k := g.k
	for kd := 0; kd < k; kd++ {
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				wv := kern[(kd*k+kh)*k+kw]
				if wv == 0 {
					continue
				}
				fn(wv, kd, kh, kw)
			}
		}
	}
}

// accumulate adds wv * in[tap] into every output voxel for one kernel tap.
func (g *convGeom) accumulate(o, in []float32, wv float32, kd, kh, kw int) {
	s, p := g.stride, g.pad
	rw := g.rw[kw]
	for zd := g.rd[kd].lo; zd <= g.rd[kd].hi; zd++ {
		id := zd*s - p + kd
		for zh := g.rh[kh].lo; zh <= g.rh[kh].hi; zh++ {
			ih := zh*s - p + kh
			row := o[(zd*g.outH+zh)*g.outW:]
			src := in[(id*g.inH+ih)*g.inW:]
			for zw := rw.lo; zw <= rw.hi; zw++ {
				row[zw] += wv * src[zw*s-p+kw]
			}
		}
	}
}

// scatter is the transpose of accumulate: it routes output gradients back to
// the input taps.
func (g *convGeom) scatter(dx, dy []float32, wv float32, kd, kh, kw int) {
	s, p := g.stride, g.pad
	rw := g.rw[kw]
	for zd := g.rd[kd].lo; zd <= g.rd[kd].hi; zd++ {
		id := zd*s - p + kd
		for zh := g.rh[kh].lo; zh <= g.rh[kh].hi; zh++ {
			ih := zh*s - p + kh
			row := dy[(zd*g.outH+zh)*g.outW:]
			dst := dx[(id*g.inH+ih)*g.inW:]
			for zw := rw.lo; zw <= rw.hi; zw++ {
				dst[zw*s-p+kw] += wv * row[zw]
			}
		}
	}
}

// correlate sums dy * in over all output voxels for one kernel tap.
func (g *convGeom) correlate(dy, in []float32, kd, kh, kw int) float32 {
	s, p := g.stride, g.pad
	rw := g.rw[kw]
	var acc float32
	for zd := g.rd[kd].lo; zd <= g.rd[kd].hi; zd++ {
		id := zd*s - p + kd
		for zh := g.rh[kh].lo; zh <= g.rh[kh].hi; zh++ {
			ih := zh*s - p + kh
			row := dy[(zd*g.outH+zh)*g.outW:]
			src := in[(id*g.inH+ih)*g.inW:]
			for zw := rw.lo; zw <= rw.hi; zw++ {
				acc += row[zw] * src[zw*s-p+kw]
			}
		}
	}
	return acc
}
