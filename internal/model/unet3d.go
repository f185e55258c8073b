package model

import (
	"fmt"
	"math/rand"

	"prostate-seg/internal/tensor"
)

const (
	leakySlope = 0.01
	normEps    = 1e-5
	dropoutP   = 0.6
)

// GridMultiple is the divisor every spatial input dimension must satisfy.
// Four stride-2 levels leave a 2x2x2 bottleneck, the smallest grid instance
// normalization can still learn from.
const GridMultiple = 32

// Options sizes the network.
type Options struct {
	InChannels  int
	NumClasses  int
	BaseFilters int
	Seed        int64
}

type conv struct {
	name   string
	w      *tensor.Tensor
	stride int
	pad    int
}

func (c *conv) apply(tp *tensor.Tape, x *tensor.Tensor) *tensor.Tensor {
	return tp.Conv3D(x, c.w, nil, c.stride, c.pad)
}

// UNet3D is the modified 3D U-Net: a residual context pathway of five
// levels, a localization pathway joined by skip connections, and deep
// supervision summing the segmentation maps of the two coarser decoder
// levels into the output.
type UNet3D struct {
	opts  Options
	rng   *rand.Rand
	convs []*conv

	c11, c12, lreluConvC1         *conv
	c2, normLReLUConvC2           *conv
	c3, normLReLUConvC3           *conv
	c4, normLReLUConvC4           *conv
	c5, normLReLUConvC5           *conv
	upL0, l0                      *conv
	convNormLReLUL1, l1, upL1     *conv
	convNormLReLUL2, l2, upL2     *conv
	convNormLReLUL3, l3, upL3     *conv
	convNormLReLUL4, l4, ds2, ds3 *conv
}

var _ Model = (*UNet3D)(nil)

// NewUNet3D builds the network with Kaiming-normal weights drawn from
// opts.Seed.
func NewUNet3D(opts Options) (*UNet3D, error) {
	if opts.InChannels <= 0 || opts.NumClasses <= 0 || opts.BaseFilters <= 0 {
		return nil, fmt.Errorf("model: invalid options %+v", opts)
	}
	m := &UNet3D{opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
	b, in, n := opts.BaseFilters, opts.InChannels, opts.NumClasses

	m.c11 = m.newConv("conv3d_c1_1", in, b, 3, 1)
	m.c12 = m.newConv("conv3d_c1_2", b, b, 3, 1)
	m.lreluConvC1 = m.newConv("lrelu_conv_c1", b, b, 3, 1)

	m.c2 = m.newConv("conv3d_c2", b, 2*b, 3, 2)
	m.normLReLUConvC2 = m.newConv("norm_lrelu_conv_c2", 2*b, 2*b, 3, 1)
	m.c3 = m.newConv("conv3d_c3", 2*b, 4*b, 3, 2)
	m.normLReLUConvC3 = m.newConv("norm_lrelu_conv_c3", 4*b, 4*b, 3, 1)
	m.c4 = m.newConv("conv3d_c4", 4*b, 8*b, 3, 2)
	m.normLReLUConvC4 = m.newConv("norm_lrelu_conv_c4", 8*b, 8*b, 3, 1)
	m.c5 = m.newConv("conv3d_c5", 8*b, 16*b, 3, 2)
	m.normLReLUConvC5 = m.newConv("norm_lrelu_conv_c5", 16*b, 16*b, 3, 1)

	m.upL0 = m.newConv("norm_lrelu_upscale_conv_norm_lrelu_l0", 16*b, 8*b, 3, 1)
	m.l0 = m.newConv("conv3d_l0", 8*b, 8*b, 1, 1)

	m.convNormLReLUL1 = m.newConv("conv_norm_lrelu_l1", 16*b, 16*b, 3, 1)
	m.l1 = m.newConv("conv3d_l1", 16*b, 8*b, 1, 1)
	m.upL1 = m.newConv("norm_lrelu_upscale_conv_norm_lrelu_l1", 8*b, 4*b, 3, 1)

	m.convNormLReLUL2 = m.newConv("conv_norm_lrelu_l2", 8*b, 8*b, 3, 1)
	m.l2 = m.newConv("conv3d_l2", 8*b, 4*b, 1, 1)
	m.upL2 = m.newConv("norm_lrelu_upscale_conv_norm_lrelu_l2", 4*b, 2*b, 3, 1)

	m.convNormLReLUL3 = m.newConv("conv_norm_lrelu_l3", 4*b, 4*b, 3, 1)
	m.l3 = m.newConv("conv3d_l3", 4*b, 2*b, 1, 1)
	m.upL3 = m.newConv("norm_lrelu_upscale_conv_norm_lrelu_l3", 2*b, b, 3, 1)

	m.convNormLReLUL4 = m.newConv("conv_norm_lrelu_l4", 2*b, 2*b, 3, 1)
	m.l4 = m.newConv("conv3d_l4", 2*b, n, 1, 1)

	m.ds2 = m.newConv("ds2_1x1_conv3d", 8*b, n, 1, 1)
	m.ds3 = m.newConv("ds3_1x1_conv3d", 4*b, n, 1, 1)
	return m, nil
}

func (m *UNet3D) newConv(name string, in, out, k, stride int) *conv {
	w := tensor.NewParam(out, in, k, k, k)
	w.KaimingNormal(m.rng, in*k*k*k, leakySlope)
	c := &conv{name: name + ".weight", w: w, stride: stride, pad: k / 2}
	m.convs = append(m.convs, c)
	return c
}

// NumClasses returns the number of output channels.
func (m *UNet3D) NumClasses() int { return m.opts.NumClasses }

// Parameters returns every trainable tensor in a stable order.
func (m *UNet3D) Parameters() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(m.convs))
	for i, c := range m.convs {
		out[i] = c.w
	}
	return out
}

// ParameterCount returns the number of scalar weights.
func (m *UNet3D) ParameterCount() int {
	n := 0
	for _, c := range m.convs {
		n += c.w.Len()
	}
	return n
}

// Forward implements Model.
func (m *UNet3D) Forward(tp *tensor.Tape, x *tensor.Tensor, train bool) (Output, error) {
	if len(x.Shape) != 5 || x.Shape[1] != m.opts.InChannels {
		return Output{}, fmt.Errorf("%w: input %v, want [N,%d,D,H,W]", ErrShapeMismatch, x.Shape, m.opts.InChannels)
	}
	for _, d := range x.Shape[2:] {
		if d <= 0 || d%GridMultiple != 0 {
			return Output{}, fmt.Errorf("%w: spatial dims %v must be multiples of %d", ErrShapeMismatch, x.Shape[2:], GridMultiple)
		}
	}
	seg := m.segment(tp, x, train)
	logits := tp.FlattenChannelsLast(seg)

	var noGrad *tensor.Tape
	return Output{
		Sigmoid:     noGrad.Sigmoid(logits),
		Predictions: tensor.ArgmaxOneHot(logits),
		Logits:      logits,
	}, nil
}

// segment returns the raw [N, classes, D, H, W] segmentation map.
func (m *UNet3D) segment(tp *tensor.Tape, x *tensor.Tensor, train bool) *tensor.Tensor {
	var rng *rand.Rand
	if train {
		rng = m.rng
	}
	lrelu := func(t *tensor.Tensor) *tensor.Tensor { return tp.LeakyReLU(t, leakySlope) }
	norm := func(t *tensor.Tensor) *tensor.Tensor { return tp.InstanceNorm3D(t, normEps) }
	drop := func(t *tensor.Tensor) *tensor.Tensor { return tp.Dropout3D(t, dropoutP, rng) }
	normLReLUConv := func(c *conv, t *tensor.Tensor) *tensor.Tensor { return c.apply(tp, lrelu(norm(t))) }
	convNormLReLU := func(c *conv, t *tensor.Tensor) *tensor.Tensor { return lrelu(norm(c.apply(tp, t))) }
	upscale := func(c *conv, t *tensor.Tensor) *tensor.Tensor {
		return lrelu(norm(c.apply(tp, tp.UpsampleNearest2x(lrelu(norm(t))))))
	}
	contextLevel := func(down, block *conv, t *tensor.Tensor) *tensor.Tensor {
		t = down.apply(tp, t)
		residual := t
		t = normLReLUConv(block, t)
		t = drop(t)
		t = normLReLUConv(block, t)
		return tp.Add(t, residual)
	}

	// Level 1 context pathway
	out := m.c11.apply(tp, x)
	residual := out
	out = m.c12.apply(tp, lrelu(out))
	out = drop(out)
	out = m.lreluConvC1.apply(tp, lrelu(out))
	out = tp.Add(out, residual)
	context1 := lrelu(out)
	out = lrelu(norm(out))

	out = lrelu(norm(contextLevel(m.c2, m.normLReLUConvC2, out)))
	context2 := out
	out = lrelu(norm(contextLevel(m.c3, m.normLReLUConvC3, out)))
	context3 := out
	out = lrelu(norm(contextLevel(m.c4, m.normLReLUConvC4, out)))
	context4 := out

	// Level 5 bottleneck, then back up
	out = contextLevel(m.c5, m.normLReLUConvC5, out)
	out = upscale(m.upL0, out)
	out = lrelu(norm(m.l0.apply(tp, out)))

	// Localization pathway
	out = convNormLReLU(m.convNormLReLUL1, tp.Concat(out, context4))
	out = upscale(m.upL1, m.l1.apply(tp, out))

	out = convNormLReLU(m.convNormLReLUL2, tp.Concat(out, context3))
	ds2 := out
	out = upscale(m.upL2, m.l2.apply(tp, out))

	out = convNormLReLU(m.convNormLReLUL3, tp.Concat(out, context2))
	ds3 := out
	out = upscale(m.upL3, m.l3.apply(tp, out))

	out = convNormLReLU(m.convNormLReLUL4, tp.Concat(out, context1))
	pred := m.l4.apply(tp, out)

	// Deep supervision
	ds := tp.UpsampleNearest2x(m.ds2.apply(tp, ds2))
	ds = tp.Add(ds, m.ds3.apply(tp, ds3))
	ds = tp.UpsampleNearest2x(ds)
	return tp.Add(pred, ds)
}
