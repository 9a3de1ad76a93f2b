// Package models provides the segmentation networks used in the domain
// adaptation experiments: a compact U-Net and a Probabilistic U-Net whose
// prior can be sampled for pseudo-label aggregation.
package models

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/seglab/cellmatch/tensor"
)

// Global random source for deterministic initialization and prior sampling.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed sets the global random seed for deterministic weight
// initialization and prior sampling.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

func xavierInit(fanIn, fanOut, n int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := make([]float32, n)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	return data
}

func newParam(shape []int, data []float32) (*tensor.Tensor, error) {
	p, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		return nil, err
	}
	p.SetRequiresGrad(true)
	return p, nil
}

// conv2d is a stride-1 convolution with symmetric zero padding.
type conv2d struct {
	inC, outC, kernel, pad int
	weight                 *tensor.Tensor // [outC, inC, k, k]
	bias                   *tensor.Tensor // [outC]
	input                  *tensor.Tensor // forward cache
}

func newConv2D(inC, outC, kernel, pad int) (*conv2d, error) {
	fanIn := inC * kernel * kernel
	fanOut := outC * kernel * kernel
	weight, err := newParam([]int{outC, inC, kernel, kernel}, xavierInit(fanIn, fanOut, outC*inC*kernel*kernel))
	if err != nil {
		return nil, errors.Wrap(err, "creating conv weight")
	}
	bias, err := newParam([]int{outC}, make([]float32, outC))
	if err != nil {
		return nil, errors.Wrap(err, "creating conv bias")
	}
	return &conv2d{inC: inC, outC: outC, kernel: kernel, pad: pad, weight: weight, bias: bias}, nil
}

func (c *conv2d) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[1] != c.inC {
		return nil, errors.Errorf("conv2d expects [N, %d, H, W], got %v", c.inC, x.Shape)
	}
	c.input = x

	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh := h + 2*c.pad - c.kernel + 1
	ow := w + 2*c.pad - c.kernel + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("conv2d output would be empty for input %v", x.Shape)
	}

	xd := x.Float32s()
	wd := c.weight.Float32s()
	bd := c.bias.Float32s()
	out := make([]float32, n*c.outC*oh*ow)

	for b := 0; b < n; b++ {
		for oc := 0; oc < c.outC; oc++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := bd[oc]
					for ic := 0; ic < c.inC; ic++ {
						for ky := 0; ky < c.kernel; ky++ {
							iy := oy + ky - c.pad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.kernel; kx++ {
								ix := ox + kx - c.pad
								if ix < 0 || ix >= w {
									continue
								}
								xi := ((b*c.inC+ic)*h+iy)*w + ix
								wi := ((oc*c.inC+ic)*c.kernel+ky)*c.kernel + kx
								sum += xd[xi] * wd[wi]
							}
						}
					}
					out[((b*c.outC+oc)*oh+oy)*ow+ox] = sum
				}
			}
		}
	}
	return tensor.NewTensor([]int{n, c.outC, oh, ow}, tensor.Float32, out)
}

func (c *conv2d) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.New("conv2d backward called before forward")
	}
	x := c.input
	n, h, w := x.Shape[0], x.Shape[2], x.Shape[3]
	oh := gradOut.Shape[2]
	ow := gradOut.Shape[3]

	xd := x.Float32s()
	wd := c.weight.Float32s()
	gd := gradOut.Float32s()

	gradW := make([]float32, c.weight.NumElems)
	gradB := make([]float32, c.outC)
	gradX := make([]float32, x.NumElems)

	for b := 0; b < n; b++ {
		for oc := 0; oc < c.outC; oc++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					g := gd[((b*c.outC+oc)*oh+oy)*ow+ox]
					if g == 0 {
						continue
					}
					gradB[oc] += g
					for ic := 0; ic < c.inC; ic++ {
						for ky := 0; ky < c.kernel; ky++ {
							iy := oy + ky - c.pad
							if iy < 0 || iy >= h {
								continue
							}
							for kx := 0; kx < c.kernel; kx++ {
								ix := ox + kx - c.pad
								if ix < 0 || ix >= w {
									continue
								}
								xi := ((b*c.inC+ic)*h+iy)*w + ix
								wi := ((oc*c.inC+ic)*c.kernel+ky)*c.kernel + kx
								gradW[wi] += g * xd[xi]
								gradX[xi] += g * wd[wi]
							}
						}
					}
				}
			}
		}
	}

	gw, err := tensor.NewTensor(c.weight.Shape, tensor.Float32, gradW)
	if err != nil {
		return nil, err
	}
	if err := c.weight.AccumulateGrad(gw); err != nil {
		return nil, errors.Wrap(err, "accumulating conv weight gradient")
	}
	gb, err := tensor.NewTensor(c.bias.Shape, tensor.Float32, gradB)
	if err != nil {
		return nil, err
	}
	if err := c.bias.AccumulateGrad(gb); err != nil {
		return nil, errors.Wrap(err, "accumulating conv bias gradient")
	}
	return tensor.NewTensor(x.Shape, tensor.Float32, gradX)
}

func (c *conv2d) parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

// relu caches the pre-activation for the backward pass.
type relu struct {
	input *tensor.Tensor
}

func (r *relu) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	r.input = x
	xd := x.Float32s()
	out := make([]float32, len(xd))
	for i, v := range xd {
		if v > 0 {
			out[i] = v
		}
	}
	return tensor.NewTensor(x.Shape, tensor.Float32, out)
}

func (r *relu) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if r.input == nil {
		return nil, errors.New("relu backward called before forward")
	}
	xd := r.input.Float32s()
	gd := gradOut.Float32s()
	out := make([]float32, len(gd))
	for i := range gd {
		if xd[i] > 0 {
			out[i] = gd[i]
		}
	}
	return tensor.NewTensor(r.input.Shape, tensor.Float32, out)
}

// maxPool2 halves the spatial dimensions, remembering the argmax positions.
type maxPool2 struct {
	inShape []int
	argmax  []int
}

func (p *maxPool2) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 || x.Shape[2]%2 != 0 || x.Shape[3]%2 != 0 {
		return nil, errors.Errorf("maxPool2 expects even [N, C, H, W], got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := h/2, w/2
	p.inShape = x.Shape

	xd := x.Float32s()
	out := make([]float32, n*c*oh*ow)
	p.argmax = make([]int, len(out))

	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					bestIdx := ((b*c+ch)*h+oy*2)*w + ox*2
					best := xd[bestIdx]
					for dy := 0; dy < 2; dy++ {
						for dx := 0; dx < 2; dx++ {
							idx := ((b*c+ch)*h+oy*2+dy)*w + ox*2 + dx
							if xd[idx] > best {
								best = xd[idx]
								bestIdx = idx
							}
						}
					}
					oi := ((b*c+ch)*oh+oy)*ow + ox
					out[oi] = best
					p.argmax[oi] = bestIdx
				}
			}
		}
	}
	return tensor.NewTensor([]int{n, c, oh, ow}, tensor.Float32, out)
}

func (p *maxPool2) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.argmax == nil {
		return nil, errors.New("maxPool2 backward called before forward")
	}
	gd := gradOut.Float32s()
	out := make([]float32, p.inShape[0]*p.inShape[1]*p.inShape[2]*p.inShape[3])
	for oi, idx := range p.argmax {
		out[idx] += gd[oi]
	}
	return tensor.NewTensor(p.inShape, tensor.Float32, out)
}

// upsample2 doubles the spatial dimensions by nearest neighbor.
type upsample2 struct {
	inShape []int
}

func (u *upsample2) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errors.Errorf("upsample2 expects [N, C, H, W], got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	u.inShape = x.Shape
	oh, ow := h*2, w*2

	xd := x.Float32s()
	out := make([]float32, n*c*oh*ow)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					out[((b*c+ch)*oh+oy)*ow+ox] = xd[((b*c+ch)*h+oy/2)*w+ox/2]
				}
			}
		}
	}
	return tensor.NewTensor([]int{n, c, oh, ow}, tensor.Float32, out)
}

func (u *upsample2) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if u.inShape == nil {
		return nil, errors.New("upsample2 backward called before forward")
	}
	n, c, h, w := u.inShape[0], u.inShape[1], u.inShape[2], u.inShape[3]
	oh, ow := h*2, w*2
	gd := gradOut.Float32s()
	out := make([]float32, n*c*h*w)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					out[((b*c+ch)*h+oy/2)*w+ox/2] += gd[((b*c+ch)*oh+oy)*ow+ox]
				}
			}
		}
	}
	return tensor.NewTensor(u.inShape, tensor.Float32, out)
}

// concatChannels joins two NCHW tensors along the channel axis.
func concatChannels(a, b *tensor.Tensor) (*tensor.Tensor, error) {
	if len(a.Shape) != 4 || len(b.Shape) != 4 {
		return nil, errors.New("concatChannels expects [N, C, H, W] tensors")
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return nil, errors.Errorf("concatChannels shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	n, ca, cb := a.Shape[0], a.Shape[1], b.Shape[1]
	h, w := a.Shape[2], a.Shape[3]
	plane := h * w

	ad := a.Float32s()
	bd := b.Float32s()
	out := make([]float32, n*(ca+cb)*plane)
	for i := 0; i < n; i++ {
		copy(out[i*(ca+cb)*plane:], ad[i*ca*plane:(i+1)*ca*plane])
		copy(out[i*(ca+cb)*plane+ca*plane:], bd[i*cb*plane:(i+1)*cb*plane])
	}
	return tensor.NewTensor([]int{n, ca + cb, h, w}, tensor.Float32, out)
}

// splitChannels is the backward of concatChannels.
func splitChannels(grad *tensor.Tensor, ca, cb int) (*tensor.Tensor, *tensor.Tensor, error) {
	if len(grad.Shape) != 4 || grad.Shape[1] != ca+cb {
		return nil, nil, errors.Errorf("splitChannels expects %d channels, got %v", ca+cb, grad.Shape)
	}
	n, h, w := grad.Shape[0], grad.Shape[2], grad.Shape[3]
	plane := h * w

	gd := grad.Float32s()
	ga := make([]float32, n*ca*plane)
	gb := make([]float32, n*cb*plane)
	for i := 0; i < n; i++ {
		copy(ga[i*ca*plane:], gd[i*(ca+cb)*plane:i*(ca+cb)*plane+ca*plane])
		copy(gb[i*cb*plane:], gd[i*(ca+cb)*plane+ca*plane:(i+1)*(ca+cb)*plane])
	}
	ta, err := tensor.NewTensor([]int{n, ca, h, w}, tensor.Float32, ga)
	if err != nil {
		return nil, nil, err
	}
	tb, err := tensor.NewTensor([]int{n, cb, h, w}, tensor.Float32, gb)
	if err != nil {
		return nil, nil, err
	}
	return ta, tb, nil
}

// linear is a fully connected layer over [N, in] inputs.
type linear struct {
	in, out int
	weight  *tensor.Tensor // [in, out]
	bias    *tensor.Tensor // [out]
	input   *tensor.Tensor
}

func newLinear(in, out int) (*linear, error) {
	weight, err := newParam([]int{in, out}, xavierInit(in, out, in*out))
	if err != nil {
		return nil, errors.Wrap(err, "creating linear weight")
	}
	bias, err := newParam([]int{out}, make([]float32, out))
	if err != nil {
		return nil, errors.Wrap(err, "creating linear bias")
	}
	return &linear{in: in, out: out, weight: weight, bias: bias}, nil
}

func (l *linear) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.in {
		return nil, errors.Errorf("linear expects [N, %d], got %v", l.in, x.Shape)
	}
	l.input = x
	n := x.Shape[0]
	xd := x.Float32s()
	wd := l.weight.Float32s()
	bd := l.bias.Float32s()
	out := make([]float32, n*l.out)
	for b := 0; b < n; b++ {
		for o := 0; o < l.out; o++ {
			sum := bd[o]
			for i := 0; i < l.in; i++ {
				sum += xd[b*l.in+i] * wd[i*l.out+o]
			}
			out[b*l.out+o] = sum
		}
	}
	return tensor.NewTensor([]int{n, l.out}, tensor.Float32, out)
}

func (l *linear) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.New("linear backward called before forward")
	}
	n := l.input.Shape[0]
	xd := l.input.Float32s()
	wd := l.weight.Float32s()
	gd := gradOut.Float32s()

	gradW := make([]float32, l.in*l.out)
	gradB := make([]float32, l.out)
	gradX := make([]float32, n*l.in)
	for b := 0; b < n; b++ {
		for o := 0; o < l.out; o++ {
			g := gd[b*l.out+o]
			gradB[o] += g
			for i := 0; i < l.in; i++ {
				gradW[i*l.out+o] += g * xd[b*l.in+i]
				gradX[b*l.in+i] += g * wd[i*l.out+o]
			}
		}
	}

	gw, err := tensor.NewTensor(l.weight.Shape, tensor.Float32, gradW)
	if err != nil {
		return nil, err
	}
	if err := l.weight.AccumulateGrad(gw); err != nil {
		return nil, errors.Wrap(err, "accumulating linear weight gradient")
	}
	gb, err := tensor.NewTensor(l.bias.Shape, tensor.Float32, gradB)
	if err != nil {
		return nil, err
	}
	if err := l.bias.AccumulateGrad(gb); err != nil {
		return nil, errors.Wrap(err, "accumulating linear bias gradient")
	}
	return tensor.NewTensor(l.input.Shape, tensor.Float32, gradX)
}

func (l *linear) parameters() []*tensor.Tensor {
	return []*tensor.Tensor{l.weight, l.bias}
}

// globalAvgPool reduces [N, C, H, W] to [N, C].
type globalAvgPool struct {
	inShape []int
}

func (g *globalAvgPool) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, errors.Errorf("globalAvgPool expects [N, C, H, W], got %v", x.Shape)
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	g.inShape = x.Shape
	plane := h * w

	xd := x.Float32s()
	out := make([]float32, n*c)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			var sum float32
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				sum += xd[base+i]
			}
			out[b*c+ch] = sum / float32(plane)
		}
	}
	return tensor.NewTensor([]int{n, c}, tensor.Float32, out)
}

func (g *globalAvgPool) backward(gradOut *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inShape == nil {
		return nil, errors.New("globalAvgPool backward called before forward")
	}
	n, c, h, w := g.inShape[0], g.inShape[1], g.inShape[2], g.inShape[3]
	plane := h * w
	gd := gradOut.Float32s()
	out := make([]float32, n*c*plane)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			v := gd[b*c+ch] / float32(plane)
			base := (b*c + ch) * plane
			for i := 0; i < plane; i++ {
				out[base+i] = v
			}
		}
	}
	return tensor.NewTensor(g.inShape, tensor.Float32, out)
}
