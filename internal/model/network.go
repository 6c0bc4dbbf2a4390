package model

import (
	"fmt"
	"math"
	"sort"

	"github.com/sparsha-ai/skin-api/internal/tensor"
)

// layer is one stage of the network. Backward receives the gradient
// with respect to the layer's output and returns the gradient with
// respect to its input; each layer caches what it needs from the last
// Forward call, so a network must not run concurrent passes (the
// predictor serializes them).
type layer interface {
	Name() string
	Forward(in *tensor.Tensor) (*tensor.Tensor, error)
	Backward(dOut *tensor.Tensor) (*tensor.Tensor, error)
}

// paramLayer exposes named parameter tensors for checkpoint loading.
type paramLayer interface {
	layer
	Params() map[string]*tensor.Tensor
}

// NetworkConfig sizes a network. Channels holds the width of each
// conv block; the production topology uses the defaults, tests shrink
// both fields to keep pure-Go convolutions fast.
type NetworkConfig struct {
	InputSize  int
	Channels   []int
	NumClasses int
}

// Network is a compact convolutional classifier: strided conv+SiLU
// feature blocks, global average pooling, and a linear head laid out
// so parameter names line up with the training checkpoint
// (features.<i>.weight, classifier.1.weight, ...).
type Network struct {
	inputSize  int
	numClasses int
	layers     []layer
	hooks      map[string]*HookSet
}

func NewNetwork(cfg NetworkConfig) *Network {
	n := &Network{
		inputSize:  cfg.InputSize,
		numClasses: cfg.NumClasses,
		hooks:      make(map[string]*HookSet),
	}
	inC := 3
	for i, outC := range cfg.Channels {
		stride := 2
		if i == len(cfg.Channels)-1 {
			stride = 1
		}
		n.layers = append(n.layers, newConvBlock(fmt.Sprintf("features.%d", i), inC, outC, 3, stride, 1))
		inC = outC
	}
	n.layers = append(n.layers,
		&globalAvgPool{name: "avgpool"},
		&dropout{name: "classifier.0"},
		newLinear("classifier.1", inC, cfg.NumClasses),
	)
	return n
}

func (n *Network) InputSize() int  { return n.inputSize }
func (n *Network) NumClasses() int { return n.numClasses }

// LastConvLayer returns the name of the final feature block, the
// conventional target for class activation mapping.
func (n *Network) LastConvLayer() string {
	name := ""
	for _, l := range n.layers {
		if _, ok := l.(*convBlock); ok {
			name = l.Name()
		}
	}
	return name
}

// HasLayer reports whether a layer with the given name exists.
func (n *Network) HasLayer(name string) bool {
	for _, l := range n.layers {
		if l.Name() == name {
			return true
		}
	}
	return false
}

// LoadParams copies the checkpoint mapping onto the topology
// non-strictly: parameters present in the checkpoint but absent from
// the network (and vice versa) are reported, not fatal. A shape
// mismatch on a matching key is an error.
func (n *Network) LoadParams(params map[string]*tensor.Tensor) (missing, unexpected []string, err error) {
	wanted := make(map[string]*tensor.Tensor)
	for _, l := range n.layers {
		pl, ok := l.(paramLayer)
		if !ok {
			continue
		}
		for key, dst := range pl.Params() {
			wanted[key] = dst
		}
	}

	for key, dst := range wanted {
		src, ok := params[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if !shapeEqual(dst.Shape, src.Shape) {
			return nil, nil, fmt.Errorf("parameter %q has shape %v, want %v", key, src.Shape, dst.Shape)
		}
		copy(dst.Data, src.Data)
	}
	for key := range params {
		if _, ok := wanted[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Forward runs one CHW image through the stack and returns the logits.
// Registered forward hooks capture the output of their layer.
func (n *Network) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	out := in
	var err error
	for _, l := range n.layers {
		out, err = l.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("forward pass failed at %s: %w", l.Name(), err)
		}
		if hook, ok := n.hooks[l.Name()]; ok {
			hook.Activation = out.Clone()
		}
	}
	return out, nil
}

// Backward propagates a gradient seed on the logits down the stack.
// Registered backward hooks capture the gradient flowing into their
// layer (the gradient with respect to that layer's output); once every
// registered hook has captured, propagation stops early.
func (n *Network) Backward(dLogits *tensor.Tensor) error {
	d := dLogits
	var err error
	for i := len(n.layers) - 1; i >= 0; i-- {
		l := n.layers[i]
		if hook, ok := n.hooks[l.Name()]; ok {
			hook.Gradient = d.Clone()
			if n.allHooksCaptured() {
				return nil
			}
		}
		d, err = l.Backward(d)
		if err != nil {
			return fmt.Errorf("backward pass failed at %s: %w", l.Name(), err)
		}
	}
	return nil
}

func (n *Network) allHooksCaptured() bool {
	for _, hook := range n.hooks {
		if hook.Gradient == nil {
			return false
		}
	}
	return true
}

// HookSet is a scoped observation handle on one layer: the forward
// pass fills Activation, the backward pass fills Gradient. Release
// must always be called so no hook state leaks into later calls.
type HookSet struct {
	Activation *tensor.Tensor
	Gradient   *tensor.Tensor
	release    func()
}

func (h *HookSet) Release() {
	if h.release != nil {
		h.release()
		h.release = nil
	}
}

// AcquireHooks registers observation hooks on the named layer. The
// caller owns the returned handle and must Release it.
func (n *Network) AcquireHooks(layerName string) (*HookSet, error) {
	if !n.HasLayer(layerName) {
		return nil, fmt.Errorf("no layer named %q", layerName)
	}
	if _, ok := n.hooks[layerName]; ok {
		return nil, fmt.Errorf("hooks already registered on %q", layerName)
	}
	hook := &HookSet{}
	hook.release = func() { delete(n.hooks, layerName) }
	n.hooks[layerName] = hook
	return hook, nil
}

// ---------------------------------------------------------------- layers

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// convBlock is a 2-D convolution with bias followed by SiLU, the unit
// the feature extractor is built from.
type convBlock struct {
	name        string
	inC, outC   int
	kernel      int
	stride, pad int
	weight      *tensor.Tensor // [outC, inC, k, k]
	bias        *tensor.Tensor // [outC]

	in     *tensor.Tensor // cached input
	preAct *tensor.Tensor // cached pre-activation output
}

func newConvBlock(name string, inC, outC, kernel, stride, pad int) *convBlock {
	return &convBlock{
		name:   name,
		inC:    inC,
		outC:   outC,
		kernel: kernel,
		stride: stride,
		pad:    pad,
		weight: tensor.New(outC, inC, kernel, kernel),
		bias:   tensor.New(outC),
	}
}

func (c *convBlock) Name() string { return c.name }

func (c *convBlock) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		c.name + ".weight": c.weight,
		c.name + ".bias":   c.bias,
	}
}

func (c *convBlock) outDim(in int) int {
	return (in+2*c.pad-c.kernel)/c.stride + 1
}

func (c *convBlock) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if len(in.Shape) != 3 || in.Shape[0] != c.inC {
		return nil, fmt.Errorf("expected [%d,H,W] input, got %v", c.inC, in.Shape)
	}
	h, w := in.Shape[1], in.Shape[2]
	oh, ow := c.outDim(h), c.outDim(w)
	if oh <= 0 || ow <= 0 {
		return nil, fmt.Errorf("input %dx%d too small for kernel %d", h, w, c.kernel)
	}

	c.in = in
	z := tensor.New(c.outC, oh, ow)
	k := c.kernel
	for oc := 0; oc < c.outC; oc++ {
		b := c.bias.Data[oc]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				sum := b
				for ic := 0; ic < c.inC; ic++ {
					for ky := 0; ky < k; ky++ {
						iy := oy*c.stride + ky - c.pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*c.stride + kx - c.pad
							if ix < 0 || ix >= w {
								continue
							}
							sum += c.weight.Data[((oc*c.inC+ic)*k+ky)*k+kx] * in.Data[(ic*h+iy)*w+ix]
						}
					}
				}
				z.Data[(oc*oh+oy)*ow+ox] = sum
			}
		}
	}
	c.preAct = z

	out := tensor.New(c.outC, oh, ow)
	for i, v := range z.Data {
		out.Data[i] = v * sigmoid(v)
	}
	return out, nil
}

func (c *convBlock) Backward(dOut *tensor.Tensor) (*tensor.Tensor, error) {
	if c.in == nil || c.preAct == nil {
		return nil, fmt.Errorf("backward before forward on %s", c.name)
	}
	// SiLU derivative on the cached pre-activation.
	dZ := tensor.New(c.preAct.Shape...)
	for i, z := range c.preAct.Data {
		s := sigmoid(z)
		dZ.Data[i] = dOut.Data[i] * (s + z*s*(1-s))
	}

	h, w := c.in.Shape[1], c.in.Shape[2]
	oh, ow := dZ.Shape[1], dZ.Shape[2]
	dIn := tensor.New(c.inC, h, w)
	k := c.kernel
	for oc := 0; oc < c.outC; oc++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				g := dZ.Data[(oc*oh+oy)*ow+ox]
				if g == 0 {
					continue
				}
				for ic := 0; ic < c.inC; ic++ {
					for ky := 0; ky < k; ky++ {
						iy := oy*c.stride + ky - c.pad
						if iy < 0 || iy >= h {
							continue
						}
						for kx := 0; kx < k; kx++ {
							ix := ox*c.stride + kx - c.pad
							if ix < 0 || ix >= w {
								continue
							}
							dIn.Data[(ic*h+iy)*w+ix] += g * c.weight.Data[((oc*c.inC+ic)*k+ky)*k+kx]
						}
					}
				}
			}
		}
	}
	return dIn, nil
}

// globalAvgPool reduces [C,H,W] to [C].
type globalAvgPool struct {
	name string
	in   *tensor.Tensor
}

func (p *globalAvgPool) Name() string { return p.name }

func (p *globalAvgPool) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if len(in.Shape) != 3 {
		return nil, fmt.Errorf("expected [C,H,W] input, got %v", in.Shape)
	}
	p.in = in
	c, h, w := in.Shape[0], in.Shape[1], in.Shape[2]
	out := tensor.New(c)
	area := float32(h * w)
	for ch := 0; ch < c; ch++ {
		var sum float32
		for i := 0; i < h*w; i++ {
			sum += in.Data[ch*h*w+i]
		}
		out.Data[ch] = sum / area
	}
	return out, nil
}

func (p *globalAvgPool) Backward(dOut *tensor.Tensor) (*tensor.Tensor, error) {
	if p.in == nil {
		return nil, fmt.Errorf("backward before forward on %s", p.name)
	}
	c, h, w := p.in.Shape[0], p.in.Shape[1], p.in.Shape[2]
	dIn := tensor.New(c, h, w)
	area := float32(h * w)
	for ch := 0; ch < c; ch++ {
		g := dOut.Data[ch] / area
		for i := 0; i < h*w; i++ {
			dIn.Data[ch*h*w+i] = g
		}
	}
	return dIn, nil
}

// dropout is inert at inference time; it exists so head parameter
// indices match the training checkpoint (classifier.0 is the dropout
// slot, classifier.1 the linear head).
type dropout struct {
	name string
}

func (d *dropout) Name() string { return d.name }

func (d *dropout) Forward(in *tensor.Tensor) (*tensor.Tensor, error) { return in, nil }

func (d *dropout) Backward(dOut *tensor.Tensor) (*tensor.Tensor, error) { return dOut, nil }

// linear is the fully connected classification head.
type linear struct {
	name   string
	inF    int
	outF   int
	weight *tensor.Tensor // [outF, inF]
	bias   *tensor.Tensor // [outF]
}

func newLinear(name string, inF, outF int) *linear {
	return &linear{
		name:   name,
		inF:    inF,
		outF:   outF,
		weight: tensor.New(outF, inF),
		bias:   tensor.New(outF),
	}
}

func (l *linear) Name() string { return l.name }

func (l *linear) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{
		l.name + ".weight": l.weight,
		l.name + ".bias":   l.bias,
	}
}

func (l *linear) Forward(in *tensor.Tensor) (*tensor.Tensor, error) {
	if in.Len() != l.inF {
		return nil, fmt.Errorf("expected %d features, got %d", l.inF, in.Len())
	}
	out := tensor.New(l.outF)
	for i := 0; i < l.outF; i++ {
		sum := l.bias.Data[i]
		row := l.weight.Data[i*l.inF : (i+1)*l.inF]
		for j, v := range in.Data {
			sum += row[j] * v
		}
		out.Data[i] = sum
	}
	return out, nil
}

func (l *linear) Backward(dOut *tensor.Tensor) (*tensor.Tensor, error) {
	dIn := tensor.New(l.inF)
	for i := 0; i < l.outF; i++ {
		g := dOut.Data[i]
		if g == 0 {
			continue
		}
		row := l.weight.Data[i*l.inF : (i+1)*l.inF]
		for j := range dIn.Data {
			dIn.Data[j] += g * row[j]
		}
	}
	return dIn, nil
}
