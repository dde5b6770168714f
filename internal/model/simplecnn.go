package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Quantization points a Quantizer can be attached to.
const (
	PointInput      = "input"
	PointConvWeight = "conv.weight"
	PointConvAct    = "conv.act"
	PointFCWeight   = "fc.weight"
	PointFCAct      = "fc.act"
)

// Points lists every quantization point in forward order.
var Points = []string{PointInput, PointConvWeight, PointConvAct, PointFCWeight, PointFCAct}

// Quantizer observes a tensor on its way through the network and may replace it
// with a quantized approximation. pass marks the elements whose gradient flows
// straight through; nil means every element passes.
type Quantizer interface {
	Quantize(x []float32) (out []float32, pass []bool)
}

// Stateful quantizers contribute their observer state to the state dict.
type Stateful interface {
	State() StateDict
}

// Geometry describes the input image and layer sizes of SimpleCNN.
type Geometry struct {
	Channels int
	Height   int
	Width    int
	Filters  int
	Kernel   int
	Stride   int
	Pad      int
	Pool     int
	Classes  int
}

// DefaultGeometry is sized for 3x32x32 CIFAR-10 images.
func DefaultGeometry() Geometry {
	return Geometry{
		Channels: 3,
		Height:   32,
		Width:    32,
		Filters:  16,
		Kernel:   3,
		Stride:   2,
		Pad:      1,
		Pool:     4,
		Classes:  10,
	}
}

func (g Geometry) withDefaults() Geometry {
	d := DefaultGeometry()
	if g.Channels <= 0 {
		g.Channels = d.Channels
	}
	if g.Height <= 0 {
		g.Height = d.Height
	}
	if g.Width <= 0 {
		g.Width = d.Width
	}
	if g.Filters <= 0 {
		g.Filters = d.Filters
	}
	if g.Kernel <= 0 {
		g.Kernel = d.Kernel
	}
	if g.Stride <= 0 {
		g.Stride = d.Stride
	}
	if g.Pad < 0 {
		g.Pad = 0
	}
	if g.Pool <= 0 {
		g.Pool = 1
	}
	if g.Classes <= 0 {
		g.Classes = d.Classes
	}
	return g
}

// InputSize is the flattened CHW length of one image.
func (g Geometry) InputSize() int { return g.Channels * g.Height * g.Width }

// ConvOut returns the spatial size of the convolution output.
func (g Geometry) ConvOut() (h, w int) {
	h = (g.Height+2*g.Pad-g.Kernel)/g.Stride + 1
	w = (g.Width+2*g.Pad-g.Kernel)/g.Stride + 1
	return h, w
}

// PoolOut returns the spatial size after average pooling. Partial windows are dropped.
func (g Geometry) PoolOut() (h, w int) {
	ch, cw := g.ConvOut()
	return ch / g.Pool, cw / g.Pool
}

// Features is the length of the vector fed to the classifier head.
func (g Geometry) Features() int {
	ph, pw := g.PoolOut()
	return g.Filters * ph * pw
}

// KernelSize is the number of weights in one convolution filter.
func (g Geometry) KernelSize() int { return g.Channels * g.Kernel * g.Kernel }

// SimpleCNN is a single conv layer, ReLU, average pooling and a linear head,
// trained with softmax cross-entropy.
type SimpleCNN struct {
	geo        Geometry
	convW      *Param
	convB      *Param
	fcW        *Param
	fcB        *Param
	quantizers map[string]Quantizer
	converted  bool
}

// NewSimpleCNN constructs the model with He-uniform initialization.
func NewSimpleCNN(geo Geometry, seed int64) *SimpleCNN {
	geo = geo.withDefaults()
	rng := rand.New(rand.NewSource(seed))
	m := &SimpleCNN{
		geo:        geo,
		convW:      newParam("conv.weight", geo.Filters*geo.KernelSize()),
		convB:      newParam("conv.bias", geo.Filters),
		fcW:        newParam("fc.weight", geo.Classes*geo.Features()),
		fcB:        newParam("fc.bias", geo.Classes),
		quantizers: make(map[string]Quantizer),
	}
	uniform(rng, m.convW.Data, math.Sqrt(6/float64(geo.KernelSize())))
	uniform(rng, m.fcW.Data, 1/math.Sqrt(float64(geo.Features())))
	return m
}

func uniform(rng *rand.Rand, dst []float32, bound float64) {
	for i := range dst {
		dst[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// Geometry returns the layer sizes.
func (m *SimpleCNN) Geometry() Geometry { return m.geo }

// Params returns the trainable tensors in a stable order.
func (m *SimpleCNN) Params() []*Param {
	return []*Param{m.convW, m.convB, m.fcW, m.fcB}
}

// SetQuantizer attaches q at point, replacing any previous quantizer.
func (m *SimpleCNN) SetQuantizer(point string, q Quantizer) {
	m.quantizers[point] = q
}

// Quantizer returns the quantizer attached at point.
func (m *SimpleCNN) Quantizer(point string) (Quantizer, bool) {
	q, ok := m.quantizers[point]
	return q, ok
}

// Converted reports whether Release was called.
func (m *SimpleCNN) Converted() bool { return m.converted }

// Release drops the float weights after a quantized model took them over.
func (m *SimpleCNN) Release() {
	for _, p := range m.Params() {
		p.Data = nil
		p.Grad = nil
	}
	m.converted = true
}

func (m *SimpleCNN) shape(name string) []int {
	g := m.geo
	switch name {
	case "conv.weight":
		return []int{g.Filters, g.Channels, g.Kernel, g.Kernel}
	case "conv.bias":
		return []int{g.Filters}
	case "fc.weight":
		return []int{g.Classes, g.Features()}
	default:
		return []int{g.Classes}
	}
}

// StateDict returns parameters plus the state of any attached observers.
func (m *SimpleCNN) StateDict() StateDict {
	sd := make(StateDict)
	if !m.converted {
		for _, p := range m.Params() {
			sd[p.Name] = FloatTensor(m.shape(p.Name), p.Data)
		}
	}
	for point, q := range m.quantizers {
		s, ok := q.(Stateful)
		if !ok {
			continue
		}
		for key, t := range s.State() {
			sd[point+".observer."+key] = t
		}
	}
	return sd
}

// LoadStateDict copies parameters from sd. Observer entries are ignored.
func (m *SimpleCNN) LoadStateDict(sd StateDict) error {
	if m.converted {
		return ErrConverted
	}
	for _, p := range m.Params() {
		t, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("load state dict: missing %q", p.Name)
		}
		if !sameShape(t.Shape, m.shape(p.Name)) {
			return fmt.Errorf("load state dict: %q has shape %v want %v: %w", p.Name, t.Shape, m.shape(p.Name), ErrShapeMismatch)
		}
		v, err := t.Float32s()
		if err != nil {
			return fmt.Errorf("load state dict: %q: %w", p.Name, err)
		}
		copy(p.Data, v)
	}
	return nil
}

func sameShape(a, b []int) bool {
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

// Forward computes logits without caching activations.
func (m *SimpleCNN) Forward(inputs [][]float32) ([][]float32, error) {
	a, err := m.forward(inputs)
	if err != nil {
		return nil, err
	}
	return a.rows(), nil
}

// ForwardTrain computes logits and returns the matching backward pass.
func (m *SimpleCNN) ForwardTrain(inputs [][]float32) ([][]float32, func([][]float32), error) {
	a, err := m.forward(inputs)
	if err != nil {
		return nil, nil, err
	}
	return a.rows(), func(grad [][]float32) { m.backward(a, grad) }, nil
}

type activations struct {
	n         int
	classes   int
	x         []float32
	convW     []float32
	convWPass []bool
	pre       []float32
	act       []float32
	actPass   []bool
	pooled    []float32
	fcW       []float32
	fcWPass   []bool
	logits    []float32
	logitPass []bool
}

func (a *activations) rows() [][]float32 {
	out := make([][]float32, a.n)
	for i := range out {
		out[i] = a.logits[i*a.classes : (i+1)*a.classes]
	}
	return out
}

func (m *SimpleCNN) quantize(point string, x []float32) ([]float32, []bool) {
	if q, ok := m.quantizers[point]; ok {
		return q.Quantize(x)
	}
	return x, nil
}

func (m *SimpleCNN) forward(inputs [][]float32) (*activations, error) {
	if m.converted {
		return nil, ErrConverted
	}
	g := m.geo
	inSize := g.InputSize()
	n := len(inputs)
	x := make([]float32, n*inSize)
	for i, in := range inputs {
		if len(in) != inSize {
			return nil, fmt.Errorf("input %d has %d values, want %d: %w", i, len(in), inSize, ErrShapeMismatch)
		}
		copy(x[i*inSize:], in)
	}

	a := &activations{n: n, classes: g.Classes}
	a.x, _ = m.quantize(PointInput, x)
	a.convW, a.convWPass = m.quantize(PointConvWeight, m.convW.Data)

	oh, ow := g.ConvOut()
	plane := oh * ow
	a.pre = make([]float32, n*g.Filters*plane)
	Conv2D(a.pre, a.x, a.convW, m.convB.Data, g, n)

	act := make([]float32, len(a.pre))
	for i, v := range a.pre {
		if v > 0 {
			act[i] = v
		}
	}
	a.act, a.actPass = m.quantize(PointConvAct, act)

	a.pooled = make([]float32, n*g.Features())
	AvgPool(a.pooled, a.act, g, n)

	a.fcW, a.fcWPass = m.quantize(PointFCWeight, m.fcW.Data)
	logits := make([]float32, n*g.Classes)
	Linear(logits, a.pooled, a.fcW, m.fcB.Data, n, g.Features(), g.Classes)
	a.logits, a.logitPass = m.quantize(PointFCAct, logits)
	return a, nil
}

// Conv2D writes the convolution of x (n images, CHW) into out (n, filters, oh, ow).
func Conv2D(out, x, w, bias []float32, g Geometry, n int) {
	oh, ow := g.ConvOut()
	inSize := g.InputSize()
	ks := g.KernelSize()
	for img := 0; img < n; img++ {
		xi := x[img*inSize : (img+1)*inSize]
		for f := 0; f < g.Filters; f++ {
			wf := w[f*ks : (f+1)*ks]
			base := (img*g.Filters + f) * oh * ow
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					sum := bias[f]
					for c := 0; c < g.Channels; c++ {
						for ky := 0; ky < g.Kernel; ky++ {
							iy := oy*g.Stride + ky - g.Pad
							if iy < 0 || iy >= g.Height {
								continue
							}
							row := (c*g.Height + iy) * g.Width
							wrow := (c*g.Kernel + ky) * g.Kernel
							for kx := 0; kx < g.Kernel; kx++ {
								ix := ox*g.Stride + kx - g.Pad
								if ix < 0 || ix >= g.Width {
									continue
								}
								sum += wf[wrow+kx] * xi[row+ix]
							}
						}
					}
					out[base+oy*ow+ox] = sum
				}
			}
		}
	}
}

// AvgPool averages non-overlapping Pool x Pool windows of act into out.
func AvgPool(out, act []float32, g Geometry, n int) {
	oh, ow := g.ConvOut()
	ph, pw := g.PoolOut()
	inv := 1 / float32(g.Pool*g.Pool)
	for img := 0; img < n; img++ {
		for f := 0; f < g.Filters; f++ {
			src := act[(img*g.Filters+f)*oh*ow:]
			dst := out[(img*g.Filters+f)*ph*pw:]
			for py := 0; py < ph; py++ {
				for px := 0; px < pw; px++ {
					var sum float32
					for dy := 0; dy < g.Pool; dy++ {
						for dx := 0; dx < g.Pool; dx++ {
							sum += src[(py*g.Pool+dy)*ow+px*g.Pool+dx]
						}
					}
					dst[py*pw+px] = sum * inv
				}
			}
		}
	}
}

// Linear computes out = in * w^T + bias for n rows.
func Linear(out, in, w, bias []float32, n, inDim, outDim int) {
	for r := 0; r < n; r++ {
		row := in[r*inDim : (r+1)*inDim]
		for k := 0; k < outDim; k++ {
			wk := w[k*inDim : (k+1)*inDim]
			sum := bias[k]
			for j, v := range row {
				sum += wk[j] * v
			}
			out[r*outDim+k] = sum
		}
	}
}

func (m *SimpleCNN) backward(a *activations, grad [][]float32) {
	g := m.geo
	feat := g.Features()
	gl := make([]float32, a.n*g.Classes)
	for i := 0; i < a.n && i < len(grad); i++ {
		copy(gl[i*g.Classes:], grad[i])
	}
	mask(gl, a.logitPass)

	dFCW := make([]float32, len(m.fcW.Data))
	gPooled := make([]float32, a.n*feat)
	for r := 0; r < a.n; r++ {
		row := a.pooled[r*feat : (r+1)*feat]
		gp := gPooled[r*feat : (r+1)*feat]
		for k := 0; k < g.Classes; k++ {
			gk := gl[r*g.Classes+k]
			if gk == 0 {
				continue
			}
			m.fcB.Grad[k] += gk
			wk := a.fcW[k*feat : (k+1)*feat]
			dk := dFCW[k*feat : (k+1)*feat]
			for j := range row {
				dk[j] += gk * row[j]
				gp[j] += gk * wk[j]
			}
		}
	}
	accumulate(m.fcW.Grad, dFCW, a.fcWPass)

	oh, ow := g.ConvOut()
	ph, pw := g.PoolOut()
	inv := 1 / float32(g.Pool*g.Pool)
	gPre := make([]float32, len(a.pre))
	for img := 0; img < a.n; img++ {
		for f := 0; f < g.Filters; f++ {
			src := gPooled[(img*g.Filters+f)*ph*pw:]
			base := (img*g.Filters + f) * oh * ow
			for y := 0; y < ph*g.Pool; y++ {
				for x := 0; x < pw*g.Pool; x++ {
					gPre[base+y*ow+x] = src[(y/g.Pool)*pw+x/g.Pool] * inv
				}
			}
		}
	}
	mask(gPre, a.actPass)
	for i, v := range a.pre {
		if v <= 0 {
			gPre[i] = 0
		}
	}

	ks := g.KernelSize()
	inSize := g.InputSize()
	dConvW := make([]float32, len(m.convW.Data))
	for img := 0; img < a.n; img++ {
		xi := a.x[img*inSize : (img+1)*inSize]
		for f := 0; f < g.Filters; f++ {
			df := dConvW[f*ks : (f+1)*ks]
			base := (img*g.Filters + f) * oh * ow
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					gv := gPre[base+oy*ow+ox]
					if gv == 0 {
						continue
					}
					m.convB.Grad[f] += gv
					for c := 0; c < g.Channels; c++ {
						for ky := 0; ky < g.Kernel; ky++ {
							iy := oy*g.Stride + ky - g.Pad
							if iy < 0 || iy >= g.Height {
								continue
							}
							row := (c*g.Height + iy) * g.Width
							wrow := (c*g.Kernel + ky) * g.Kernel
							for kx := 0; kx < g.Kernel; kx++ {
								ix := ox*g.Stride + kx - g.Pad
								if ix < 0 || ix >= g.Width {
									continue
								}
								df[wrow+kx] += gv * xi[row+ix]
							}
						}
					}
				}
			}
		}
	}
	accumulate(m.convW.Grad, dConvW, a.convWPass)
}

func mask(g []float32, pass []bool) {
	if pass == nil {
		return
	}
	for i := range g {
		if !pass[i] {
			g[i] = 0
		}
	}
}

func accumulate(dst, src []float32, pass []bool) {
	for i, v := range src {
		if pass == nil || pass[i] {
			dst[i] += v
		}
	}
}
