package quant

import (
	"fmt"
	"math"

	"quantbench/internal/model"
)

// Model is the converted, integer-arithmetic form of SimpleCNN. Activations are
// quint8, weights qint8, accumulators and biases int32. ReLU is fused into the
// convolution requantization. Only the logits are dequantized.
type Model struct {
	geo     model.Geometry
	in      QParams
	convWQ  QParams
	convAct QParams
	fcWQ    QParams
	fcAct   QParams

	convW []int8
	convB []int32
	fcW   []int8
	fcB   []int32

	// real multipliers applied to int32 accumulators before requantization
	convMult float64
	fcMult   float64

	convWc []int32
	fcWc   []int32
}

func (m *Model) center() {
	m.convWc = make([]int32, len(m.convW))
	for i, w := range m.convW {
		m.convWc[i] = int32(w) - m.convWQ.ZeroPoint
	}
	m.fcWc = make([]int32, len(m.fcW))
	for i, w := range m.fcW {
		m.fcWc[i] = int32(w) - m.fcWQ.ZeroPoint
	}
}

// Forward quantizes inputs, runs the integer pipeline and returns float logits.
func (m *Model) Forward(inputs [][]float32) ([][]float32, error) {
	if m.convWc == nil {
		m.center()
	}
	g := m.geo
	inSize := g.InputSize()
	oh, ow := g.ConvOut()
	ph, pw := g.PoolOut()
	ks := g.KernelSize()
	feat := g.Features()
	window := int32(g.Pool * g.Pool)
	reluFloor := max(m.convAct.QMin, m.convAct.ZeroPoint)

	xc := make([]int32, inSize)
	act := make([]int32, g.Filters*oh*ow)
	pooled := make([]int32, feat)
	out := make([][]float32, len(inputs))

	for n, x := range inputs {
		if len(x) != inSize {
			return nil, fmt.Errorf("input %d has %d values, want %d: %w", n, len(x), inSize, model.ErrShapeMismatch)
		}
		for i, v := range x {
			xc[i] = m.in.Quantize(v) - m.in.ZeroPoint
		}

		for f := 0; f < g.Filters; f++ {
			wf := m.convWc[f*ks : (f+1)*ks]
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					acc := int64(m.convB[f])
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
								acc += int64(wf[wrow+kx] * xc[row+ix])
							}
						}
					}
					q := requantize(acc, m.convMult, m.convAct.ZeroPoint)
					act[(f*oh+oy)*ow+ox] = clamp32(q, reluFloor, m.convAct.QMax)
				}
			}
		}

		for f := 0; f < g.Filters; f++ {
			src := act[f*oh*ow:]
			for py := 0; py < ph; py++ {
				for px := 0; px < pw; px++ {
					var sum int32
					for dy := 0; dy < g.Pool; dy++ {
						for dx := 0; dx < g.Pool; dx++ {
							sum += src[(py*g.Pool+dy)*ow+px*g.Pool+dx]
						}
					}
					pooled[(f*ph+py)*pw+px] = (sum + window/2) / window
				}
			}
		}

		logits := make([]float32, g.Classes)
		for k := 0; k < g.Classes; k++ {
			wk := m.fcWc[k*feat : (k+1)*feat]
			acc := int64(m.fcB[k])
			for j, p := range pooled {
				acc += int64((p - m.convAct.ZeroPoint) * wk[j])
			}
			q := requantize(acc, m.fcMult, m.fcAct.ZeroPoint)
			logits[k] = m.fcAct.Dequantize(m.fcAct.Clamp(q))
		}
		out[n] = logits
	}
	return out, nil
}

// requantize scales an accumulator onto an activation grid, saturating at the
// int32 bounds. Callers clamp the result to the grid itself.
func requantize(acc int64, mult float64, zeroPoint int32) int32 {
	return saturate32(math.Round(float64(acc)*mult) + float64(zeroPoint))
}

func clamp32(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// StateDict serializes the integer weights and every activation's parameters.
func (m *Model) StateDict() model.StateDict {
	g := m.geo
	sd := model.StateDict{
		"conv.weight": model.Int8Tensor([]int{g.Filters, g.Channels, g.Kernel, g.Kernel}, m.convW, m.convWQ.Scale, int64(m.convWQ.ZeroPoint)),
		"conv.bias":   model.Int32Tensor([]int{g.Filters}, m.convB, m.in.Scale*m.convWQ.Scale),
		"fc.weight":   model.Int8Tensor([]int{g.Classes, g.Features()}, m.fcW, m.fcWQ.Scale, int64(m.fcWQ.ZeroPoint)),
		"fc.bias":     model.Int32Tensor([]int{g.Classes}, m.fcB, m.convAct.Scale*m.fcWQ.Scale),
	}
	// Activation points carry their quint8 grid bounds as payload.
	for name, p := range map[string]QParams{
		model.PointInput:   m.in,
		model.PointConvAct: m.convAct,
		model.PointFCAct:   m.fcAct,
	} {
		sd[name+".qparams"] = model.Uint8Tensor([]int{2}, []uint8{uint8(p.QMin), uint8(p.QMax)}, p.Scale, int64(p.ZeroPoint))
	}
	return sd
}
