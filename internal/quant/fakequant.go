package quant

import "quantbench/internal/model"

// FakeQuantize observes a tensor and rounds it onto the quantization grid in
// floating point, so training sees the quantization error. Gradients pass
// straight through for elements that landed inside the grid.
type FakeQuantize struct {
	observer *Observer
}

func NewFakeQuantize(o *Observer) *FakeQuantize {
	return &FakeQuantize{observer: o}
}

func (f *FakeQuantize) Quantize(x []float32) ([]float32, []bool) {
	f.observer.Observe(x)
	p, err := f.observer.QParams()
	if err != nil {
		return x, nil
	}
	out := make([]float32, len(x))
	pass := make([]bool, len(x))
	for i, v := range x {
		q := p.Round(v)
		pass[i] = q >= p.QMin && q <= p.QMax
		out[i] = p.Dequantize(p.Clamp(q))
	}
	return out, pass
}

func (f *FakeQuantize) Observer() *Observer { return f.observer }

func (f *FakeQuantize) State() model.StateDict {
	sd := f.observer.State()
	if p, err := f.observer.QParams(); err == nil {
		sd["scale"] = model.ScalarTensor(float32(p.Scale))
		sd["zero_point"] = model.ScalarTensor(float32(p.ZeroPoint))
	}
	return sd
}
