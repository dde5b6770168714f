package quant

import (
	"fmt"
	"math"

	"quantbench/internal/model"
)

type observed interface {
	Observer() *Observer
}

// biasLimit bounds a quantized bias, leaving int32 headroom for the products
// accumulated on top of it.
const biasLimit = 1 << 30

type point struct {
	name string
	obs  *Observer
	QParams
}

func pointParams(net *model.SimpleCNN, name string, weights []float32) (*point, error) {
	q, ok := net.Quantizer(name)
	if !ok {
		return nil, fmt.Errorf("convert: no observer at %s: %w", name, ErrUncalibrated)
	}
	o, ok := q.(observed)
	if !ok {
		return nil, fmt.Errorf("convert: quantizer at %s has no observer", name)
	}
	obs := o.Observer()
	if weights != nil {
		obs.Observe(weights)
	}
	p, err := obs.QParams()
	if err != nil {
		return nil, fmt.Errorf("convert: %s: %w", name, err)
	}
	return &point{name: name, obs: obs, QParams: p}, nil
}

// raise recomputes the point's parameters with scale at least floor.
func (p *point) raise(floor float64) error {
	q, err := p.obs.qparams(floor)
	if err != nil {
		return fmt.Errorf("convert: %s: %w", p.name, err)
	}
	p.QParams = q
	return nil
}

// fitBias widens in or w until every bias is within biasLimit steps of
// in.Scale*w.Scale. A collapsed input range is widened first because it is
// exact at any scale; otherwise the weight scale gives way.
func fitBias(bias []float32, in, w *point) error {
	var peak float64
	for _, b := range bias {
		peak = max(peak, math.Abs(float64(b)))
	}
	need := peak / biasLimit
	if in.Scale*w.Scale >= need {
		return nil
	}
	if in.obs.Collapsed() {
		return in.raise(need / w.Scale)
	}
	return w.raise(need / in.Scale)
}

// Convert builds an integer model from a prepared and calibrated network.
// Conversion is destructive: net releases its float weights and can no longer
// run forward passes.
func Convert(net *model.SimpleCNN) (*Model, error) {
	if net.Converted() {
		return nil, model.ErrConverted
	}
	params := net.Params()
	convW, convB, fcW, fcB := params[0], params[1], params[2], params[3]

	in, err := pointParams(net, model.PointInput, nil)
	if err != nil {
		return nil, err
	}
	cw, err := pointParams(net, model.PointConvWeight, convW.Data)
	if err != nil {
		return nil, err
	}
	act, err := pointParams(net, model.PointConvAct, nil)
	if err != nil {
		return nil, err
	}
	fw, err := pointParams(net, model.PointFCWeight, fcW.Data)
	if err != nil {
		return nil, err
	}
	out, err := pointParams(net, model.PointFCAct, nil)
	if err != nil {
		return nil, err
	}

	// conv.act is the input of the fc layer, so it is settled before either
	// multiplier is derived from it.
	if err := fitBias(fcB.Data, act, fw); err != nil {
		return nil, err
	}
	if err := fitBias(convB.Data, in, cw); err != nil {
		return nil, err
	}

	m := &Model{
		geo:      net.Geometry(),
		in:       in.QParams,
		convWQ:   cw.QParams,
		convAct:  act.QParams,
		fcWQ:     fw.QParams,
		fcAct:    out.QParams,
		convW:    quantizeWeights(convW.Data, cw.QParams),
		convB:    quantizeBias(convB.Data, in.Scale*cw.Scale),
		fcW:      quantizeWeights(fcW.Data, fw.QParams),
		fcB:      quantizeBias(fcB.Data, act.Scale*fw.Scale),
		convMult: in.Scale * cw.Scale / act.Scale,
		fcMult:   act.Scale * fw.Scale / out.Scale,
	}
	m.center()
	net.Release()
	return m, nil
}

func quantizeWeights(w []float32, p QParams) []int8 {
	out := make([]int8, len(w))
	for i, v := range w {
		out[i] = int8(p.Quantize(v))
	}
	return out
}

func quantizeBias(b []float32, scale float64) []int32 {
	out := make([]int32, len(b))
	for i, v := range b {
		out[i] = saturate32(math.Round(float64(v) / scale))
	}
	return out
}

func saturate32(v float64) int32 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= math.MinInt32:
		return math.MinInt32
	case v >= math.MaxInt32:
		return math.MaxInt32
	}
	return int32(v)
}
