package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"quantbench/internal/model"
)

// ErrUncalibrated is returned when quantization parameters are requested from an
// observer that has not seen any data.
var ErrUncalibrated = errors.New("quant: observer has not seen any data")

// minScale keeps degenerate (constant) tensors representable.
const minScale = 1.1920929e-07

// Strategy decides how an observed value range maps onto an integer grid.
type Strategy interface {
	Name() string
	// ComputeRange widens the observed bounds into the real range the grid covers.
	ComputeRange(lo, hi float32) (float32, float32)
	// ClampRange returns the integer grid for the given storage type.
	ClampRange(dt model.DType) (qmin, qmax int32)
}

// MinMax uses the full 8-bit grid of the storage type.
type MinMax struct{}

func (MinMax) Name() string { return "minmax" }

func (MinMax) ComputeRange(lo, hi float32) (float32, float32) {
	return includeZero(lo, hi)
}

func (MinMax) ClampRange(dt model.DType) (int32, int32) {
	if dt == model.QInt8 {
		return -128, 127
	}
	return 0, 255
}

// FourBit restricts values to 16 levels while storage stays 8-bit.
// The scale is derived from the 16-level grid, so only 16 distinct codes are ever produced.
type FourBit struct{}

func (FourBit) Name() string { return "fourbit" }

func (FourBit) ComputeRange(lo, hi float32) (float32, float32) {
	return includeZero(lo, hi)
}

func (FourBit) ClampRange(dt model.DType) (int32, int32) {
	if dt == model.QInt8 {
		return -8, 7
	}
	return 0, 15
}

func includeZero(lo, hi float32) (float32, float32) {
	return min(lo, 0), max(hi, 0)
}

// StrategyByName resolves the observer strategy configured by name.
func StrategyByName(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "minmax":
		return MinMax{}, nil
	case "fourbit":
		return FourBit{}, nil
	default:
		return nil, fmt.Errorf("quant: unknown observer strategy %q", name)
	}
}

// QParams are per-tensor affine quantization parameters.
type QParams struct {
	DType     model.DType
	Scale     float64
	ZeroPoint int32
	QMin      int32
	QMax      int32
}

// Round maps v onto the grid without clamping.
func (p QParams) Round(v float32) int32 {
	return int32(math.Round(float64(v)/p.Scale)) + p.ZeroPoint
}

// Quantize maps v onto the clamped grid.
func (p QParams) Quantize(v float32) int32 {
	return p.Clamp(p.Round(v))
}

// Clamp limits q to [QMin, QMax].
func (p QParams) Clamp(q int32) int32 {
	if q < p.QMin {
		return p.QMin
	}
	if q > p.QMax {
		return p.QMax
	}
	return q
}

// Dequantize maps a grid value back to a real number.
func (p QParams) Dequantize(q int32) float32 {
	return float32(float64(q-p.ZeroPoint) * p.Scale)
}

// Observer tracks the running min/max of every tensor it sees.
type Observer struct {
	dtype    model.DType
	strategy Strategy
	min      float32
	max      float32
	seen     bool
}

func NewObserver(dt model.DType, s Strategy) *Observer {
	if s == nil {
		s = MinMax{}
	}
	return &Observer{dtype: dt, strategy: s}
}

// Observe folds x into the running range.
func (o *Observer) Observe(x []float32) {
	for _, v := range x {
		if !o.seen {
			o.min, o.max, o.seen = v, v, true
			continue
		}
		if v < o.min {
			o.min = v
		}
		if v > o.max {
			o.max = v
		}
	}
}

// Seen reports whether any value was observed.
func (o *Observer) Seen() bool { return o.seen }

// Range returns the raw observed bounds.
func (o *Observer) Range() (float32, float32) { return o.min, o.max }

// QParams derives scale and zero point from the observed range.
func (o *Observer) QParams() (QParams, error) {
	return o.qparams(minScale)
}

// Collapsed reports whether every observed value mapped to the same point, so
// any scale represents the data exactly.
func (o *Observer) Collapsed() bool {
	lo, hi := o.strategy.ComputeRange(o.min, o.max)
	return o.seen && lo == hi
}

func (o *Observer) qparams(floor float64) (QParams, error) {
	if !o.seen {
		return QParams{}, ErrUncalibrated
	}
	lo, hi := o.strategy.ComputeRange(o.min, o.max)
	qmin, qmax := o.strategy.ClampRange(o.dtype)
	scale := float64(hi-lo) / float64(qmax-qmin)
	if scale < floor {
		scale = floor
	}
	p := QParams{DType: o.dtype, Scale: scale, QMin: qmin, QMax: qmax}
	p.ZeroPoint = p.Clamp(qmin - int32(math.Round(float64(lo)/scale)))
	return p, nil
}

// Quantize records x and passes it through unchanged. This is the calibration
// behaviour used by post-training quantization.
func (o *Observer) Quantize(x []float32) ([]float32, []bool) {
	o.Observe(x)
	return x, nil
}

// Observer returns o itself so Convert can treat observers and fake quantizers alike.
func (o *Observer) Observer() *Observer { return o }

func (o *Observer) State() model.StateDict {
	return model.StateDict{
		"min": model.ScalarTensor(o.min),
		"max": model.ScalarTensor(o.max),
	}
}
