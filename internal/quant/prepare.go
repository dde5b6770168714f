package quant

import (
	"context"
	"fmt"

	"quantbench/internal/dataset"
	"quantbench/internal/model"
)

// QConfig selects how activations and weights are observed.
type QConfig struct {
	Activation func() *Observer
	Weight     func() *Observer
}

// NewQConfig returns per-tensor affine observers: quint8 activations and qint8
// weights, both using strategy s.
func NewQConfig(s Strategy) QConfig {
	return QConfig{
		Activation: func() *Observer { return NewObserver(model.QUInt8, s) },
		Weight:     func() *Observer { return NewObserver(model.QInt8, s) },
	}
}

func isWeightPoint(point string) bool {
	return point == model.PointConvWeight || point == model.PointFCWeight
}

func (qc QConfig) observer(point string) *Observer {
	if isWeightPoint(point) {
		return qc.Weight()
	}
	return qc.Activation()
}

// Prepare attaches plain observers for post-training calibration.
func Prepare(net *model.SimpleCNN, qc QConfig) {
	for _, point := range model.Points {
		net.SetQuantizer(point, qc.observer(point))
	}
}

// PrepareQAT attaches fake quantization so training sees quantization error.
func PrepareQAT(net *model.SimpleCNN, qc QConfig) {
	for _, point := range model.Points {
		net.SetQuantizer(point, NewFakeQuantize(qc.observer(point)))
	}
}

// Calibrate runs forward passes over the first n batches of src so attached
// observers record activation ranges. No parameters are touched.
func Calibrate(ctx context.Context, net model.Classifier, src dataset.Source, n int) error {
	batches, err := dataset.First(ctx, src, n)
	if err != nil {
		return fmt.Errorf("calibrate: %w", err)
	}
	if len(batches) == 0 {
		return fmt.Errorf("calibrate: %w", ErrUncalibrated)
	}
	for _, b := range batches {
		if _, err := net.Forward(b.Inputs); err != nil {
			return fmt.Errorf("calibrate: %w", err)
		}
	}
	return nil
}
