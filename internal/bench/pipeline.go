package bench

import (
	"context"
	"fmt"

	"quantbench/internal/dataset"
	"quantbench/internal/logger"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
	"quantbench/internal/quant"
	"quantbench/internal/trainer"
)

// Outcome is what one pipeline measured.
type Outcome struct {
	// Converted model.
	Accuracy float64
	SizeMB   float64
	Latency  float64

	// Best validation accuracy during training, and the prepared model
	// measured before conversion.
	BestAccuracy    float64
	PreparedSizeMB  float64
	PreparedLatency float64

	History metrics.History
}

// Pipeline turns a fresh float network into a converted quantized model.
type Pipeline interface {
	Name() string
	Run(ctx context.Context, env *Env, net *model.SimpleCNN, opt model.Optimizer) (Outcome, error)
}

// PTQ trains a float baseline, calibrates observers, then converts.
type PTQ struct{}

func (PTQ) Name() string { return "PTQ" }

func (p PTQ) Run(ctx context.Context, env *Env, net *model.SimpleCNN, opt model.Optimizer) (Outcome, error) {
	log := logger.FromContext(ctx)
	train, test := env.Loaders()

	best, history, err := trainer.TrainAndEvaluate(ctx, net, opt, trainer.RunConfig{
		Train:     train,
		Test:      test,
		Criterion: env.Criterion,
		Epochs:    env.EpochsFor(p.Name()),
		BestPath:  env.CheckpointPath(p.Name()),
		LogEvery:  env.LogEvery,
	})
	if err != nil {
		return Outcome{}, err
	}

	quant.Prepare(net, env.QConfig)
	log.Info("calibrating", "batches", env.CalibrationBatches)
	if err := quant.Calibrate(ctx, net, test, env.CalibrationBatches); err != nil {
		return Outcome{}, err
	}
	return finish(ctx, env, net, test, best, history)
}

// QAT attaches fake quantization before training, then converts.
type QAT struct{}

func (QAT) Name() string { return "QAT" }

func (p QAT) Run(ctx context.Context, env *Env, net *model.SimpleCNN, opt model.Optimizer) (Outcome, error) {
	train, test := env.Loaders()
	quant.PrepareQAT(net, env.QConfig)

	best, history, err := trainer.TrainAndEvaluate(ctx, net, opt, trainer.RunConfig{
		Train:     train,
		Test:      test,
		Criterion: env.Criterion,
		Epochs:    env.EpochsFor(p.Name()),
		BestPath:  env.CheckpointPath(p.Name()),
		LogEvery:  env.LogEvery,
	})
	if err != nil {
		return Outcome{}, err
	}
	return finish(ctx, env, net, test, best, history)
}

// finish measures the prepared network, converts it and measures the result.
func finish(ctx context.Context, env *Env, net *model.SimpleCNN, test dataset.Source, best float64, history metrics.History) (Outcome, error) {
	log := logger.FromContext(ctx)
	out := Outcome{BestAccuracy: best, History: history}

	var err error
	out.PreparedSizeMB = ModelSizeMB(net)
	if out.PreparedLatency, err = MeasureLatency(ctx, net, test, env.WarmupRuns, env.LatencyNormalizer); err != nil {
		return Outcome{}, err
	}
	log.Info("prepared model", "size_mb", out.PreparedSizeMB, "latency_s", out.PreparedLatency)

	qm, err := quant.Convert(net)
	if err != nil {
		return Outcome{}, err
	}
	out.SizeMB = ModelSizeMB(qm)
	if out.Latency, err = MeasureLatency(ctx, qm, test, env.WarmupRuns, env.LatencyNormalizer); err != nil {
		return Outcome{}, err
	}
	rec, err := trainer.EvaluateEpoch(ctx, qm, test, env.Criterion)
	if err != nil {
		return Outcome{}, fmt.Errorf("converted model: %w", err)
	}
	out.Accuracy = rec.Accuracy
	log.Info("converted model",
		"accuracy", out.Accuracy,
		"size_mb", out.SizeMB,
		"latency_s", out.Latency,
	)
	return out, nil
}
