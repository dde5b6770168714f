package trainer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantbench/internal/dataset"
	"quantbench/internal/logger"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
)

const defaultLogEvery = 50

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	// Name labels log lines, usually the pipeline name.
	Name      string
	Train     dataset.Source
	Test      dataset.Source
	Criterion model.Criterion
	Epochs    int
	// BestPath is where the best checkpoint is written. Empty disables checkpointing.
	BestPath string
	LogEvery int
}

func (c RunConfig) validate() error {
	if c.Train == nil || c.Test == nil {
		return errors.New("trainer: train and test sources are required")
	}
	if c.Criterion == nil {
		return errors.New("trainer: criterion is required")
	}
	if c.Epochs < 0 {
		return fmt.Errorf("trainer: epochs must be >= 0 (got %d)", c.Epochs)
	}
	return nil
}

// TrainEpoch runs one pass over src, stepping opt after every batch. Step
// throughput is logged every logEvery steps (0 picks a default).
func TrainEpoch(ctx context.Context, net model.Network, src dataset.Source, crit model.Criterion, opt model.Optimizer, logEvery int) (metrics.Record, error) {
	if logEvery <= 0 {
		logEvery = defaultLogEvery
	}
	log := logger.FromContext(ctx)

	var (
		acc    metrics.Accumulator
		window metrics.Window
		step   int
	)
	last := time.Now()
	err := src.Each(ctx, func(b model.Batch) error {
		dataTime := time.Since(last)
		start := time.Now()

		logits, backward, err := net.ForwardTrain(b.Inputs)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		loss, grad, err := crit.LossGrad(logits, b.Labels)
		if err != nil {
			return fmt.Errorf("loss: %w", err)
		}
		opt.ZeroGrad()
		backward(grad)
		opt.Step()
		acc.Add(loss, countCorrect(logits, b.Labels), b.Len())

		window.Record(b.Len(), dataTime, time.Since(start), loss)
		step++
		if step%logEvery == 0 {
			snap := window.Snapshot()
			log.Debug("train step",
				"step", step,
				"images_per_sec", snap.ImagesPerSec,
				"data_ms", snap.AvgDataMS,
				"compute_ms", snap.AvgComputeMS,
				"loss", snap.LastLoss,
			)
		}
		last = time.Now()
		return nil
	})
	if err != nil {
		return metrics.Record{}, fmt.Errorf("train epoch: %w", err)
	}
	rec, err := acc.Result()
	if err != nil {
		return metrics.Record{}, fmt.Errorf("train epoch: %w", err)
	}
	return rec, nil
}

// EvaluateEpoch scores net over src without touching its parameters.
func EvaluateEpoch(ctx context.Context, net model.Classifier, src dataset.Source, crit model.Criterion) (metrics.Record, error) {
	var acc metrics.Accumulator
	err := src.Each(ctx, func(b model.Batch) error {
		logits, err := net.Forward(b.Inputs)
		if err != nil {
			return fmt.Errorf("forward: %w", err)
		}
		loss, err := crit.Loss(logits, b.Labels)
		if err != nil {
			return fmt.Errorf("loss: %w", err)
		}
		acc.Add(loss, countCorrect(logits, b.Labels), b.Len())
		return nil
	})
	if err != nil {
		return metrics.Record{}, fmt.Errorf("evaluate: %w", err)
	}
	rec, err := acc.Result()
	if err != nil {
		return metrics.Record{}, fmt.Errorf("evaluate: %w", err)
	}
	return rec, nil
}

// TrainAndEvaluate trains for cfg.Epochs, validating after each epoch. The
// checkpoint is rewritten whenever validation accuracy beats every earlier
// epoch of this run; the first epoch always writes. It returns the best
// validation accuracy (0 when no epoch ran) and the per-epoch history.
func TrainAndEvaluate(ctx context.Context, net model.Network, opt model.Optimizer, cfg RunConfig) (float64, metrics.History, error) {
	var history metrics.History
	if err := cfg.validate(); err != nil {
		return 0, history, err
	}
	log := logger.FromContext(ctx)
	if cfg.Name != "" {
		log = log.With("pipeline", cfg.Name)
		ctx = logger.WithContext(ctx, log)
	}

	best := 0.0
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		start := time.Now()
		train, err := TrainEpoch(ctx, net, cfg.Train, cfg.Criterion, opt, cfg.LogEvery)
		if err != nil {
			return best, history, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		val, err := EvaluateEpoch(ctx, net, cfg.Test, cfg.Criterion)
		if err != nil {
			return best, history, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		history.Append(train, val)

		improved := epoch == 0 || val.Accuracy > best
		log.Info("epoch complete",
			"epoch", epoch+1,
			"epochs", cfg.Epochs,
			"train_loss", train.Loss,
			"train_acc", train.Accuracy,
			"val_loss", val.Loss,
			"val_acc", val.Accuracy,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		if !improved {
			continue
		}
		best = val.Accuracy
		if cfg.BestPath == "" {
			continue
		}
		if err := SaveCheckpoint(cfg.BestPath, net.StateDict()); err != nil {
			return best, history, fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		log.Info("checkpoint saved", "path", cfg.BestPath, "val_acc", best)
	}
	return best, history, nil
}

func countCorrect(logits [][]float32, labels []int) int {
	correct := 0
	for i, row := range logits {
		if i < len(labels) && model.Argmax(row) == labels[i] {
			correct++
		}
	}
	return correct
}
