package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quantbench/internal/dataset"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
)

const bytesPerMB = 1e6

// ModelSizeMB is the encoded state dict size in decimal megabytes.
func ModelSizeMB(m model.Classifier) float64 {
	return float64(len(model.EncodeStateDict(m.StateDict()))) / bytesPerMB
}

// MeasureLatency times one forward pass over the first batch of src after
// warmup unmeasured passes, and divides the elapsed seconds by normalizer.
func MeasureLatency(ctx context.Context, m model.Classifier, src dataset.Source, warmup int, normalizer float64) (float64, error) {
	if normalizer <= 0 {
		return 0, errors.New("latency: normalizer must be > 0")
	}
	batches, err := dataset.First(ctx, src, 1)
	if err != nil {
		return 0, fmt.Errorf("latency: %w", err)
	}
	if len(batches) == 0 {
		return 0, fmt.Errorf("latency: %w", metrics.ErrNoSamples)
	}
	inputs := batches[0].Inputs
	for i := 0; i < warmup; i++ {
		if _, err := m.Forward(inputs); err != nil {
			return 0, fmt.Errorf("latency warmup: %w", err)
		}
	}
	start := time.Now()
	if _, err := m.Forward(inputs); err != nil {
		return 0, fmt.Errorf("latency: %w", err)
	}
	return time.Since(start).Seconds() / normalizer, nil
}
