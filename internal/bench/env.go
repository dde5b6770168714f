package bench

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"quantbench/internal/dataset"
	"quantbench/internal/model"
	"quantbench/internal/quant"
)

// Env is the explicit configuration shared by every pipeline. It holds only
// immutable inputs; each pipeline builds its own loaders from it.
type Env struct {
	Train  *dataset.Dataset
	Test   *dataset.Dataset
	Loader dataset.LoaderOptions

	Criterion model.Criterion
	QConfig   quant.QConfig
	// Epochs per pipeline name. Missing names train for zero epochs.
	Epochs map[string]int

	CalibrationBatches int
	WarmupRuns         int
	LatencyNormalizer  float64

	CheckpointDir string
	LogEvery      int
}

func (e *Env) validate() error {
	if e.Train.Len() == 0 {
		return errors.New("bench: train split is empty")
	}
	if e.Test.Len() == 0 {
		return errors.New("bench: test split is empty")
	}
	if e.Criterion == nil {
		return errors.New("bench: criterion is required")
	}
	if e.QConfig.Activation == nil || e.QConfig.Weight == nil {
		return errors.New("bench: quantization config is incomplete")
	}
	if e.LatencyNormalizer <= 0 {
		return errors.New("bench: latency normalizer must be > 0")
	}
	return nil
}

// Loaders returns fresh train and test sources. Train is shuffled per pass,
// test never is.
func (e *Env) Loaders() (train, test *dataset.Loader) {
	tr := e.Loader
	tr.Shuffle = true
	te := e.Loader
	te.Shuffle = false
	return dataset.NewLoader(e.Train, tr), dataset.NewLoader(e.Test, te)
}

// EpochsFor returns the configured epoch count for a pipeline.
func (e *Env) EpochsFor(name string) int {
	return e.Epochs[name]
}

// CheckpointPath is the best-model file for a pipeline.
func (e *Env) CheckpointPath(name string) string {
	dir := e.CheckpointDir
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, fmt.Sprintf("best_%s_model.ckpt", strings.ToLower(name)))
}
