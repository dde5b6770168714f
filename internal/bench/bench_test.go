package bench

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/dataset"
	"quantbench/internal/logger"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
	"quantbench/internal/quant"
)

func testEnv(t *testing.T, ptqEpochs, qatEpochs int) *Env {
	t.Helper()
	return &Env{
		Train:              dataset.Synthetic("train", 40, 1),
		Test:               dataset.Synthetic("test", 16, 2),
		Loader:             dataset.LoaderOptions{BatchSize: 8, NumWorkers: 2, Seed: 5},
		Criterion:          model.CrossEntropy{},
		QConfig:            quant.NewQConfig(quant.MinMax{}),
		Epochs:             map[string]int{"PTQ": ptqEpochs, "QAT": qatEpochs},
		CalibrationBatches: 1,
		WarmupRuns:         1,
		LatencyNormalizer:  256,
		CheckpointDir:      t.TempDir(),
	}
}

func smallCNN() *model.SimpleCNN {
	g := model.DefaultGeometry()
	g.Filters = 4
	return model.NewSimpleCNN(g, 3)
}

func adam(params []*model.Param) (model.Optimizer, error) {
	return model.NewAdam(params, 0.01), nil
}

func quietContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func TestComparatorWritesReport(t *testing.T) {
	env := testEnv(t, 0, 1)
	out := filepath.Join(t.TempDir(), "results", "ptq_qat_results.json")
	built := 0
	cmp := &Comparator{
		Env: env,
		NewModel: func() *model.SimpleCNN {
			built++
			return smallCNN()
		},
		NewOptimizer: adam,
		ResultsPath:  out,
	}
	res, err := cmp.Run(quietContext())
	require.NoError(t, err)
	assert.Equal(t, 2, built, "one model per pipeline")

	ptq := res.Report["PTQ"]
	require.Len(t, ptq, 6)
	assert.Equal(t, 0.0, ptq["Post-PTQ Accuracy"], "zero epochs leaves no best accuracy")
	assert.Greater(t, ptq["Model Size (MB)"], 0.0)
	assert.Less(t, ptq["Model Size (MB)"], ptq["Post-PTQ Model Size (MB)"])
	assert.GreaterOrEqual(t, ptq["Accuracy"], 0.0)
	assert.LessOrEqual(t, ptq["Accuracy"], 100.0)
	ptqHist := res.Histories["PTQ"]
	assert.Equal(t, 0, ptqHist.Len())
	assert.NoFileExists(t, env.CheckpointPath("PTQ"))

	qat := res.Report["QAT"]
	require.Contains(t, qat, "Post-QAT Inference Time (s)")
	qatHist := res.Histories["QAT"]
	assert.Equal(t, 1, qatHist.Len())
	assert.FileExists(t, env.CheckpointPath("QAT"))

	back, err := ReadReport(out)
	require.NoError(t, err)
	assert.InDelta(t, ptq["Model Size (MB)"], back["PTQ"]["Model Size (MB)"], 1e-12)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "{\n    \""), "report is indented by four spaces")
}

type failing struct{}

func (failing) Name() string { return "BROKEN" }

func (failing) Run(context.Context, *Env, *model.SimpleCNN, model.Optimizer) (Outcome, error) {
	return Outcome{}, errors.New("device fell over")
}

func TestComparatorNoReportOnFailure(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ptq_qat_results.json")
	cmp := &Comparator{
		Env:          testEnv(t, 0, 0),
		Pipelines:    []Pipeline{PTQ{}, failing{}},
		NewModel:     smallCNN,
		NewOptimizer: adam,
		ResultsPath:  out,
	}
	_, err := cmp.Run(quietContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKEN")
	assert.NoFileExists(t, out)
}

func TestComparatorRejectsEmptyTest(t *testing.T) {
	env := testEnv(t, 0, 0)
	env.Test = &dataset.Dataset{Name: "test"}
	cmp := &Comparator{Env: env, NewModel: smallCNN, NewOptimizer: adam}
	_, err := cmp.Run(quietContext())
	require.Error(t, err)
}

type counting struct{ calls int }

func (c *counting) Forward(inputs [][]float32) ([][]float32, error) {
	c.calls++
	return make([][]float32, len(inputs)), nil
}

func (c *counting) StateDict() model.StateDict {
	return model.StateDict{"w": model.FloatTensor([]int{250}, make([]float32, 250))}
}

type oneBatch struct{ empty bool }

func (s oneBatch) Each(ctx context.Context, fn func(model.Batch) error) error {
	if s.empty {
		return nil
	}
	err := fn(model.Batch{Inputs: [][]float32{{1}}, Labels: []int{0}})
	if errors.Is(err, dataset.ErrStop) {
		return nil
	}
	return err
}

func TestMeasureLatencyWarmup(t *testing.T) {
	c := &counting{}
	lat, err := MeasureLatency(context.Background(), c, oneBatch{}, 2, 256)
	require.NoError(t, err)
	assert.Equal(t, 3, c.calls)
	assert.GreaterOrEqual(t, lat, 0.0)

	_, err = MeasureLatency(context.Background(), c, oneBatch{empty: true}, 0, 256)
	require.ErrorIs(t, err, metrics.ErrNoSamples)

	_, err = MeasureLatency(context.Background(), c, oneBatch{}, 0, 0)
	require.Error(t, err)
}

func TestModelSizeMBIsDecimal(t *testing.T) {
	c := &counting{}
	want := float64(len(model.EncodeStateDict(c.StateDict()))) / 1e6
	assert.Equal(t, want, ModelSizeMB(c))
	assert.Greater(t, want, 0.001)
}

func TestCheckpointPath(t *testing.T) {
	env := &Env{CheckpointDir: "/tmp/ckpt"}
	assert.Equal(t, "/tmp/ckpt/best_ptq_model.ckpt", env.CheckpointPath("PTQ"))
	assert.Equal(t, "best_qat_model.ckpt", (&Env{}).CheckpointPath("QAT"))
}

func TestEnvLoadersShuffleOnlyTrain(t *testing.T) {
	env := testEnv(t, 0, 0)
	_, test := env.Loaders()
	first, err := dataset.First(context.Background(), test, 2)
	require.NoError(t, err)
	again, err := dataset.First(context.Background(), test, 2)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}
