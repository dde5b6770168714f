package trainer

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantbench/internal/dataset"
	"quantbench/internal/logger"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
)

type batches []model.Batch

func (s batches) Each(ctx context.Context, fn func(model.Batch) error) error {
	for _, b := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(b); err != nil {
			if errors.Is(err, dataset.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// batchLenLoss reports the batch size as the batch's mean loss.
type batchLenLoss struct{}

func (batchLenLoss) Loss(logits [][]float32, labels []int) (float64, error) {
	return float64(len(labels)), nil
}

func (batchLenLoss) LossGrad(logits [][]float32, labels []int) (float64, [][]float32, error) {
	grad := make([][]float32, len(logits))
	for i, row := range logits {
		grad[i] = make([]float32, len(row))
	}
	return float64(len(labels)), grad, nil
}

// scripted is a Network whose validation hits per epoch are fixed in advance.
// Inputs carry their label in element 0.
type scripted struct {
	classes   int
	hits      []int
	epoch     int
	trains    int
	saves     int
	param     *model.Param
	forwarded int
}

func newScripted(hits ...int) *scripted {
	return &scripted{
		classes: 4,
		hits:    hits,
		epoch:   -1,
		param:   &model.Param{Name: "w", Data: make([]float32, 1), Grad: make([]float32, 1)},
	}
}

func (s *scripted) logits(inputs [][]float32, hits int) [][]float32 {
	out := make([][]float32, len(inputs))
	for i, x := range inputs {
		label := int(x[0])
		pick := (label + 1) % s.classes
		if i < hits {
			pick = label
		}
		row := make([]float32, s.classes)
		row[pick] = 1
		out[i] = row
	}
	return out
}

func (s *scripted) Forward(inputs [][]float32) ([][]float32, error) {
	s.forwarded++
	return s.logits(inputs, s.hits[s.epoch]), nil
}

func (s *scripted) ForwardTrain(inputs [][]float32) ([][]float32, func([][]float32), error) {
	s.trains++
	s.epoch++
	return s.logits(inputs, len(inputs)), func([][]float32) { s.param.Grad[0] = 1 }, nil
}

func (s *scripted) Params() []*model.Param { return []*model.Param{s.param} }

func (s *scripted) StateDict() model.StateDict {
	s.saves++
	return model.StateDict{"epoch": model.ScalarTensor(float32(s.epoch))}
}

func (s *scripted) LoadStateDict(model.StateDict) error { return nil }

func labeled(labels ...int) model.Batch {
	b := model.Batch{}
	for _, l := range labels {
		b.Inputs = append(b.Inputs, []float32{float32(l)})
		b.Labels = append(b.Labels, l)
	}
	return b
}

func quietContext() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func TestTrainEpochWeightsLossBySamples(t *testing.T) {
	net := newScripted(0)
	opt := model.NewSGD(net.Params(), 0.1, 0)
	src := batches{labeled(0, 1, 2, 3), labeled(1, 2)}

	rec, err := TrainEpoch(quietContext(), net, src, batchLenLoss{}, opt, 1)
	require.NoError(t, err)
	// (4*4 + 2*2) / 6
	assert.InDelta(t, 20.0/6, rec.Loss, 1e-12)
	assert.InDelta(t, 100.0, rec.Accuracy, 1e-12)
	assert.Equal(t, 2, net.trains)
	assert.NotEqual(t, float32(0), net.param.Data[0], "optimizer should have stepped")
}

func TestEvaluateEpochLeavesParamsAlone(t *testing.T) {
	net := newScripted(1)
	net.epoch = 0
	before := net.param.Data[0]
	rec, err := EvaluateEpoch(quietContext(), net, batches{labeled(0, 1), labeled(2, 3)}, batchLenLoss{})
	require.NoError(t, err)
	// one hit in each batch of two
	assert.InDelta(t, 50.0, rec.Accuracy, 1e-12)
	assert.InDelta(t, 2.0, rec.Loss, 1e-12)
	assert.Equal(t, before, net.param.Data[0])
	assert.Equal(t, 0, net.trains)
}

func TestEmptySourceHasNoSamples(t *testing.T) {
	net := newScripted(0)
	_, err := EvaluateEpoch(quietContext(), net, batches{}, batchLenLoss{})
	require.ErrorIs(t, err, metrics.ErrNoSamples)

	_, err = TrainEpoch(quietContext(), net, batches{}, batchLenLoss{}, model.NewSGD(net.Params(), 0.1, 0), 0)
	require.ErrorIs(t, err, metrics.ErrNoSamples)
}

func TestCheckpointOnStrictImprovement(t *testing.T) {
	// 4 validation samples: hits 2,2,3,1 -> 50,50,75,25 percent.
	net := newScripted(2, 2, 3, 1)
	path := filepath.Join(t.TempDir(), "ckpt", "best.ckpt")
	cfg := RunConfig{
		Name:      "test",
		Train:     batches{labeled(0, 1, 2, 3)},
		Test:      batches{labeled(0, 1, 2, 3)},
		Criterion: batchLenLoss{},
		Epochs:    4,
		BestPath:  path,
	}
	best, history, err := TrainAndEvaluate(quietContext(), net, model.NewSGD(net.Params(), 0.1, 0), cfg)
	require.NoError(t, err)
	assert.Equal(t, 75.0, best)
	require.Equal(t, 4, history.Len())
	assert.Equal(t, 25.0, history.Epochs[3].Val.Accuracy)
	assert.Equal(t, 2, net.saves, "epochs 1 and 3 should write")

	sd, err := ReadCheckpoint(path)
	require.NoError(t, err)
	v, err := sd["epoch"].Float32s()
	require.NoError(t, err)
	assert.Equal(t, float32(2), v[0], "checkpoint must hold the best epoch")
}

func TestFirstEpochAlwaysCheckpoints(t *testing.T) {
	net := newScripted(0)
	path := filepath.Join(t.TempDir(), "best.ckpt")
	best, _, err := TrainAndEvaluate(quietContext(), net, model.NewSGD(net.Params(), 0.1, 0), RunConfig{
		Train:     batches{labeled(0, 1)},
		Test:      batches{labeled(0, 1)},
		Criterion: batchLenLoss{},
		Epochs:    1,
		BestPath:  path,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, best)
	assert.FileExists(t, path)
}

func TestZeroEpochs(t *testing.T) {
	net := newScripted()
	path := filepath.Join(t.TempDir(), "best.ckpt")
	best, history, err := TrainAndEvaluate(quietContext(), net, model.NewSGD(net.Params(), 0.1, 0), RunConfig{
		Train:     batches{labeled(0)},
		Test:      batches{labeled(0)},
		Criterion: batchLenLoss{},
		BestPath:  path,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, best)
	assert.Equal(t, 0, history.Len())
	assert.NoFileExists(t, path)
}

func TestTrainAndEvaluatePropagatesErrors(t *testing.T) {
	net := newScripted(1, 1)
	_, _, err := TrainAndEvaluate(quietContext(), net, model.NewSGD(net.Params(), 0.1, 0), RunConfig{
		Train:     batches{labeled(0)},
		Test:      batches{},
		Criterion: batchLenLoss{},
		Epochs:    2,
	})
	require.ErrorIs(t, err, metrics.ErrNoSamples)
	assert.Equal(t, 1, net.trains, "no retry after a failed epoch")
}

func TestRealNetworkCheckpointRestores(t *testing.T) {
	ctx := quietContext()
	opts := dataset.LoaderOptions{BatchSize: 8, NumWorkers: 2, Seed: 3}
	train := dataset.NewLoader(dataset.Synthetic("train", 32, 1), dataset.LoaderOptions{BatchSize: 8, NumWorkers: 2, Shuffle: true, Seed: 3})
	test := dataset.NewLoader(dataset.Synthetic("test", 16, 2), opts)

	net := model.NewSimpleCNN(model.DefaultGeometry(), 7)
	opt := model.NewAdam(net.Params(), 0.005)
	path := filepath.Join(t.TempDir(), "best.ckpt")
	_, history, err := TrainAndEvaluate(ctx, net, opt, RunConfig{
		Train:     train,
		Test:      test,
		Criterion: model.CrossEntropy{},
		Epochs:    2,
		BestPath:  path,
	})
	require.NoError(t, err)
	require.Equal(t, 2, history.Len())

	restored := model.NewSimpleCNN(model.DefaultGeometry(), 99)
	require.NoError(t, LoadCheckpoint(restored, path))
	rec, err := EvaluateEpoch(ctx, restored, test, model.CrossEntropy{})
	require.NoError(t, err)
	best, _ := history.BestVal()
	assert.InDelta(t, best, rec.Accuracy, 1e-9)
}

func TestLoadCheckpointMissingFile(t *testing.T) {
	net := model.NewSimpleCNN(model.DefaultGeometry(), 1)
	err := LoadCheckpoint(net, filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
}
