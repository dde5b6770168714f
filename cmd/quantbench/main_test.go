package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"quantbench/internal/bench"
	"quantbench/internal/config"
	"quantbench/internal/logger"
	"quantbench/internal/model"
	"quantbench/internal/trainer"
)

func parseOverrides(t *testing.T, args ...string) config.Overrides {
	t.Helper()
	var (
		rf  runFlags
		got config.Overrides
	)
	cmd := &cli.Command{
		Name:  "args",
		Flags: rf.flags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			got = rf.overrides(c)
			return nil
		},
	}
	require.NoError(t, cmd.Run(context.Background(), append([]string{"args"}, args...)))
	return got
}

func TestOverridesOnlyWhenSet(t *testing.T) {
	o := parseOverrides(t)
	assert.Nil(t, o.Epochs)
	assert.Nil(t, o.Synthetic)
	assert.Nil(t, o.Seed)

	o = parseOverrides(t, "--epochs", "0", "--synthetic", "--observer", "fourbit", "--seed", "9")
	require.NotNil(t, o.Epochs)
	assert.Equal(t, 0, *o.Epochs)
	require.NotNil(t, o.Synthetic)
	assert.True(t, *o.Synthetic)
	assert.Equal(t, "fourbit", o.Observer)
	require.NotNil(t, o.Seed)
	assert.Equal(t, int64(9), *o.Seed)

	o = parseOverrides(t, "--seed", "0")
	require.NotNil(t, o.Seed)
	assert.Equal(t, int64(0), *o.Seed)
}

func TestInspectSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "best.ckpt")
	sd := model.StateDict{
		"fc.weight":   model.Int8Tensor([]int{2, 2}, []int8{1, -1, 2, -2}, 0.5, 0),
		"conv.bias":   model.FloatTensor([]int{2}, []float32{0.1, 0.2}),
		"input.qparams": model.Uint8Tensor([]int{2}, []uint8{0, 255}, 0.01, 0),
	}
	require.NoError(t, trainer.SaveCheckpoint(path, sd))
	back, err := trainer.ReadCheckpoint(path)
	require.NoError(t, err)

	s := summarize(path, back, "")
	require.Len(t, s.Tensors, 3)
	assert.Equal(t, "conv.bias", s.Tensors[0].Name)
	assert.Equal(t, 4, s.Tensors[1].Elements)
	assert.Equal(t, 0.5, s.Tensors[1].Scale)

	var buf bytes.Buffer
	printSummary(&buf, s)
	assert.Contains(t, buf.String(), "fc.weight")
	assert.Contains(t, buf.String(), "qint8")

	assert.Len(t, summarize(path, back, "fc.").Tensors, 1)
}

func TestPrintReportSorted(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, bench.Report{
		"QAT": {"Accuracy": 50},
		"PTQ": {"Accuracy": 40, "Model Size (MB)": 0.01},
	})
	out := buf.String()
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("PTQ")), bytes.Index(buf.Bytes(), []byte("QAT")))
	assert.Contains(t, out, "Model Size (MB)")
}

func TestBaselineModelResumes(t *testing.T) {
	cfg := config.Default()
	cfg.ConvFilters = 2
	s := &session{cfg: cfg, log: logger.Discard()}

	src := s.newModel()
	path := filepath.Join(t.TempDir(), "best_model.ckpt")
	require.NoError(t, trainer.SaveCheckpoint(path, src.StateDict()))

	cfg.Seed++
	fresh, err := s.baselineModel("")
	require.NoError(t, err)
	assert.NotEqual(t, src.StateDict()["conv.weight"].Data, fresh.StateDict()["conv.weight"].Data)

	resumed, err := s.baselineModel(path)
	require.NoError(t, err)
	assert.Equal(t, src.StateDict(), resumed.StateDict())

	_, err = s.baselineModel(filepath.Join(t.TempDir(), "missing.ckpt"))
	require.Error(t, err)
}
