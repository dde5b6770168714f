package device

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCPU(t *testing.T) {
	for _, name := range []string{"", "auto", "CPU"} {
		info, err := Resolve(context.Background(), name)
		require.NoError(t, err, name)
		assert.Equal(t, CPU, info.Kind)
		assert.NotEmpty(t, info.Brand)
		assert.Greater(t, info.LogicalCores, 0)
		assert.GreaterOrEqual(t, info.SuggestedWorkers(), 1)
	}
}

func TestResolveAccelerator(t *testing.T) {
	_, err := Resolve(context.Background(), "cuda")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve(context.Background(), "tpu-v9")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestSuggestedWorkersBounds(t *testing.T) {
	assert.Equal(t, 1, Info{LogicalCores: 1}.SuggestedWorkers())
	assert.Equal(t, 4, Info{LogicalCores: 8}.SuggestedWorkers())
	assert.Equal(t, 8, Info{LogicalCores: 64}.SuggestedWorkers())
}

func TestLogAttrsPairs(t *testing.T) {
	attrs := Info{Kind: CPU, Brand: "test"}.LogAttrs()
	assert.Zero(t, len(attrs)%2)
}
