package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"quantbench/internal/model"
)

// CIFAR-10 image layout.
const (
	ImageChannels = 3
	ImageHeight   = 32
	ImageWidth    = 32
	ImageSize     = ImageChannels * ImageHeight * ImageWidth
	NumClasses    = 10
)

// Classes are the CIFAR-10 label names indexed by label.
var Classes = [NumClasses]string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

// Sample is one labeled image stored as raw CHW bytes.
type Sample struct {
	Key    string
	Pixels []uint8
	Label  int
}

// Dataset is an immutable in-memory split.
type Dataset struct {
	Name    string
	Samples []Sample
}

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Samples)
}

// Source yields batches. Each call to Each is one full pass from the start.
type Source interface {
	Each(ctx context.Context, fn func(model.Batch) error) error
}

// ErrStop may be returned by an Each callback to end the pass early without error.
var ErrStop = errors.New("dataset: stop iteration")

// First returns up to n batches from the start of src.
func First(ctx context.Context, src Source, n int) ([]model.Batch, error) {
	if n <= 0 {
		return nil, nil
	}
	out := make([]model.Batch, 0, n)
	err := src.Each(ctx, func(b model.Batch) error {
		out = append(out, b)
		if len(out) >= n {
			return ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Normalize maps raw bytes to [-1, 1] (mean 0.5, std 0.5 per channel).
func Normalize(dst []float32, px []uint8) {
	for i, v := range px {
		dst[i] = float32(v)/127.5 - 1
	}
}

// Open loads the train or test split found under root. CIFAR-10 binary batch
// files take precedence; otherwise WebDataset shards under root/train or
// root/test are decoded.
func Open(ctx context.Context, root string, train bool) (*Dataset, error) {
	if root == "" {
		return nil, errors.New("dataset: data root is empty")
	}
	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	files, err := DiscoverCIFAR(root, train)
	if err != nil {
		return nil, err
	}
	if len(files) > 0 {
		return LoadCIFAR10(files, splitName(train))
	}
	shardRoot := filepath.Join(root, splitName(train))
	shards, err := DiscoverShards(shardRoot)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("dataset: no CIFAR-10 batches or shards for %s split under %s", splitName(train), root)
	}
	return LoadShards(ctx, shards, splitName(train))
}

func splitName(train bool) string {
	if train {
		return "train"
	}
	return "test"
}
