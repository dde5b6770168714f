package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"quantbench/internal/model"
)

// SaveCheckpoint encodes sd and overwrites path. The write is not atomic.
func SaveCheckpoint(path string, sd model.StateDict) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("checkpoint dir: %w", err)
		}
	}
	if err := os.WriteFile(path, model.EncodeStateDict(sd), 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint decodes the state dict stored at path.
func ReadCheckpoint(path string) (model.StateDict, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	sd, err := model.DecodeStateDict(raw)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return sd, nil
}

// LoadCheckpoint restores net's parameters from path.
func LoadCheckpoint(net model.Network, path string) error {
	sd, err := ReadCheckpoint(path)
	if err != nil {
		return err
	}
	if err := net.LoadStateDict(sd); err != nil {
		return fmt.Errorf("load checkpoint %s: %w", path, err)
	}
	return nil
}
