package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a benchmark run.
type Config struct {
	DataRoot         string `yaml:"data_root"`
	Synthetic        bool   `yaml:"synthetic"`
	SyntheticSamples int    `yaml:"synthetic_samples"`

	BatchSize  int `yaml:"batch_size"`
	NumWorkers int `yaml:"num_workers"`

	Epochs int `yaml:"epochs"`
	// Per-pipeline epoch counts. Nil falls back to Epochs; 0 is a valid value.
	PTQEpochs *int `yaml:"ptq_epochs"`
	QATEpochs *int `yaml:"qat_epochs"`

	LearningRate float64 `yaml:"learning_rate"`
	Optimizer    string  `yaml:"optimizer"`
	Seed         int64   `yaml:"seed"`
	LogEvery     int     `yaml:"log_every"`
	Device       string  `yaml:"device"`
	ConvFilters  int     `yaml:"conv_filters"`

	Observer           string  `yaml:"observer"`
	CalibrationBatches int     `yaml:"calibration_batches"`
	LatencyNormalizer  float64 `yaml:"latency_normalizer"`
	WarmupRuns         *int    `yaml:"warmup_runs"`

	CheckpointDir string `yaml:"checkpoint_dir"`
	ResultsPath   string `yaml:"results_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Overrides captures CLI supplied values. Nil pointers and empty strings are
// left alone.
type Overrides struct {
	DataRoot   string
	Synthetic  *bool
	Epochs     *int
	BatchSize  int
	NumWorkers int
	Seed       *int64
	LogEvery   int
	Device     string
	Observer   string
	LogLevel   string
	LogFormat  string
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	warmup := 1
	return &Config{
		SyntheticSamples:   2000,
		BatchSize:          256,
		NumWorkers:         2,
		Epochs:             10,
		LearningRate:       0.01,
		Optimizer:          "adam",
		Seed:               42,
		LogEvery:           50,
		Device:             "auto",
		ConvFilters:        16,
		Observer:           "minmax",
		CalibrationBatches: 1,
		LatencyNormalizer:  256,
		WarmupRuns:         &warmup,
		CheckpointDir:      ".",
		ResultsPath:        "ptq_qat_results.json",
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads a Config from YAML on top of Default. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML from r on top of Default.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any set override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.Synthetic != nil {
		c.Synthetic = *o.Synthetic
	}
	if o.Epochs != nil {
		c.Epochs = *o.Epochs
		c.PTQEpochs = nil
		c.QATEpochs = nil
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Observer != "" {
		c.Observer = o.Observer
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		c.LogFormat = o.LogFormat
	}
}

// PipelineEpochs returns the epoch count for the named pipeline ("ptq" or "qat").
func (c *Config) PipelineEpochs(name string) int {
	switch strings.ToLower(name) {
	case "ptq":
		if c.PTQEpochs != nil {
			return *c.PTQEpochs
		}
	case "qat":
		if c.QATEpochs != nil {
			return *c.QATEpochs
		}
	}
	return c.Epochs
}

// Warmup returns the number of unmeasured forward passes before timing.
func (c *Config) Warmup() int {
	if c.WarmupRuns == nil {
		return 1
	}
	return *c.WarmupRuns
}

// Validate verifies the config is runnable and fills defaults for zero knobs.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.DataRoot == "" && !c.Synthetic {
		return errors.New("data_root must be set unless synthetic is enabled")
	}
	if c.Synthetic && c.SyntheticSamples <= 0 {
		return fmt.Errorf("synthetic_samples must be > 0 (got %d)", c.SyntheticSamples)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers < 0 {
		return fmt.Errorf("num_workers must be >= 0 (got %d)", c.NumWorkers)
	}
	if c.Epochs < 0 {
		return fmt.Errorf("epochs must be >= 0 (got %d)", c.Epochs)
	}
	for name, v := range map[string]*int{"ptq_epochs": c.PTQEpochs, "qat_epochs": c.QATEpochs} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must be >= 0 (got %d)", name, *v)
		}
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	c.Optimizer = strings.ToLower(strings.TrimSpace(c.Optimizer))
	switch c.Optimizer {
	case "", "adam", "sgd":
	default:
		return fmt.Errorf("optimizer must be adam or sgd (got %q)", c.Optimizer)
	}
	c.Observer = strings.ToLower(strings.TrimSpace(c.Observer))
	switch c.Observer {
	case "", "minmax", "fourbit":
	default:
		return fmt.Errorf("observer must be minmax or fourbit (got %q)", c.Observer)
	}
	if c.CalibrationBatches <= 0 {
		return fmt.Errorf("calibration_batches must be > 0 (got %d)", c.CalibrationBatches)
	}
	if c.LatencyNormalizer <= 0 {
		return fmt.Errorf("latency_normalizer must be > 0 (got %g)", c.LatencyNormalizer)
	}
	if c.WarmupRuns != nil && *c.WarmupRuns < 0 {
		return fmt.Errorf("warmup_runs must be >= 0 (got %d)", *c.WarmupRuns)
	}
	if c.ConvFilters < 0 {
		return fmt.Errorf("conv_filters must be >= 0 (got %d)", c.ConvFilters)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.ResultsPath == "" {
		c.ResultsPath = "ptq_qat_results.json"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "."
	}
	return nil
}
