package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"quantbench/internal/config"
	"quantbench/internal/dataset"
	"quantbench/internal/device"
	"quantbench/internal/logger"
	"quantbench/internal/model"
)

// runFlags are shared by the commands that train.
type runFlags struct {
	configPath string
	dataRoot   string
	synthetic  bool
	epochs     int
	batchSize  int
	numWorkers int
	seed       int64
	logEvery   int
	device     string
	observer   string
	logLevel   string
	logFormat  string
}

func (f *runFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config", Destination: &f.configPath},
		&cli.StringFlag{Name: "data-root", Usage: "directory holding CIFAR-10 batches or train/test shards", Destination: &f.dataRoot},
		&cli.BoolFlag{Name: "synthetic", Usage: "use a generated dataset instead of data-root", Destination: &f.synthetic},
		&cli.IntFlag{Name: "epochs", Usage: "epochs per pipeline (overrides ptq_epochs and qat_epochs)", Destination: &f.epochs},
		&cli.IntFlag{Name: "batch-size", Usage: "batch size", Destination: &f.batchSize},
		&cli.IntFlag{Name: "num-workers", Usage: "data loader workers", Destination: &f.numWorkers},
		&cli.Int64Flag{Name: "seed", Usage: "PRNG seed", Destination: &f.seed},
		&cli.IntFlag{Name: "log-every", Usage: "log throughput every N steps", Destination: &f.logEvery},
		&cli.StringFlag{Name: "device", Usage: "compute device (auto, cpu, cuda)", Destination: &f.device},
		&cli.StringFlag{Name: "observer", Usage: "observer strategy (minmax, fourbit)", Destination: &f.observer},
		&cli.StringFlag{Name: "log-level", Usage: "log level (debug, info, warn, error)", Destination: &f.logLevel},
		&cli.StringFlag{Name: "log-format", Usage: "log format (text, json)", Destination: &f.logFormat},
	}
}

func (f *runFlags) overrides(c *cli.Command) config.Overrides {
	o := config.Overrides{
		DataRoot:   f.dataRoot,
		BatchSize:  f.batchSize,
		NumWorkers: f.numWorkers,
		LogEvery:   f.logEvery,
		Device:     f.device,
		Observer:   f.observer,
		LogLevel:   f.logLevel,
		LogFormat:  f.logFormat,
	}
	if c.IsSet("synthetic") {
		o.Synthetic = &f.synthetic
	}
	if c.IsSet("epochs") {
		o.Epochs = &f.epochs
	}
	if c.IsSet("seed") {
		o.Seed = &f.seed
	}
	return o
}

// session is the resolved state every training command starts from.
type session struct {
	ctx    context.Context
	cfg    *config.Config
	log    logger.Logger
	device device.Info
	runID  string
}

func (f *runFlags) open(ctx context.Context, c *cli.Command) (*session, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		cfg = loaded
	}
	cfg.ApplyOverrides(f.overrides(c))
	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: invalid config: %v", err), 1)
	}

	base, err := logger.Build(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	runID := uuid.NewString()
	log := base.With("run_id", runID)
	ctx = logger.WithContext(ctx, log)

	dev, err := device.Resolve(ctx, cfg.Device)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = dev.SuggestedWorkers()
	}
	log.Info("device resolved", dev.LogAttrs()...)

	return &session{ctx: ctx, cfg: cfg, log: log, device: dev, runID: runID}, nil
}

func (s *session) datasets() (train, test *dataset.Dataset, err error) {
	cfg := s.cfg
	if cfg.Synthetic {
		n := cfg.SyntheticSamples
		train = dataset.Synthetic("train", n, cfg.Seed)
		test = dataset.Synthetic("test", max(n/5, 1), cfg.Seed+1)
	} else {
		if train, err = dataset.Open(s.ctx, cfg.DataRoot, true); err != nil {
			return nil, nil, err
		}
		if test, err = dataset.Open(s.ctx, cfg.DataRoot, false); err != nil {
			return nil, nil, err
		}
	}
	s.log.Info("dataset ready", "train", train.Len(), "test", test.Len(), "synthetic", cfg.Synthetic)
	return train, test, nil
}

func (s *session) loaderOptions() dataset.LoaderOptions {
	return dataset.LoaderOptions{
		BatchSize:  s.cfg.BatchSize,
		NumWorkers: s.cfg.NumWorkers,
		Seed:       s.cfg.Seed,
	}
}

func (s *session) newModel() *model.SimpleCNN {
	g := model.DefaultGeometry()
	if s.cfg.ConvFilters > 0 {
		g.Filters = s.cfg.ConvFilters
	}
	return model.NewSimpleCNN(g, s.cfg.Seed)
}

func (s *session) newOptimizer(params []*model.Param) (model.Optimizer, error) {
	return model.NewOptimizer(s.cfg.Optimizer, params, s.cfg.LearningRate)
}
