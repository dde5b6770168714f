package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/urfave/cli/v3"

	"quantbench/internal/bench"
	"quantbench/internal/model"
	"quantbench/internal/quant"
)

func compareCmd() *cli.Command {
	var (
		rf          runFlags
		resultsPath string
	)
	flags := append(rf.flags(),
		&cli.StringFlag{Name: "results", Aliases: []string{"o"}, Usage: "report output path", Destination: &resultsPath},
	)

	return &cli.Command{
		Name:  "compare",
		Usage: "Run the PTQ and QAT pipelines and write the results report",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := rf.open(ctx, c)
			if err != nil {
				return err
			}
			cfg := s.cfg
			if resultsPath != "" {
				cfg.ResultsPath = resultsPath
			}

			strategy, err := quant.StrategyByName(cfg.Observer)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			train, test, err := s.datasets()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load dataset: %v", err), 1)
			}

			env := &bench.Env{
				Train:     train,
				Test:      test,
				Loader:    s.loaderOptions(),
				Criterion: model.CrossEntropy{},
				QConfig:   quant.NewQConfig(strategy),
				Epochs: map[string]int{
					"PTQ": cfg.PipelineEpochs("ptq"),
					"QAT": cfg.PipelineEpochs("qat"),
				},
				CalibrationBatches: cfg.CalibrationBatches,
				WarmupRuns:         cfg.Warmup(),
				LatencyNormalizer:  cfg.LatencyNormalizer,
				CheckpointDir:      cfg.CheckpointDir,
				LogEvery:           cfg.LogEvery,
			}
			cmp := &bench.Comparator{
				Env:          env,
				Pipelines:    bench.DefaultPipelines(),
				NewModel:     s.newModel,
				NewOptimizer: s.newOptimizer,
				ResultsPath:  cfg.ResultsPath,
			}
			s.log.Info("comparison starting", "observer", strategy.Name(), "results", cfg.ResultsPath)
			res, err := cmp.Run(s.ctx)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: comparison failed: %v", err), 1)
			}
			printReport(os.Stdout, res.Report)
			return nil
		},
	}
}

func printReport(w io.Writer, r bench.Report) {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w, "%s\n", name)
		metrics := r[name]
		keys := make([]string, 0, len(metrics))
		for k := range metrics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %-30s %.6g\n", k, metrics[k])
		}
	}
}
