package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"quantbench/internal/dataset"
	"quantbench/internal/model"
	"quantbench/internal/trainer"
)

func trainCmd() *cli.Command {
	var (
		rf          runFlags
		historyPath string
		resumePath  string
	)
	flags := append(rf.flags(),
		&cli.StringFlag{Name: "history", Usage: "write per-epoch metrics as JSON to this path", Destination: &historyPath},
		&cli.StringFlag{Name: "resume", Usage: "start from the weights in this checkpoint", Destination: &resumePath},
	)

	return &cli.Command{
		Name:  "train",
		Usage: "Train the float baseline and keep its best checkpoint",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := rf.open(ctx, c)
			if err != nil {
				return err
			}
			train, test, err := s.datasets()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load dataset: %v", err), 1)
			}

			net, err := s.baselineModel(resumePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opt, err := s.newOptimizer(net.Params())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			opts := s.loaderOptions()
			trainOpts, testOpts := opts, opts
			trainOpts.Shuffle = true

			best, history, err := trainer.TrainAndEvaluate(s.ctx, net, opt, trainer.RunConfig{
				Name:      "baseline",
				Train:     dataset.NewLoader(train, trainOpts),
				Test:      dataset.NewLoader(test, testOpts),
				Criterion: model.CrossEntropy{},
				Epochs:    s.cfg.Epochs,
				BestPath:  filepath.Join(s.cfg.CheckpointDir, "best_model.ckpt"),
				LogEvery:  s.cfg.LogEvery,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: training failed: %v", err), 1)
			}
			s.log.Info("training finished", "best_val_acc", best, "epochs", history.Len())

			if historyPath != "" {
				raw, err := json.MarshalIndent(history, "", "    ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode history: %v", err), 1)
				}
				if err := os.WriteFile(historyPath, raw, 0o644); err != nil {
					return cli.Exit(fmt.Sprintf("error: write history: %v", err), 1)
				}
			}
			_, _ = fmt.Fprintf(os.Stdout, "best validation accuracy: %.2f%%\n", best)
			return nil
		},
	}
}

// baselineModel builds the float network, restoring it from resume when set.
func (s *session) baselineModel(resume string) (*model.SimpleCNN, error) {
	net := s.newModel()
	if resume == "" {
		return net, nil
	}
	if err := trainer.LoadCheckpoint(net, resume); err != nil {
		return nil, err
	}
	s.log.Info("resumed from checkpoint", "path", resume)
	return net, nil
}
