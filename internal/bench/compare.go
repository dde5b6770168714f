package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"quantbench/internal/logger"
	"quantbench/internal/metrics"
	"quantbench/internal/model"
)

// Report maps pipeline name to metric name to value.
type Report map[string]map[string]float64

// Entry renders an Outcome under the report's metric names.
func Entry(name string, o Outcome) map[string]float64 {
	post := "Post-" + name
	return map[string]float64{
		"Accuracy":           o.Accuracy,
		"Model Size (MB)":    o.SizeMB,
		"Inference Time (s)": o.Latency,

		post + " Accuracy":           o.BestAccuracy,
		post + " Model Size (MB)":    o.PreparedSizeMB,
		post + " Inference Time (s)": o.PreparedLatency,
	}
}

// Marshal encodes the report as JSON indented by four spaces.
func (r Report) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "    ")
}

// WriteFile writes the report to path, creating parent directories.
func (r Report) WriteFile(path string) error {
	raw, err := r.Marshal()
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadReport loads a report written by WriteFile.
func ReadReport(path string) (Report, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return r, nil
}

// Results is everything a comparison produced.
type Results struct {
	Report    Report
	Histories map[string]metrics.History
}

// Comparator runs pipelines one after another, each on its own model and
// optimizer.
type Comparator struct {
	Env       *Env
	Pipelines []Pipeline
	// NewModel and NewOptimizer are called once per pipeline.
	NewModel     func() *model.SimpleCNN
	NewOptimizer func(params []*model.Param) (model.Optimizer, error)
	// ResultsPath, when set, receives the report after every pipeline succeeded.
	ResultsPath string
}

// DefaultPipelines is PTQ followed by QAT.
func DefaultPipelines() []Pipeline {
	return []Pipeline{PTQ{}, QAT{}}
}

// Run executes every pipeline. Any pipeline failure aborts the comparison and
// no report is written.
func (c *Comparator) Run(ctx context.Context) (Results, error) {
	if c.Env == nil {
		return Results{}, errors.New("bench: env is required")
	}
	if err := c.Env.validate(); err != nil {
		return Results{}, err
	}
	if c.NewModel == nil || c.NewOptimizer == nil {
		return Results{}, errors.New("bench: model and optimizer factories are required")
	}
	pipelines := c.Pipelines
	if len(pipelines) == 0 {
		pipelines = DefaultPipelines()
	}

	base := logger.FromContext(ctx)
	res := Results{Report: Report{}, Histories: map[string]metrics.History{}}
	for _, p := range pipelines {
		name := p.Name()
		log := base.With("pipeline", name)
		pctx := logger.WithContext(ctx, log)

		net := c.NewModel()
		opt, err := c.NewOptimizer(net.Params())
		if err != nil {
			return Results{}, fmt.Errorf("%s: optimizer: %w", name, err)
		}
		log.Info("pipeline starting", "epochs", c.Env.EpochsFor(name))
		start := time.Now()
		out, err := p.Run(pctx, c.Env, net, opt)
		if err != nil {
			return Results{}, fmt.Errorf("%s: %w", name, err)
		}
		log.Info("pipeline finished", "elapsed", time.Since(start).Round(time.Millisecond))
		res.Report[name] = Entry(name, out)
		res.Histories[name] = out.History
	}

	if c.ResultsPath != "" {
		if err := res.Report.WriteFile(c.ResultsPath); err != nil {
			return Results{}, err
		}
		base.Info("results written", "path", c.ResultsPath)
	}
	return res, nil
}
