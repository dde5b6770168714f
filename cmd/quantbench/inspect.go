package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"quantbench/internal/model"
	"quantbench/internal/trainer"
)

type tensorSummary struct {
	Name      string  `json:"name"`
	DType     string  `json:"dtype"`
	Shape     []int   `json:"shape"`
	Elements  int     `json:"elements"`
	Bytes     int     `json:"bytes"`
	Scale     float64 `json:"scale,omitempty"`
	ZeroPoint int64   `json:"zero_point,omitempty"`
}

type checkpointSummary struct {
	Path    string          `json:"path"`
	SizeMB  float64         `json:"size_mb"`
	Tensors []tensorSummary `json:"tensors"`
}

func inspectCmd() *cli.Command {
	var (
		asJSON bool
		filter string
	)

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the tensors stored in a checkpoint",
		ArgsUsage: "<checkpoint>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print the summary as JSON", Destination: &asJSON},
			&cli.StringFlag{Name: "filter", Usage: "substring filter for tensor names", Destination: &filter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			path := c.Args().First()
			if path == "" {
				return cli.Exit("error: checkpoint path is required", 1)
			}
			sd, err := trainer.ReadCheckpoint(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			summary := summarize(path, sd, filter)
			if asJSON {
				raw, err := json.MarshalIndent(summary, "", "    ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode: %v", err), 1)
				}
				_, _ = fmt.Fprintln(os.Stdout, string(raw))
				return nil
			}
			printSummary(os.Stdout, summary)
			return nil
		},
	}
}

func summarize(path string, sd model.StateDict, filter string) checkpointSummary {
	out := checkpointSummary{
		Path:   path,
		SizeMB: float64(len(model.EncodeStateDict(sd))) / 1e6,
	}
	for _, name := range sd.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		t := sd[name]
		out.Tensors = append(out.Tensors, tensorSummary{
			Name:      name,
			DType:     t.DType.String(),
			Shape:     t.Shape,
			Elements:  t.NumElements(),
			Bytes:     len(t.Data),
			Scale:     t.Scale,
			ZeroPoint: t.ZeroPoint,
		})
	}
	return out
}

func printSummary(w io.Writer, s checkpointSummary) {
	_, _ = fmt.Fprintf(w, "%s (%.6f MB, %d tensors)\n", s.Path, s.SizeMB, len(s.Tensors))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDTYPE\tSHAPE\tBYTES\tSCALE\tZERO_POINT")
	for _, t := range s.Tensors {
		q := "-\t-"
		if t.Scale != 0 {
			q = fmt.Sprintf("%.6g\t%d", t.Scale, t.ZeroPoint)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%s\n", t.Name, t.DType, t.Shape, t.Bytes, q)
	}
	_ = tw.Flush()
}
