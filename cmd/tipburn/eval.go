package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tipburn/internal/dataset"
	"tipburn/internal/evaluator"
)

func newEvalCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Measure accuracy on labelled WebDataset shards",
		Long: `Streams every shard-*.tar under the configured roots through the
classifier and prints the accuracy, per-class recall and confusion matrix.
Each sample pairs an image (.jpg, .jpeg or .png) with a .cls label.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if len(cfg.Eval.Roots) == 0 {
				return errors.New("no evaluation roots; set eval.roots or pass --roots")
			}
			roots, err := dataset.DiscoverByRoot(cfg.Eval.Roots)
			if err != nil {
				return err
			}
			if dataset.CountShards(roots) == 0 {
				return fmt.Errorf("no shards found under %v", cfg.Eval.Roots)
			}
			for root, shards := range roots {
				a.logger.Info("discovered shards", "root", root, "shards", len(shards))
			}

			clf, err := a.buildClassifier(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			report, err := evaluator.Run(cmd.Context(), clf, evaluator.Config{
				Roots:      roots,
				BatchSize:  cfg.Eval.BatchSize,
				NumWorkers: cfg.Eval.NumWorkers,
				LogEvery:   cfg.Eval.LogEvery,
				Seed:       cfg.Eval.Seed,
				Epochs:     cfg.Eval.Epochs,
				MaxBatches: cfg.Eval.MaxBatches,
				Input:      cfg.Preprocess(),
				Labels:     cfg.Model.Classes,
			}, a.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Images:    %d (%d skipped)\n", report.Images, report.Skipped)
			fmt.Fprintf(out, "Batches:   %d in %s (%.1f img/s)\n", report.Batches, report.Elapsed.Round(time.Millisecond), report.ImagesPerSec)
			fmt.Fprintf(out, "Accuracy:  %.4f\n\n", report.Accuracy())

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLASS\tRECALL")
			for i, r := range report.Confusion.Recall() {
				fmt.Fprintf(tw, "%s\t%.4f\n", className(cfg.Model.Classes, i), r)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%s", report.Confusion.Format(cfg.Model.Classes))
			return nil
		},
	}
	a.addModelFlags(cmd)
	f := cmd.Flags()
	f.StringSliceVar(&a.over.EvalRoots, "roots", nil, "dataset roots holding shard-*.tar files")
	f.IntVar(&a.over.BatchSize, "batch-size", 0, "images per batch")
	f.IntVar(&a.over.NumWorkers, "num-workers", 0, "shard reader workers")
	f.IntVar(&a.over.MaxBatches, "max-batches", 0, "stop after this many batches")
	f.IntVar(&a.over.ImageSize, "image-size", 0, "resize images to this square size")
	return cmd
}

func className(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return fmt.Sprint(i)
}
