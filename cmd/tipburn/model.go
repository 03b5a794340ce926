package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"tipburn/internal/classifier"
	"tipburn/internal/preprocess"
)

func newBackbonesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backbones",
		Short: "List the supported backbones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range classifier.Backbones() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newSummaryCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the assembled model and its parameter counts",
		Long: `Builds the classifier from the configuration and prints each stage of the
backbone and head with its parameter counts. Pretrained weights are fetched
unless --weights NONE is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			clf, err := a.buildClassifier(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			sum := clf.Summary()
			out := cmd.OutOrStdout()
			if asJSON {
				data, err := sonic.ConfigStd.MarshalIndent(sum, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}

			fmt.Fprintf(out, "%s\n\n", clf)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LAYER\tPARAMS\tTRAINABLE\tMODULE")
			for _, l := range sum.Layers {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", l.Name, l.Parameters, l.Trainable, firstLine(l.Description))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\nTotal params:     %d\n", sum.Total)
			fmt.Fprintf(out, "Trainable params: %d\n", sum.Trainable)
			fmt.Fprintf(out, "Frozen params:    %d\n", sum.Frozen())
			fmt.Fprintf(out, "Feature width:    %d\n", sum.Features)
			return nil
		},
	}
	a.addModelFlags(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the summary as JSON")
	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

type filePrediction struct {
	File string `json:"file"`
	classifier.Prediction
}

func newPredictCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "predict FILE...",
		Short: "Classify image files",
		Long: `Classifies one or more JPEG or PNG images. Images are resized to the
configured input size and normalised with the per-channel statistics of the
input section.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, err := preprocess.LoadFiles(args, a.cfg.Preprocess())
			if err != nil {
				return err
			}
			clf, err := a.buildClassifier(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			preds, err := clf.Predict(batch, a.cfg.Model.Classes)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				results := make([]filePrediction, len(preds))
				for i, p := range preds {
					results[i] = filePrediction{File: args[i], Prediction: p}
				}
				data, err := sonic.ConfigStd.MarshalIndent(results, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tCLASS\tCONFIDENCE")
			for i, p := range preds {
				class := p.Label
				if class == "" {
					class = fmt.Sprint(p.Index)
				}
				fmt.Fprintf(tw, "%s\t%s\t%.4f\n", args[i], class, p.Confidence)
			}
			return tw.Flush()
		},
	}
	a.addModelFlags(cmd)
	cmd.Flags().IntVar(&a.over.ImageSize, "image-size", 0, "resize images to this square size")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print predictions as JSON")
	return cmd
}
