package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tipburn/internal/zoo"
)

func newWeightsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weights",
		Short: "List and download pretrained weight sets",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the published weight sets and whether they are cached",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store := a.store(a.cfg, false)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKBONE\tWEIGHTS\tTOP1\tCACHED")
			for _, arch := range zoo.Architectures() {
				for _, ws := range zoo.WeightSets(arch) {
					fmt.Fprintf(tw, "%s\t%s\t%.3f\t%t\n", arch, ws.ID, ws.Top1, store.Cached(ws))
				}
			}
			fmt.Fprintf(tw, "\ncache: %s\n", store.Dir())
			return tw.Flush()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "fetch [BACKBONE [WEIGHTS]]",
		Short: "Download a weight set into the local cache",
		Long: `Downloads a weight set into the cache directory. Without arguments the
configured backbone and weights are fetched.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch, id := a.cfg.Model.Backbone, a.cfg.Model.Weights
			if len(args) > 0 {
				arch = args[0]
			}
			if len(args) > 1 {
				id = args[1]
			}
			ws, ok, err := zoo.ResolveWeights(arch, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: weights %q need no download", arch, id)
			}
			path, err := a.store(a.cfg, true).Fetch(cmd.Context(), ws)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}
