package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tipburn/internal/config"
	"tipburn/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve predictions over HTTP",
		Long: `Starts an HTTP server exposing:

  GET  /healthz          liveness
  GET  /api/v1/model     model description and latency statistics
  POST /api/v1/predict   multipart upload with one or more 'image' fields

When server.watch is enabled and a config file is in use, edits to the file
rebuild the model and swap it in without dropping requests. A rebuild that
fails keeps the current model.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			snap, err := a.snapshot(ctx, cfg)
			if err != nil {
				return err
			}
			srv := server.New(snap, server.Options{
				RateLimit:   cfg.Server.RateLimit,
				Burst:       cfg.Server.Burst,
				MaxUploadMB: cfg.Server.MaxUploadMB,
				MaxImages:   cfg.Server.MaxImages,
				Logger:      a.logger,
			})

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(ctx, cfg.Server.Addr, cfg.Server.ShutdownTimeout)
			})
			if cfg.Server.Watch && cfg.File != "" {
				w, err := config.NewWatcher(cfg.File, config.DefaultDebounce, a.logger, func(next *config.Config, err error) {
					a.reload(ctx, srv, next, err)
				})
				if err != nil {
					return err
				}
				g.Go(func() error { return w.Run(ctx) })
			}
			return g.Wait()
		},
	}
	a.addModelFlags(cmd)
	cmd.Flags().StringVar(&a.over.Addr, "addr", "", "listen address")
	return cmd
}

func (a *app) snapshot(ctx context.Context, cfg *config.Config) (*server.Snapshot, error) {
	clf, err := a.buildClassifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &server.Snapshot{
		Model:   clf,
		Labels:  cfg.Model.Classes,
		Input:   cfg.Preprocess(),
		Weights: cfg.Model.Weights,
		Loaded:  time.Now(),
	}, nil
}

// reload rebuilds the served model from an edited config file. Command-line
// overrides keep precedence over the file.
func (a *app) reload(ctx context.Context, srv *server.Server, next *config.Config, err error) {
	if err != nil {
		a.logger.Error("config reload failed, keeping current model", "err", err)
		return
	}
	next.ApplyOverrides(a.over)
	if err := next.Validate(); err != nil {
		a.logger.Error("reloaded config is invalid, keeping current model", "err", err)
		return
	}
	snap, err := a.snapshot(ctx, next)
	if err != nil {
		a.logger.Error("model rebuild failed, keeping current model", "err", err)
		return
	}
	srv.Swap(snap)
}
