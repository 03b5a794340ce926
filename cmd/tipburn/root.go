package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"tipburn/internal/classifier"
	"tipburn/internal/config"
	"tipburn/internal/logger"
	"tipburn/internal/zoo"
)

// app carries state shared by every subcommand.
type app struct {
	cfgFile  string
	logLevel string
	over     config.Overrides
	freeze   bool

	cfg      *config.Config
	logger   *slog.Logger
	closeLog func() error
	stderr   io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "tipburn",
		Short: "Tipburn image classifier",
		Long: `Tipburn classifies leaf images with a pretrained ResNet backbone whose
stem is adapted to the input channels and whose head is sized for the
target classes.

Key Commands:
  backbones  - List the supported backbones
  summary    - Show the assembled model and its parameter counts
  predict    - Classify image files
  eval       - Measure accuracy on labelled WebDataset shards
  serve      - Serve predictions over HTTP
  weights    - List and download pretrained weight sets
  config     - Show the effective configuration`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default is ./tipburn.yaml or $XDG_CONFIG_HOME/tipburn/tipburn.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(
		newBackbonesCmd(),
		newSummaryCmd(a),
		newPredictCmd(a),
		newEvalCmd(a),
		newServeCmd(a),
		newWeightsCmd(a),
		newConfigCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	a.over.LogLevel = a.logLevel
	if f := cmd.Flags().Lookup("freeze"); f != nil && f.Changed {
		a.over.Freeze = &a.freeze
	}
	cfg.ApplyOverrides(a.over)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	l, closeLog, err := cfg.Logger(logger.WithWriter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	a.cfg, a.logger, a.closeLog, a.stderr = cfg, l, closeLog, cmd.ErrOrStderr()
	if cfg.File != "" {
		l.Debug("config loaded", "file", cfg.File)
	}
	return nil
}

// addModelFlags registers the flags that select and adapt the model.
func (a *app) addModelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&a.over.Backbone, "backbone", "", "backbone architecture")
	f.IntVar(&a.over.NumClasses, "num-classes", 0, "number of output classes")
	f.IntVar(&a.over.InputChannels, "input-channels", 0, "number of input image channels")
	f.StringVar(&a.over.Weights, "weights", "", "pretrained weight set (IMAGENET1K_V1, IMAGENET1K_V2, DEFAULT or NONE)")
	f.BoolVar(&a.freeze, "freeze", true, "freeze the pretrained backbone")
	f.BoolVar(&a.over.Offline, "offline", false, "never download weights")
}

// store opens the weight cache described by cfg's weights section.
func (a *app) store(cfg *config.Config, progress bool) *zoo.Store {
	opts := []zoo.StoreOption{
		zoo.WithOffline(cfg.Weights.Offline),
		zoo.WithLogger(a.logger),
	}
	if progress && cfg.Weights.Progress {
		opts = append(opts, zoo.WithProgress(a.stderr))
	}
	return zoo.NewStore(cfg.Weights.CacheDir, opts...)
}

// buildClassifier assembles the model described by cfg, fetching pretrained
// weights into the local cache when needed.
func (a *app) buildClassifier(ctx context.Context, cfg *config.Config) (*classifier.Classifier, error) {
	return classifier.New(ctx, cfg.Classifier(),
		classifier.WithWeightLoader(a.store(cfg, true)),
		classifier.WithSeed(cfg.Model.Seed),
		classifier.WithLogger(a.logger),
	)
}
