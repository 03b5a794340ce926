// Package classifier assembles an image classifier from a zoo backbone: the
// stem convolution is rebuilt for the configured input channels, the
// backbone can be frozen, and its final layer is replaced by a flatten +
// linear head sized for the target classes.
package classifier

import (
	"context"
	"fmt"
	"log/slog"

	"tipburn/internal/nn"
	"tipburn/internal/tensor"
	"tipburn/internal/zoo"
)

// WeightLoader returns the pretrained state dict of arch for weight set id.
// A nil map with a nil error means no pretrained weights.
type WeightLoader interface {
	Load(ctx context.Context, arch, id string) (map[string]*tensor.Tensor, error)
}

// Option configures New.
type Option func(*options)

type options struct {
	loader WeightLoader
	seed   int64
	logger *slog.Logger
}

// WithWeightLoader sets where pretrained weights come from. Usually a
// *zoo.Store.
func WithWeightLoader(l WeightLoader) Option {
	return func(o *options) { o.loader = l }
}

// WithSeed seeds the initialisation of freshly created layers.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

// WithLogger sets the logger used during construction.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Classifier is a backbone feature extractor followed by a flatten + linear
// head. Forward only reads parameters, so it may be called concurrently.
type Classifier struct {
	cfg      ModelConfig
	backbone *nn.Sequential
	head     *nn.Sequential
	stem     *nn.Conv2d
	fc       *nn.Linear
}

// New builds a classifier for cfg. An unknown backbone fails with an
// *UnsupportedBackboneError before any weights are loaded.
func New(ctx context.Context, cfg ModelConfig, opts ...Option) (*Classifier, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.withDefaults()

	v, err := lookupVariant(cfg.Backbone)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := nn.NewRand(o.seed)

	net, err := v.Build(rng)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", v.Name, err)
	}
	if err := loadWeights(ctx, o, net, v.Name, cfg.Weights); err != nil {
		return nil, err
	}
	if cfg.FreezeBackbone {
		nn.SetTrainable(net, false)
	}

	body := nn.NewSequential(net.Children()...)
	old, err := v.stem(body)
	if err != nil {
		return nil, err
	}
	stem := nn.NewConv2d(nn.Conv2dConfig{
		InChannels:  cfg.NumInputChannels,
		OutChannels: old.OutChannels,
		Kernel:      old.Kernel,
		Stride:      old.Stride,
		Padding:     old.Padding,
		Bias:        old.Bias != nil,
	}, rng)
	if err := body.Replace(v.Stem.Conv, stem); err != nil {
		return nil, err
	}

	width, err := v.featureWidth(body)
	if err != nil {
		return nil, err
	}
	backbone := body.Slice(0, body.Len()-1)
	if err := checkWidth(backbone, cfg.NumInputChannels, v.ProbeSize, width); err != nil {
		return nil, fmt.Errorf("%s: %w", v.Name, err)
	}

	fc := nn.NewLinear(width, cfg.NumClasses, rng)
	head := nn.NewSequential(
		nn.Child{Name: "0", Module: &nn.Flatten{StartDim: 1}},
		nn.Child{Name: "1", Module: fc},
	)

	c := &Classifier{cfg: cfg, backbone: backbone, head: head, stem: stem, fc: fc}
	total, trainable := nn.CountParameters(c)
	o.logger.Info("classifier assembled",
		"backbone", v.Name,
		"weights", cfg.Weights,
		"in_channels", cfg.NumInputChannels,
		"classes", cfg.NumClasses,
		"features", width,
		"params", total,
		"trainable", trainable,
	)
	return c, nil
}

func loadWeights(ctx context.Context, o options, net nn.Module, arch, id string) error {
	_, ok, err := zoo.ResolveWeights(arch, id)
	if err != nil {
		return err
	}
	if !ok {
		o.logger.Debug("using random initialisation", "backbone", arch)
		return nil
	}
	if o.loader == nil {
		return fmt.Errorf("weights %s requested for %s but no weight loader is configured", id, arch)
	}
	state, err := o.loader.Load(ctx, arch, id)
	if err != nil {
		return fmt.Errorf("load %s weights %s: %w", arch, id, err)
	}
	if err := nn.LoadStateDict(net, state); err != nil {
		return fmt.Errorf("load %s weights %s: %w", arch, id, err)
	}
	return nil
}

// checkWidth runs a zero probe through the feature extractor and compares
// the flattened width with the head's expected input width.
func checkWidth(backbone nn.Module, channels, size, want int) error {
	out, err := backbone.Forward(tensor.New(1, channels, size, size))
	if err != nil {
		return fmt.Errorf("probe feature extractor: %w", err)
	}
	if got := out.Len(); got != want {
		return fmt.Errorf("%w: feature extractor emits %d features, head expects %d", ErrIncompatibleBackbone, got, want)
	}
	return nil
}

// Forward maps [batch, channels, height, width] images to [batch, classes]
// logits.
func (c *Classifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Dim(1) != c.cfg.NumInputChannels {
		return nil, fmt.Errorf("%w: classifier expects [N %d H W] input, got %v",
			tensor.ErrShape, c.cfg.NumInputChannels, x.Shape())
	}
	features, err := c.backbone.Forward(x)
	if err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}
	logits, err := c.head.Forward(features)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	return logits, nil
}

// Children exposes the two stages under their parameter-name prefixes.
func (c *Classifier) Children() []nn.Child {
	return []nn.Child{
		{Name: "backbone", Module: c.backbone},
		{Name: "classifier", Module: c.head},
	}
}

// Config returns the effective configuration, defaults applied.
func (c *Classifier) Config() ModelConfig { return c.cfg }

// Backbone returns the feature extractor.
func (c *Classifier) Backbone() *nn.Sequential { return c.backbone }

// Head returns the flatten + linear classifier.
func (c *Classifier) Head() *nn.Sequential { return c.head }

// Stem returns the rebuilt first convolution.
func (c *Classifier) Stem() *nn.Conv2d { return c.stem }

// InputChannels is the channel count Forward accepts.
func (c *Classifier) InputChannels() int { return c.stem.InChannels }

// NumClasses is the width of the logits.
func (c *Classifier) NumClasses() int { return c.fc.OutFeatures }

// FeatureWidth is the number of features fed to the linear layer.
func (c *Classifier) FeatureWidth() int { return c.fc.InFeatures }

// Parameters lists every parameter with its dotted name.
func (c *Classifier) Parameters() []nn.NamedParameter { return nn.Parameters(c) }

// StateDict returns the parameters and buffers keyed by dotted name.
func (c *Classifier) StateDict() map[string]*tensor.Tensor { return nn.StateDict(c) }

func (c *Classifier) String() string {
	return fmt.Sprintf("Classifier(%s, in_channels=%d, classes=%d)", c.cfg.Backbone, c.InputChannels(), c.NumClasses())
}

var _ nn.Container = (*Classifier)(nil)
