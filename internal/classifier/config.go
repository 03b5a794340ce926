package classifier

import "fmt"

// Defaults applied by ModelConfig.withDefaults.
const (
	DefaultInputChannels = 3
	DefaultWeights       = "IMAGENET1K_V1"
)

// ModelConfig selects and adapts a backbone. The classifier keeps its own
// copy, so later edits by the caller have no effect.
type ModelConfig struct {
	Backbone         string
	NumClasses       int
	NumInputChannels int
	// Weights names a pretrained weight set ("IMAGENET1K_V1", "DEFAULT", ...).
	// Empty means IMAGENET1K_V1; "NONE" keeps the random initialisation.
	Weights        string
	FreezeBackbone bool
}

// NewModelConfig returns a config with the usual defaults: three input
// channels, IMAGENET1K_V1 weights and a frozen backbone.
func NewModelConfig(backbone string, numClasses int) ModelConfig {
	return ModelConfig{
		Backbone:         backbone,
		NumClasses:       numClasses,
		NumInputChannels: DefaultInputChannels,
		Weights:          DefaultWeights,
		FreezeBackbone:   true,
	}
}

func (c ModelConfig) withDefaults() ModelConfig {
	if c.NumInputChannels == 0 {
		c.NumInputChannels = DefaultInputChannels
	}
	if c.Weights == "" {
		c.Weights = DefaultWeights
	}
	return c
}

// Validate checks the numeric fields. Backbone names are checked by New.
func (c ModelConfig) Validate() error {
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.NumInputChannels < 0 {
		return fmt.Errorf("num_input_channels must be > 0 (got %d)", c.NumInputChannels)
	}
	return nil
}
