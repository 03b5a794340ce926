// Package config loads tipburn's layered configuration: built-in defaults,
// an optional YAML file validated against an embedded schema, TIPBURN_*
// environment variables and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"tipburn/internal/classifier"
	"tipburn/internal/logger"
	"tipburn/internal/preprocess"
)

// EnvPrefix prefixes environment overrides, e.g. TIPBURN_MODEL_BACKBONE.
const EnvPrefix = "TIPBURN"

// Config captures every runtime knob.
type Config struct {
	Model   ModelConfig   `mapstructure:"model" yaml:"model"`
	Weights WeightsConfig `mapstructure:"weights" yaml:"weights"`
	Input   InputConfig   `mapstructure:"input" yaml:"input"`
	Eval    EvalConfig    `mapstructure:"eval" yaml:"eval"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

type ModelConfig struct {
	Backbone       string   `mapstructure:"backbone" yaml:"backbone"`
	NumClasses     int      `mapstructure:"num_classes" yaml:"num_classes"`
	InputChannels  int      `mapstructure:"input_channels" yaml:"input_channels"`
	Weights        string   `mapstructure:"weights" yaml:"weights"`
	FreezeBackbone bool     `mapstructure:"freeze_backbone" yaml:"freeze_backbone"`
	Seed           int64    `mapstructure:"seed" yaml:"seed"`
	Classes        []string `mapstructure:"classes" yaml:"classes"`
}

type WeightsConfig struct {
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir"`
	Offline  bool   `mapstructure:"offline" yaml:"offline"`
	Progress bool   `mapstructure:"progress" yaml:"progress"`
}

type InputConfig struct {
	ImageSize int       `mapstructure:"image_size" yaml:"image_size"`
	Mean      []float64 `mapstructure:"mean" yaml:"mean"`
	Std       []float64 `mapstructure:"std" yaml:"std"`
	// MaxPixels rejects images whose declared width*height is larger.
	MaxPixels int `mapstructure:"max_pixels" yaml:"max_pixels"`
}

type EvalConfig struct {
	Roots      []string `mapstructure:"roots" yaml:"roots"`
	BatchSize  int      `mapstructure:"batch_size" yaml:"batch_size"`
	NumWorkers int      `mapstructure:"num_workers" yaml:"num_workers"`
	LogEvery   int      `mapstructure:"log_every" yaml:"log_every"`
	Epochs     int      `mapstructure:"epochs" yaml:"epochs"`
	MaxBatches int      `mapstructure:"max_batches" yaml:"max_batches"`
	Seed       int64    `mapstructure:"seed" yaml:"seed"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
	// RateLimit is requests per second across all clients; 0 disables it.
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst           int           `mapstructure:"burst" yaml:"burst"`
	MaxUploadMB     int           `mapstructure:"max_upload_mb" yaml:"max_upload_mb"`
	MaxImages       int           `mapstructure:"max_images" yaml:"max_images"`
	Watch           bool          `mapstructure:"watch" yaml:"watch"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Color  bool   `mapstructure:"color" yaml:"color"`
	File   string `mapstructure:"file" yaml:"file"`
}

// Overrides captures CLI supplied values. Zero values leave the config
// untouched.
type Overrides struct {
	Backbone      string
	NumClasses    int
	InputChannels int
	Weights       string
	// Freeze is tri-state so that --freeze=false can override the file.
	Freeze     *bool
	Offline    bool
	ImageSize  int
	EvalRoots  []string
	BatchSize  int
	NumWorkers int
	MaxBatches int
	Addr       string
	LogLevel   string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.backbone", "resnet50")
	v.SetDefault("model.num_classes", 2)
	v.SetDefault("model.input_channels", classifier.DefaultInputChannels)
	v.SetDefault("model.weights", classifier.DefaultWeights)
	v.SetDefault("model.freeze_backbone", true)
	v.SetDefault("model.seed", 0)
	v.SetDefault("model.classes", []string{})

	v.SetDefault("weights.cache_dir", defaultCacheDir())
	v.SetDefault("weights.offline", false)
	v.SetDefault("weights.progress", true)

	v.SetDefault("input.image_size", 224)
	v.SetDefault("input.mean", []float64{})
	v.SetDefault("input.std", []float64{})
	v.SetDefault("input.max_pixels", preprocess.DefaultMaxPixels)

	v.SetDefault("eval.roots", []string{})
	v.SetDefault("eval.batch_size", 16)
	v.SetDefault("eval.num_workers", 2)
	v.SetDefault("eval.log_every", 10)
	v.SetDefault("eval.epochs", 1)
	v.SetDefault("eval.max_batches", 0)
	v.SetDefault("eval.seed", 42)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.burst", 20)
	v.SetDefault("server.max_upload_mb", 16)
	v.SetDefault("server.max_images", 8)
	v.SetDefault("server.watch", true)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.file", "")
}

// Load builds a Config. An empty path searches the working directory and
// the user config directory for tipburn.yaml; finding none is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(expandPath(path))
	} else {
		v.SetConfigName("tipburn")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir := userConfigDir(); dir != "" {
			v.AddConfigPath(dir)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{File: v.ConfigFileUsed()}
	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := ValidateDocument(data); err != nil {
			return nil, fmt.Errorf("%s: %w", cfg.File, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Backbone != "" {
		c.Model.Backbone = o.Backbone
	}
	if o.NumClasses > 0 {
		c.Model.NumClasses = o.NumClasses
	}
	if o.InputChannels > 0 {
		c.Model.InputChannels = o.InputChannels
	}
	if o.Weights != "" {
		c.Model.Weights = o.Weights
	}
	if o.Freeze != nil {
		c.Model.FreezeBackbone = *o.Freeze
	}
	if o.Offline {
		c.Weights.Offline = true
	}
	if o.ImageSize > 0 {
		c.Input.ImageSize = o.ImageSize
	}
	if len(o.EvalRoots) > 0 {
		c.Eval.Roots = o.EvalRoots
	}
	if o.BatchSize > 0 {
		c.Eval.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.Eval.NumWorkers = o.NumWorkers
	}
	if o.MaxBatches > 0 {
		c.Eval.MaxBatches = o.MaxBatches
	}
	if o.Addr != "" {
		c.Server.Addr = o.Addr
	}
	if o.LogLevel != "" {
		c.Log.Level = o.LogLevel
	}
}

// Validate verifies the config is runnable. Backbone names are checked when
// the model is built.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	m := c.Model
	if m.NumClasses <= 0 {
		return fmt.Errorf("model.num_classes must be > 0 (got %d)", m.NumClasses)
	}
	if m.InputChannels <= 0 {
		return fmt.Errorf("model.input_channels must be > 0 (got %d)", m.InputChannels)
	}
	if len(m.Classes) > 0 && len(m.Classes) != m.NumClasses {
		return fmt.Errorf("model.classes has %d names for %d classes", len(m.Classes), m.NumClasses)
	}
	if c.Input.ImageSize <= 0 {
		return fmt.Errorf("input.image_size must be > 0 (got %d)", c.Input.ImageSize)
	}
	if c.Input.MaxPixels <= 0 {
		return fmt.Errorf("input.max_pixels must be > 0 (got %d)", c.Input.MaxPixels)
	}
	if len(c.Input.Mean) != len(c.Input.Std) {
		return fmt.Errorf("input.mean and input.std differ in length (%d vs %d)", len(c.Input.Mean), len(c.Input.Std))
	}
	if err := c.Preprocess().Validate(); err != nil {
		return err
	}
	if c.Eval.BatchSize <= 0 {
		return fmt.Errorf("eval.batch_size must be > 0 (got %d)", c.Eval.BatchSize)
	}
	if c.Eval.NumWorkers <= 0 {
		return fmt.Errorf("eval.num_workers must be > 0 (got %d)", c.Eval.NumWorkers)
	}
	if c.Eval.LogEvery <= 0 {
		c.Eval.LogEvery = 10
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must be >= 0 (got %g)", c.Server.RateLimit)
	}
	if c.Server.RateLimit > 0 && c.Server.Burst <= 0 {
		return fmt.Errorf("server.burst must be > 0 when rate limiting (got %d)", c.Server.Burst)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("server.max_upload_mb must be > 0 (got %d)", c.Server.MaxUploadMB)
	}
	if c.Server.MaxImages <= 0 {
		return fmt.Errorf("server.max_images must be > 0 (got %d)", c.Server.MaxImages)
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}
	return nil
}

// Classifier returns the model assembly settings.
func (c *Config) Classifier() classifier.ModelConfig {
	return classifier.ModelConfig{
		Backbone:         c.Model.Backbone,
		NumClasses:       c.Model.NumClasses,
		NumInputChannels: c.Model.InputChannels,
		Weights:          c.Model.Weights,
		FreezeBackbone:   c.Model.FreezeBackbone,
	}
}

// Preprocess returns the image preprocessing settings. Without explicit
// statistics the defaults for the channel count apply.
func (c *Config) Preprocess() preprocess.Options {
	o := preprocess.DefaultOptions(c.Model.InputChannels)
	o.Size = c.Input.ImageSize
	o.MaxPixels = c.Input.MaxPixels
	if len(c.Input.Mean) > 0 {
		o.Mean = toFloat32(c.Input.Mean)
		o.Std = toFloat32(c.Input.Std)
	}
	return o
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(opts ...logger.Option) (*slog.Logger, func() error, error) {
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	all := []logger.Option{
		logger.WithLevel(level),
		logger.WithJSON(c.Log.Format == "json"),
		logger.WithColor(c.Log.Color),
	}
	if c.Log.File != "" {
		all = append(all, logger.WithLogFile(c.Log.File, 50, 3))
	}
	l, closer := logger.New(append(all, opts...)...)
	return l, closer.Close, nil
}

// YAML encodes the effective configuration as a config document.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// JSON encodes the effective configuration with the same keys as YAML.
func (c *Config) JSON() ([]byte, error) {
	data, err := c.YAML()
	if err != nil {
		return nil, err
	}
	raw, err := toJSONValue(data)
	if err != nil {
		return nil, err
	}
	return sonic.ConfigStd.MarshalIndent(raw, "", "  ")
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func (c *Config) expandPaths() {
	c.Weights.CacheDir = expandPath(c.Weights.CacheDir)
	c.Log.File = expandPath(c.Log.File)
	for i, r := range c.Eval.Roots {
		c.Eval.Roots[i] = expandPath(r)
	}
}

// expandPath expands a leading ~ and environment variables.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[1:])
		}
	}
	return os.ExpandEnv(path)
}

func defaultCacheDir() string {
	if dir := os.Getenv("TIPBURN_HOME"); dir != "" {
		return filepath.Join(dir, "weights")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "tipburn", "weights")
	}
	return filepath.Join(".tipburn", "weights")
}

func userConfigDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tipburn")
}
