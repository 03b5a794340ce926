package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
model:
  backbone: wide_resnet50_2
  num_classes: 3
  input_channels: 1
  weights: NONE
  freeze_backbone: false
  classes: [healthy, mild, severe]
weights:
  cache_dir: ~/weights
input:
  image_size: 96
  mean: [0.5]
  std: [0.25]
eval:
  roots: ["$TIPBURN_TEST_DATA/val"]
  batch_size: 4
server:
  addr: 127.0.0.1:9000
  rate_limit: 2.5
  shutdown_timeout: 3s
log:
  level: debug
  format: json
`

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tipburn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, "resnet50", cfg.Model.Backbone)
	assert.Equal(t, 3, cfg.Model.InputChannels)
	assert.Equal(t, "IMAGENET1K_V1", cfg.Model.Weights)
	assert.True(t, cfg.Model.FreezeBackbone)
	assert.Equal(t, 224, cfg.Input.ImageSize)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)

	o := cfg.Preprocess()
	assert.Equal(t, []float32{0.485, 0.456, 0.406}, o.Mean)
	assert.Equal(t, 50_000_000, o.MaxPixels)
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	t.Setenv("TIPBURN_TEST_DATA", "/data")
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.File)
	assert.Equal(t, "wide_resnet50_2", cfg.Model.Backbone)
	assert.Equal(t, []string{"healthy", "mild", "severe"}, cfg.Model.Classes)
	assert.False(t, cfg.Model.FreezeBackbone)
	assert.Equal(t, filepath.Join(home, "weights"), cfg.Weights.CacheDir)
	assert.Equal(t, []string{"/data/val"}, cfg.Eval.Roots)
	assert.Equal(t, 2.5, cfg.Server.RateLimit)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 2, cfg.Eval.NumWorkers, "unset keys keep defaults")

	mc := cfg.Classifier()
	assert.Equal(t, 1, mc.NumInputChannels)
	assert.Equal(t, "NONE", mc.Weights)

	o := cfg.Preprocess()
	assert.Equal(t, 96, o.Size)
	assert.Equal(t, []float32{0.5}, o.Mean)
	assert.NoError(t, o.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)
	t.Setenv("TIPBURN_SERVER_ADDR", ":7000")
	cfg, err := Load(writeConfig(t, "model:\n  num_classes: 3\n"))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
}

func TestSchemaRejectsBadDocuments(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown section", body: "trainer:\n  steps: 3\n"},
		{name: "unknown key", body: "model:\n  backbon: resnet50\n"},
		{name: "wrong type", body: "model:\n  num_classes: many\n"},
		{name: "below minimum", body: "model:\n  num_classes: 0\n"},
		{name: "bad enum", body: "log:\n  format: xml\n"},
		{name: "bad yaml", body: "model: [unterminated\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
	assert.NoError(t, ValidateDocument([]byte("")))
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	isolate(t)
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "classes", mutate: func(c *Config) { c.Model.NumClasses = 0 }, want: "num_classes"},
		{name: "channels", mutate: func(c *Config) { c.Model.InputChannels = 0 }, want: "input_channels"},
		{name: "class names", mutate: func(c *Config) { c.Model.Classes = []string{"a"} }, want: "model.classes"},
		{name: "image size", mutate: func(c *Config) { c.Input.ImageSize = 0 }, want: "image_size"},
		{name: "max pixels", mutate: func(c *Config) { c.Input.MaxPixels = 0 }, want: "max_pixels"},
		{name: "stats length", mutate: func(c *Config) { c.Input.Mean = []float64{0.5} }, want: "differ"},
		{name: "stats channels", mutate: func(c *Config) {
			c.Input.Mean, c.Input.Std = []float64{0, 0}, []float64{1, 1}
		}, want: "mean values"},
		{name: "batch", mutate: func(c *Config) { c.Eval.BatchSize = 0 }, want: "batch_size"},
		{name: "burst", mutate: func(c *Config) { c.Server.Burst = 0 }, want: "burst"},
		{name: "upload", mutate: func(c *Config) { c.Server.MaxUploadMB = 0 }, want: "max_upload_mb"},
		{name: "level", mutate: func(c *Config) { c.Log.Level = "chatty" }, want: "log level"},
		{name: "format", mutate: func(c *Config) { c.Log.Format = "xml" }, want: "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestApplyOverrides(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)

	freeze := false
	cfg.ApplyOverrides(Overrides{
		Backbone:      "wide_resnet50_2",
		NumClasses:    5,
		InputChannels: 4,
		Freeze:        &freeze,
		Offline:       true,
		ImageSize:     64,
		EvalRoots:     []string{"/a", "/b"},
		BatchSize:     3,
		Addr:          ":1",
	})
	assert.Equal(t, "wide_resnet50_2", cfg.Model.Backbone)
	assert.Equal(t, 5, cfg.Model.NumClasses)
	assert.Equal(t, 4, cfg.Model.InputChannels)
	assert.False(t, cfg.Model.FreezeBackbone)
	assert.True(t, cfg.Weights.Offline)
	assert.Equal(t, 64, cfg.Input.ImageSize)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Eval.Roots)
	assert.Equal(t, 3, cfg.Eval.BatchSize)
	assert.Equal(t, ":1", cfg.Server.Addr)
	assert.Equal(t, "IMAGENET1K_V1", cfg.Model.Weights, "zero overrides keep values")
	assert.NoError(t, cfg.Validate())
}

func TestWatcherReloads(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "model:\n  num_classes: 2\n")

	results := make(chan *Config, 16)
	failures := make(chan error, 16)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(cfg *Config, err error) {
		if err != nil {
			failures <- err
			return
		}
		results <- cfg
	})
	require.NoError(t, err)
	assert.Equal(t, 2, w.Snapshot().Model.NumClasses)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	replaceFile(t, path, "model:\n  num_classes: 7\n")
	timeout := time.After(3 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-results:
			reloaded = cfg.Model.NumClasses == 7
		case <-timeout:
			t.Fatal("no reload observed")
		}
	}
	assert.Equal(t, 7, w.Snapshot().Model.NumClasses)

	replaceFile(t, path, "model:\n  num_classes: zero\n")
	select {
	case err := <-failures:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no failed reload observed")
	}
	assert.Equal(t, 7, w.Snapshot().Model.NumClasses, "failed reload keeps the snapshot")
	assert.GreaterOrEqual(t, w.ReloadCount(), uint32(2))
}

func TestWatcherReloadsInOrder(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "model:\n  num_classes: 2\n")

	var (
		mu       sync.Mutex
		active   int
		peak     int
		applied  []int
		finished = make(chan int, 16)
	)
	w, err := NewWatcher(path, 20*time.Millisecond, nil, func(cfg *Config, err error) {
		if err != nil {
			return
		}
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()

		// The first edit takes longer to apply than the gap to the second.
		if cfg.Model.NumClasses == 3 {
			time.Sleep(600 * time.Millisecond)
		}

		mu.Lock()
		active--
		applied = append(applied, cfg.Model.NumClasses)
		mu.Unlock()
		finished <- cfg.Model.NumClasses
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	time.Sleep(100 * time.Millisecond)
	replaceFile(t, path, "model:\n  num_classes: 3\n")
	time.Sleep(200 * time.Millisecond)
	replaceFile(t, path, "model:\n  num_classes: 4\n")

	timeout := time.After(5 * time.Second)
	for last := 0; last != 4; {
		select {
		case last = <-finished:
		case <-timeout:
			t.Fatal("second edit was never applied")
		}
	}
	// Let any straggling reload finish before checking the order.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak, "reloads must not overlap")
	assert.Equal(t, 4, applied[len(applied)-1], "the file's latest content is applied last")
	assert.Equal(t, 4, w.Snapshot().Model.NumClasses)
}

// replaceFile swaps the file in with a rename so the watcher never sees a
// partial write.
func replaceFile(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestNewWatcherNeedsFile(t *testing.T) {
	isolate(t)
	_, err := NewWatcher("", 0, nil, func(*Config, error) {})
	assert.Error(t, err)
}

func TestEncodeRoundTrips(t *testing.T) {
	isolate(t)
	path := writeConfig(t, "model:\n  num_classes: 3\n  classes: [a, b, c]\nserver:\n  shutdown_timeout: 3s\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	data, err := cfg.YAML()
	require.NoError(t, err)
	require.NoError(t, ValidateDocument(data), "effective config must be a valid config file")
	assert.Contains(t, string(data), "shutdown_timeout: 3s")

	again, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, again.Model)
	assert.Equal(t, cfg.Server, again.Server)
	assert.Equal(t, cfg.Weights.CacheDir, again.Weights.CacheDir)

	js, err := cfg.JSON()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, sonic.Unmarshal(js, &decoded))
	model := decoded["model"].(map[string]any)
	assert.Equal(t, float64(3), model["num_classes"])
	assert.Equal(t, []any{"a", "b", "c"}, model["classes"])
}
