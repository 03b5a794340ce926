package classifier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tipburn/internal/nn"
	"tipburn/internal/tensor"
	"tipburn/internal/zoo"
)

var quiet = WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

type fakeLoader struct {
	calls int
	state map[string]*tensor.Tensor
	err   error
}

func (f *fakeLoader) Load(_ context.Context, arch, id string) (map[string]*tensor.Tensor, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

// registerToy adds a tiny backbone to the dispatch table for the test.
func registerToy(t *testing.T, name string, stemKernel, fcIn int) {
	t.Helper()
	variants[name] = variant{
		Name: name,
		Build: func(rng *rand.Rand) (nn.Container, error) {
			return nn.NewSequential(
				nn.Child{Name: "conv1", Module: nn.NewConv2d(nn.Conv2dConfig{
					InChannels:  3,
					OutChannels: 8,
					Kernel:      [2]int{stemKernel, stemKernel},
					Stride:      [2]int{2, 2},
					Padding:     [2]int{3, 3},
				}, rng)},
				nn.Child{Name: "bn1", Module: nn.NewBatchNorm2d(8)},
				nn.Child{Name: "relu", Module: nn.ReLU{}},
				nn.Child{Name: "avgpool", Module: &nn.AdaptiveAvgPool2d{OutH: 1, OutW: 1}},
				nn.Child{Name: "fc", Module: nn.NewLinear(fcIn, 10, rng)},
			), nil
		},
		Stem:      resnetStem,
		Head:      headSpec{Linear: "fc"},
		ProbeSize: 16,
	}
	t.Cleanup(func() { delete(variants, name) })
}

func toyConfig(name string, channels, classes int, freeze bool) ModelConfig {
	return ModelConfig{
		Backbone:         name,
		NumClasses:       classes,
		NumInputChannels: channels,
		Weights:          zoo.NoWeights,
		FreezeBackbone:   freeze,
	}
}

func TestBackbones(t *testing.T) {
	assert.Equal(t, []string{"resnet50", "wide_resnet50_2"}, Backbones())
	assert.Equal(t, zoo.Architectures(), Backbones())
}

func TestNewResNet50SingleChannel(t *testing.T) {
	cfg := NewModelConfig("resnet50", 4)
	cfg.NumInputChannels = 1
	cfg.Weights = zoo.NoWeights

	c, err := New(context.Background(), cfg, quiet)
	require.NoError(t, err)

	assert.Equal(t, 1, c.InputChannels())
	assert.Equal(t, 4, c.NumClasses())
	assert.Equal(t, 2048, c.FeatureWidth())

	stem := c.Stem()
	assert.Equal(t, 64, stem.OutChannels)
	assert.Equal(t, [2]int{7, 7}, stem.Kernel)
	assert.Equal(t, [2]int{2, 2}, stem.Stride)
	assert.Equal(t, [2]int{3, 3}, stem.Padding)
	assert.Nil(t, stem.Bias)
	assert.Equal(t, []int{64, 1, 7, 7}, stem.Weight.Value.Shape())

	out, err := c.Forward(tensor.New(2, 1, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, out.Shape())

	_, err = c.Forward(tensor.New(2, 3, 32, 32))
	assert.ErrorIs(t, err, tensor.ErrShape)
}

func TestNewWideResNet(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates ~69M parameters")
	}
	cfg := toyConfig("wide_resnet50_2", 5, 3, true)
	c, err := New(context.Background(), cfg, quiet)
	require.NoError(t, err)
	assert.Equal(t, 5, c.InputChannels())
	assert.Equal(t, 3, c.NumClasses())

	out, err := c.Forward(tensor.New(1, 5, 32, 32))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, out.Shape())
}

func TestNewRejectsUnsupportedBackbone(t *testing.T) {
	loader := &fakeLoader{}
	for _, name := range []string{"unknown_net", "", "ResNet50", "resnet18"} {
		c, err := New(context.Background(), NewModelConfig(name, 4), WithWeightLoader(loader), quiet)
		assert.Nil(t, c)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedBackbone)

		var ube *UnsupportedBackboneError
		require.True(t, errors.As(err, &ube))
		assert.Equal(t, name, ube.Name)
		assert.Equal(t, Backbones(), ube.Supported)
	}
	assert.Zero(t, loader.calls, "no weights may be loaded for an unsupported backbone")
}

func TestNewValidatesConfig(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	_, err := New(context.Background(), toyConfig("toy", 3, 0, false), quiet)
	assert.ErrorContains(t, err, "num_classes")

	_, err = New(context.Background(), toyConfig("toy", -1, 2, false), quiet)
	assert.ErrorContains(t, err, "num_input_channels")
}

func TestFreezeBackbone(t *testing.T) {
	registerToy(t, "toy", 7, 8)

	tests := []struct {
		name   string
		freeze bool
	}{
		{name: "frozen", freeze: true},
		{name: "trainable", freeze: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(context.Background(), toyConfig("toy", 2, 3, tt.freeze), quiet)
			require.NoError(t, err)
			for _, p := range c.Parameters() {
				switch {
				case strings.HasPrefix(p.Name, "classifier."):
					assert.True(t, p.Param.Trainable, p.Name)
				case strings.HasPrefix(p.Name, "backbone.conv1."):
					assert.True(t, p.Param.Trainable, "rebuilt stem %s", p.Name)
				default:
					assert.Equal(t, !tt.freeze, p.Param.Trainable, p.Name)
				}
			}
		})
	}
}

func TestResNet50FreezeCounts(t *testing.T) {
	c, err := New(context.Background(), toyConfig("resnet50", 3, 4, true), quiet)
	require.NoError(t, err)

	s := c.Summary()
	head := 2048*4 + 4
	stem := 64 * 3 * 7 * 7
	assert.Equal(t, 25557032-(2048*1000+1000)+head, s.Total)
	assert.Equal(t, head+stem, s.Trainable)
	assert.Equal(t, s.Total-s.Trainable, s.Frozen())
}

func TestParameterNames(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	c, err := New(context.Background(), toyConfig("toy", 1, 2, false), quiet)
	require.NoError(t, err)

	var names []string
	for _, p := range c.Parameters() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{
		"backbone.conv1.weight",
		"backbone.bn1.weight",
		"backbone.bn1.bias",
		"classifier.1.weight",
		"classifier.1.bias",
	}, names)
	assert.Contains(t, c.StateDict(), "backbone.bn1.running_var")
	assert.NotContains(t, c.StateDict(), "backbone.fc.weight")
}

func TestNewLoadsPretrainedWeights(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	src, err := variants["toy"].Build(nn.NewRand(42))
	require.NoError(t, err)
	state := nn.StateDict(src)
	state["bn1.running_mean"].Fill(0.25)

	// Weight ids are resolved against the zoo, so the toy borrows resnet50's.
	v := variants["toy"]
	v.Name = "resnet50"
	variants["toy"] = v

	loader := &fakeLoader{state: state}
	cfg := toyConfig("toy", 3, 2, true)
	cfg.Weights = "imagenet1k_v1"
	c, err := New(context.Background(), cfg, WithWeightLoader(loader), quiet)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)

	got := c.StateDict()
	assert.Equal(t, state["bn1.weight"].Data(), got["backbone.bn1.weight"].Data())
	assert.Equal(t, state["bn1.running_mean"].Data(), got["backbone.bn1.running_mean"].Data())
	assert.NotEqual(t, state["conv1.weight"].Data(), got["backbone.conv1.weight"].Data(), "stem is rebuilt")
}

func TestNewWeightErrors(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	v := variants["toy"]
	v.Name = "resnet50"
	variants["toy"] = v

	cfg := toyConfig("toy", 3, 2, true)
	cfg.Weights = "IMAGENET1K_V2"

	_, err := New(context.Background(), cfg, quiet)
	assert.ErrorContains(t, err, "no weight loader")

	boom := errors.New("boom")
	_, err = New(context.Background(), cfg, WithWeightLoader(&fakeLoader{err: boom}), quiet)
	assert.ErrorIs(t, err, boom)

	_, err = New(context.Background(), cfg, WithWeightLoader(&fakeLoader{state: map[string]*tensor.Tensor{}}), quiet)
	assert.ErrorIs(t, err, nn.ErrStateDict)

	cfg.Weights = "IMAGENET21K"
	_, err = New(context.Background(), cfg, WithWeightLoader(&fakeLoader{}), quiet)
	assert.ErrorIs(t, err, zoo.ErrUnknownWeights)
}

func TestNewChecksVariantLayout(t *testing.T) {
	registerToy(t, "bad_stem", 3, 8)
	_, err := New(context.Background(), toyConfig("bad_stem", 3, 2, false), quiet)
	assert.ErrorIs(t, err, ErrIncompatibleBackbone)

	registerToy(t, "bad_width", 7, 16)
	_, err = New(context.Background(), toyConfig("bad_width", 3, 2, false), quiet)
	assert.ErrorIs(t, err, ErrIncompatibleBackbone)

	registerToy(t, "bad_head", 7, 8)
	v := variants["bad_head"]
	v.Head = headSpec{Linear: "classifier"}
	variants["bad_head"] = v
	_, err = New(context.Background(), toyConfig("bad_head", 3, 2, false), quiet)
	assert.ErrorIs(t, err, ErrIncompatibleBackbone)
}

func TestConfigIsCopied(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	cfg := ModelConfig{Backbone: "toy", NumClasses: 2, Weights: zoo.NoWeights}
	c, err := New(context.Background(), cfg, quiet)
	require.NoError(t, err)

	cfg.NumClasses = 9
	assert.Equal(t, 2, c.Config().NumClasses)
	assert.Equal(t, DefaultInputChannels, c.Config().NumInputChannels)
}

func TestSeedIsDeterministic(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	a, err := New(context.Background(), toyConfig("toy", 3, 2, false), WithSeed(3), quiet)
	require.NoError(t, err)
	b, err := New(context.Background(), toyConfig("toy", 3, 2, false), WithSeed(3), quiet)
	require.NoError(t, err)
	assert.Equal(t, a.StateDict()["classifier.1.weight"].Data(), b.StateDict()["classifier.1.weight"].Data())
}

func TestPredict(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	c, err := New(context.Background(), toyConfig("toy", 3, 3, false), quiet)
	require.NoError(t, err)

	x := tensor.New(2, 3, 16, 16)
	x.Fill(0.5)
	preds, err := c.Predict(x, []string{"healthy", "tipburn", "other"})
	require.NoError(t, err)
	require.Len(t, preds, 2)
	for _, p := range preds {
		require.Len(t, p.Probabilities, 3)
		var sum float32
		for _, v := range p.Probabilities {
			sum += v
			assert.LessOrEqual(t, v, p.Confidence)
		}
		assert.InDelta(t, 1, sum, 1e-5)
		assert.Equal(t, p.Probabilities[p.Index], p.Confidence)
		assert.NotEmpty(t, p.Label)
	}

	_, err = c.Predict(x, []string{"only one"})
	assert.Error(t, err)
}

func TestSummary(t *testing.T) {
	registerToy(t, "toy", 7, 8)
	c, err := New(context.Background(), toyConfig("toy", 1, 2, true), quiet)
	require.NoError(t, err)

	s := c.Summary()
	var names []string
	for _, l := range s.Layers {
		names = append(names, l.Name)
	}
	assert.Equal(t, []string{"backbone.conv1", "backbone.bn1", "backbone.relu", "backbone.avgpool", "classifier.0", "classifier.1"}, names)
	assert.Equal(t, "Linear(in_features=8, out_features=2, bias=true)", s.Layers[5].Description)
	assert.Equal(t, 8*1*7*7, s.Layers[0].Trainable)
	assert.Zero(t, s.Layers[1].Trainable)
	assert.Equal(t, 8*1*7*7+16+8*2+2, s.Total)
}
