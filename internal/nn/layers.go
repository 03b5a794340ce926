package nn

import (
	"fmt"
	"math"
	"math/rand"

	"tipburn/internal/tensor"
)

// Conv2dConfig describes a convolution layer. Zero strides mean 1.
type Conv2dConfig struct {
	InChannels  int
	OutChannels int
	Kernel      [2]int
	Stride      [2]int
	Padding     [2]int
	Bias        bool
}

// Conv2d is a 2-D convolution over NCHW input.
type Conv2d struct {
	InChannels  int
	OutChannels int
	Kernel      [2]int
	Stride      [2]int
	Padding     [2]int
	Weight      *Parameter
	Bias        *Parameter
}

// NewConv2d builds a convolution with uniform(±1/sqrt(fan_in)) weights.
func NewConv2d(cfg Conv2dConfig, rng *rand.Rand) *Conv2d {
	stride := cfg.Stride
	for i := range stride {
		if stride[i] <= 0 {
			stride[i] = 1
		}
	}
	c := &Conv2d{
		InChannels:  cfg.InChannels,
		OutChannels: cfg.OutChannels,
		Kernel:      cfg.Kernel,
		Stride:      stride,
		Padding:     cfg.Padding,
		Weight:      NewParameter(cfg.OutChannels, cfg.InChannels, cfg.Kernel[0], cfg.Kernel[1]),
	}
	fanIn := cfg.InChannels * cfg.Kernel[0] * cfg.Kernel[1]
	bound := 1 / math.Sqrt(float64(max(fanIn, 1)))
	Uniform(c.Weight.Value, bound, rng)
	if cfg.Bias {
		c.Bias = NewParameter(cfg.OutChannels)
		Uniform(c.Bias.Value, bound, rng)
	}
	return c
}

func (c *Conv2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var b *tensor.Tensor
	if c.Bias != nil {
		b = c.Bias.Value
	}
	return tensor.Conv2D(x, c.Weight.Value, b, tensor.Conv2DParams{Stride: c.Stride, Padding: c.Padding})
}

func (c *Conv2d) LocalParameters() []NamedParameter {
	ps := []NamedParameter{{Name: "weight", Param: c.Weight}}
	if c.Bias != nil {
		ps = append(ps, NamedParameter{Name: "bias", Param: c.Bias})
	}
	return ps
}

func (c *Conv2d) String() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		c.InChannels, c.OutChannels, c.Kernel[0], c.Kernel[1], c.Stride[0], c.Stride[1],
		c.Padding[0], c.Padding[1], c.Bias != nil)
}

// BatchNorm2d normalises each channel with running statistics (eval mode).
type BatchNorm2d struct {
	NumFeatures int
	Eps         float32
	Weight      *Parameter
	Bias        *Parameter
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
}

// NewBatchNorm2d returns an identity-initialised batch norm.
func NewBatchNorm2d(numFeatures int) *BatchNorm2d {
	bn := &BatchNorm2d{
		NumFeatures: numFeatures,
		Eps:         1e-5,
		Weight:      NewParameter(numFeatures),
		Bias:        NewParameter(numFeatures),
		RunningMean: tensor.New(numFeatures),
		RunningVar:  tensor.New(numFeatures),
	}
	bn.Weight.Value.Fill(1)
	bn.RunningVar.Fill(1)
	return bn
}

func (b *BatchNorm2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.BatchNorm(x, b.RunningMean, b.RunningVar, b.Weight.Value, b.Bias.Value, b.Eps)
}

func (b *BatchNorm2d) LocalParameters() []NamedParameter {
	return []NamedParameter{{Name: "weight", Param: b.Weight}, {Name: "bias", Param: b.Bias}}
}

func (b *BatchNorm2d) LocalBuffers() []NamedTensor {
	return []NamedTensor{{Name: "running_mean", Tensor: b.RunningMean}, {Name: "running_var", Tensor: b.RunningVar}}
}

func (b *BatchNorm2d) String() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g)", b.NumFeatures, b.Eps)
}

// ReLU is the rectified linear activation.
type ReLU struct{}

func (ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.ReLU(x), nil
}

func (ReLU) String() string { return "ReLU()" }

// MaxPool2d takes windowed maxima.
type MaxPool2d struct {
	Kernel, Stride, Padding int
}

func (p *MaxPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.MaxPool2D(x, p.Kernel, p.Stride, p.Padding)
}

func (p *MaxPool2d) String() string {
	return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=%d)", p.Kernel, p.Stride, p.Padding)
}

// AdaptiveAvgPool2d averages into a fixed output grid.
type AdaptiveAvgPool2d struct {
	OutH, OutW int
}

func (p *AdaptiveAvgPool2d) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.AdaptiveAvgPool2D(x, p.OutH, p.OutW)
}

func (p *AdaptiveAvgPool2d) String() string {
	return fmt.Sprintf("AdaptiveAvgPool2d(output_size=(%d, %d))", p.OutH, p.OutW)
}

// Flatten collapses every dimension from StartDim onwards into one.
type Flatten struct {
	StartDim int
}

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	shape := x.Shape()
	if f.StartDim < 0 || f.StartDim >= len(shape) {
		return nil, fmt.Errorf("%w: flatten: start dim %d out of range for %v", tensor.ErrShape, f.StartDim, shape)
	}
	return x.Reshape(append(shape[:f.StartDim:f.StartDim], tensor.Numel(shape[f.StartDim:]))...)
}

func (f *Flatten) String() string { return fmt.Sprintf("Flatten(start_dim=%d)", f.StartDim) }

// Linear is a fully connected layer.
type Linear struct {
	InFeatures  int
	OutFeatures int
	Weight      *Parameter
	Bias        *Parameter
}

// NewLinear builds a linear layer with uniform(±1/sqrt(in)) weights and bias.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	l := &Linear{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      NewParameter(out, in),
		Bias:        NewParameter(out),
	}
	bound := 1 / math.Sqrt(float64(max(in, 1)))
	Uniform(l.Weight.Value, bound, rng)
	Uniform(l.Bias.Value, bound, rng)
	return l
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.Weight.Value, l.Bias.Value)
}

func (l *Linear) LocalParameters() []NamedParameter {
	return []NamedParameter{{Name: "weight", Param: l.Weight}, {Name: "bias", Param: l.Bias}}
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=true)", l.InFeatures, l.OutFeatures)
}
