package zoo

import (
	"fmt"
	"math/rand"
	"strconv"

	"tipburn/internal/nn"
	"tipburn/internal/tensor"
)

const bottleneckExpansion = 4

// Bottleneck is the ResNet v1.5 bottleneck block: 1x1 reduce, 3x3 (strided)
// and 1x1 expand, with an optional projection shortcut.
type Bottleneck struct {
	Conv1      *nn.Conv2d
	Bn1        *nn.BatchNorm2d
	Conv2      *nn.Conv2d
	Bn2        *nn.BatchNorm2d
	Conv3      *nn.Conv2d
	Bn3        *nn.BatchNorm2d
	Downsample *nn.Sequential
}

func (b *Bottleneck) Children() []nn.Child {
	cs := []nn.Child{
		{Name: "conv1", Module: b.Conv1},
		{Name: "bn1", Module: b.Bn1},
		{Name: "conv2", Module: b.Conv2},
		{Name: "bn2", Module: b.Bn2},
		{Name: "conv3", Module: b.Conv3},
		{Name: "bn3", Module: b.Bn3},
		{Name: "relu", Module: nn.ReLU{}},
	}
	if b.Downsample != nil {
		cs = append(cs, nn.Child{Name: "downsample", Module: b.Downsample})
	}
	return cs
}

func (b *Bottleneck) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out := x
	stages := []struct {
		conv *nn.Conv2d
		bn   *nn.BatchNorm2d
		relu bool
	}{
		{b.Conv1, b.Bn1, true},
		{b.Conv2, b.Bn2, true},
		{b.Conv3, b.Bn3, false},
	}
	for i, s := range stages {
		y, err := s.conv.Forward(out)
		if err != nil {
			return nil, fmt.Errorf("conv%d: %w", i+1, err)
		}
		if out, err = s.bn.Forward(y); err != nil {
			return nil, fmt.Errorf("bn%d: %w", i+1, err)
		}
		if s.relu {
			tensor.ReLUInPlace(out)
		}
	}

	identity := x
	if b.Downsample != nil {
		var err error
		if identity, err = b.Downsample.Forward(x); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	if err := tensor.AddInPlace(out, identity); err != nil {
		return nil, fmt.Errorf("residual: %w", err)
	}
	tensor.ReLUInPlace(out)
	return out, nil
}

func (b *Bottleneck) String() string {
	return fmt.Sprintf("Bottleneck(%d -> %d, width=%d)", b.Conv1.InChannels, b.Conv3.OutChannels, b.Conv2.OutChannels)
}

// ResNet is a torchvision-compatible residual network. Its children, in
// order, are conv1, bn1, relu, maxpool, layer1..layer4, avgpool and fc.
type ResNet struct {
	Arch    string
	Conv1   *nn.Conv2d
	Bn1     *nn.BatchNorm2d
	MaxPool *nn.MaxPool2d
	Layers  [4]*nn.Sequential
	AvgPool *nn.AdaptiveAvgPool2d
	FC      *nn.Linear
}

func (r *ResNet) Children() []nn.Child {
	return []nn.Child{
		{Name: "conv1", Module: r.Conv1},
		{Name: "bn1", Module: r.Bn1},
		{Name: "relu", Module: nn.ReLU{}},
		{Name: "maxpool", Module: r.MaxPool},
		{Name: "layer1", Module: r.Layers[0]},
		{Name: "layer2", Module: r.Layers[1]},
		{Name: "layer3", Module: r.Layers[2]},
		{Name: "layer4", Module: r.Layers[3]},
		{Name: "avgpool", Module: r.AvgPool},
		{Name: "fc", Module: r.FC},
	}
}

// Forward runs the full network, flattening pooled features before fc.
func (r *ResNet) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	features, err := nn.NewSequential(r.Children()[:9]...).Forward(x)
	if err != nil {
		return nil, err
	}
	flat, err := (&nn.Flatten{StartDim: 1}).Forward(features)
	if err != nil {
		return nil, err
	}
	return r.FC.Forward(flat)
}

func (r *ResNet) String() string { return fmt.Sprintf("ResNet(%s)", r.Arch) }

// Build instantiates the architecture with He-initialised convolutions,
// identity batch norms and a 1000-way ImageNet head.
func (a Architecture) Build(rng *rand.Rand) *ResNet {
	if rng == nil {
		rng = nn.NewRand(0)
	}
	r := &ResNet{
		Arch:    a.Name,
		Conv1:   heConv(3, 64, 7, 2, 3, rng),
		Bn1:     nn.NewBatchNorm2d(64),
		MaxPool: &nn.MaxPool2d{Kernel: 3, Stride: 2, Padding: 1},
		AvgPool: &nn.AdaptiveAvgPool2d{OutH: 1, OutW: 1},
	}

	inplanes := 64
	planes := [4]int{64, 128, 256, 512}
	strides := [4]int{1, 2, 2, 2}
	for i := range r.Layers {
		layer := nn.NewSequential()
		for j := 0; j < a.Blocks[i]; j++ {
			stride := 1
			if j == 0 {
				stride = strides[i]
			}
			out := planes[i] * bottleneckExpansion
			var downsample *nn.Sequential
			if j == 0 && (stride != 1 || inplanes != out) {
				downsample = nn.NewSequential(
					nn.Child{Name: "0", Module: heConv(inplanes, out, 1, stride, 0, rng)},
					nn.Child{Name: "1", Module: nn.NewBatchNorm2d(out)},
				)
			}
			width := planes[i] * a.WidthPerGroup / 64
			layer.Add(strconv.Itoa(j), &Bottleneck{
				Conv1:      heConv(inplanes, width, 1, 1, 0, rng),
				Bn1:        nn.NewBatchNorm2d(width),
				Conv2:      heConv(width, width, 3, stride, 1, rng),
				Bn2:        nn.NewBatchNorm2d(width),
				Conv3:      heConv(width, out, 1, 1, 0, rng),
				Bn3:        nn.NewBatchNorm2d(out),
				Downsample: downsample,
			})
			inplanes = out
		}
		r.Layers[i] = layer
	}
	r.FC = nn.NewLinear(inplanes, imageNetClasses, rng)
	return r
}

// heConv builds a bias-free square convolution with Kaiming-normal fan-out
// initialisation.
func heConv(in, out, kernel, stride, padding int, rng *rand.Rand) *nn.Conv2d {
	c := &nn.Conv2d{
		InChannels:  in,
		OutChannels: out,
		Kernel:      [2]int{kernel, kernel},
		Stride:      [2]int{stride, stride},
		Padding:     [2]int{padding, padding},
		Weight:      nn.NewParameter(out, in, kernel, kernel),
	}
	nn.KaimingNormal(c.Weight.Value, out*kernel*kernel, rng)
	return c
}
