package classifier

import (
	"fmt"
	"math/rand"
	"sort"

	"tipburn/internal/nn"
	"tipburn/internal/zoo"
)

// stemSpec names the first convolution of a backbone, the norm that
// consumes its output, and the geometry the variant expects it to have.
type stemSpec struct {
	Conv    string
	Norm    string
	Kernel  [2]int
	Stride  [2]int
	Padding [2]int
	Bias    bool
}

// headSpec names the final linear layer whose input width is the feature
// width of the stripped backbone.
type headSpec struct {
	Linear string
}

// variant is one entry of the backbone dispatch table.
type variant struct {
	Name  string
	Build func(rng *rand.Rand) (nn.Container, error)
	Stem  stemSpec
	Head  headSpec
	// ProbeSize is the spatial size used to check the feature width.
	ProbeSize int
}

var resnetStem = stemSpec{
	Conv:    "conv1",
	Norm:    "bn1",
	Kernel:  [2]int{7, 7},
	Stride:  [2]int{2, 2},
	Padding: [2]int{3, 3},
}

func zooBuilder(arch string) func(*rand.Rand) (nn.Container, error) {
	return func(rng *rand.Rand) (nn.Container, error) {
		net, err := zoo.New(arch, rng)
		if err != nil {
			return nil, err
		}
		return net, nil
	}
}

var variants = map[string]variant{
	"resnet50": {
		Name:      "resnet50",
		Build:     zooBuilder("resnet50"),
		Stem:      resnetStem,
		Head:      headSpec{Linear: "fc"},
		ProbeSize: 32,
	},
	"wide_resnet50_2": {
		Name:      "wide_resnet50_2",
		Build:     zooBuilder("wide_resnet50_2"),
		Stem:      resnetStem,
		Head:      headSpec{Linear: "fc"},
		ProbeSize: 32,
	},
}

// Backbones lists the supported backbone names in sorted order.
func Backbones() []string {
	names := make([]string, 0, len(variants))
	for name := range variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupVariant(name string) (variant, error) {
	v, ok := variants[name]
	if !ok {
		return variant{}, &UnsupportedBackboneError{Name: name, Supported: Backbones()}
	}
	return v, nil
}

// stem returns the backbone's first convolution after checking it against
// the variant's stem spec.
func (v variant) stem(body *nn.Sequential) (*nn.Conv2d, error) {
	m, ok := body.Get(v.Stem.Conv)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no child %q", ErrIncompatibleBackbone, v.Name, v.Stem.Conv)
	}
	conv, ok := m.(*nn.Conv2d)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %T, not a convolution", ErrIncompatibleBackbone, v.Name, v.Stem.Conv, m)
	}
	if conv.Kernel != v.Stem.Kernel || conv.Stride != v.Stem.Stride || conv.Padding != v.Stem.Padding || (conv.Bias != nil) != v.Stem.Bias {
		return nil, fmt.Errorf("%w: %s.%s is %s", ErrIncompatibleBackbone, v.Name, v.Stem.Conv, conv)
	}
	m, ok = body.Get(v.Stem.Norm)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no child %q", ErrIncompatibleBackbone, v.Name, v.Stem.Norm)
	}
	norm, ok := m.(*nn.BatchNorm2d)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s is %T, not a batch norm", ErrIncompatibleBackbone, v.Name, v.Stem.Norm, m)
	}
	if norm.NumFeatures != conv.OutChannels {
		return nil, fmt.Errorf("%w: %s.%s has %d features but %s emits %d channels",
			ErrIncompatibleBackbone, v.Name, v.Stem.Norm, norm.NumFeatures, v.Stem.Conv, conv.OutChannels)
	}
	return conv, nil
}

// featureWidth returns the input width of the backbone's final linear layer,
// which must be its last child.
func (v variant) featureWidth(body *nn.Sequential) (int, error) {
	last, ok := body.Last()
	if !ok || last.Name != v.Head.Linear {
		return 0, fmt.Errorf("%w: %s must end with %q (got %q)", ErrIncompatibleBackbone, v.Name, v.Head.Linear, last.Name)
	}
	fc, ok := last.Module.(*nn.Linear)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s is %T, not a linear layer", ErrIncompatibleBackbone, v.Name, v.Head.Linear, last.Module)
	}
	return fc.InFeatures, nil
}
