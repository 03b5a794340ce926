// Package zoo is a small model zoo of torchvision-compatible ResNet
// backbones together with their named pretrained weight sets.
package zoo

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

const imageNetClasses = 1000

// ErrUnknownArchitecture is returned for names missing from the zoo.
var ErrUnknownArchitecture = errors.New("zoo: unknown architecture")

// Architecture describes a bottleneck ResNet variant.
type Architecture struct {
	Name string
	// Blocks per stage.
	Blocks [4]int
	// WidthPerGroup scales the bottleneck's inner width; 64 is a plain ResNet.
	WidthPerGroup int
}

var architectures = map[string]Architecture{
	"resnet50":        {Name: "resnet50", Blocks: [4]int{3, 4, 6, 3}, WidthPerGroup: 64},
	"wide_resnet50_2": {Name: "wide_resnet50_2", Blocks: [4]int{3, 4, 6, 3}, WidthPerGroup: 128},
}

// Architectures lists the zoo's architecture names in sorted order.
func Architectures() []string {
	names := make([]string, 0, len(architectures))
	for name := range architectures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the architecture registered under name.
func Lookup(name string) (Architecture, bool) {
	a, ok := architectures[name]
	return a, ok
}

// New builds a randomly initialised network for the named architecture.
func New(name string, rng *rand.Rand) (*ResNet, error) {
	a, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, name)
	}
	return a.Build(rng), nil
}
