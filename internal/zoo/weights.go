package zoo

import (
	"errors"
	"fmt"
	"strings"
)

// Special weight identifiers.
const (
	// NoWeights keeps the random initialisation.
	NoWeights = "NONE"
	// DefaultWeights resolves to the newest weight set of an architecture.
	DefaultWeights = "DEFAULT"
)

// ErrUnknownWeights is returned for weight ids an architecture does not publish.
var ErrUnknownWeights = errors.New("zoo: unknown weight set")

// WeightSet names a pretrained parameter set for one architecture.
type WeightSet struct {
	Architecture string
	ID           string
	URL          string
	// Top1 is the published ImageNet-1k top-1 accuracy.
	Top1 float64
}

// FileName is the cache file name for the weight set.
func (w WeightSet) FileName() string {
	return w.Architecture + "-" + w.ID + ".safetensors"
}

// Torchvision's ImageNet weights, as republished in safetensors format.
// Ordered oldest first; the last entry is the DEFAULT.
var weightSets = map[string][]WeightSet{
	"resnet50": {
		{
			Architecture: "resnet50",
			ID:           "IMAGENET1K_V1",
			Top1:         76.130,
			URL:          "https://huggingface.co/timm/resnet50.tv_in1k/resolve/main/model.safetensors",
		},
		{
			Architecture: "resnet50",
			ID:           "IMAGENET1K_V2",
			Top1:         80.858,
			URL:          "https://huggingface.co/timm/resnet50.tv2_in1k/resolve/main/model.safetensors",
		},
	},
	"wide_resnet50_2": {
		{
			Architecture: "wide_resnet50_2",
			ID:           "IMAGENET1K_V1",
			Top1:         78.468,
			URL:          "https://huggingface.co/timm/wide_resnet50_2.tv_in1k/resolve/main/model.safetensors",
		},
		{
			Architecture: "wide_resnet50_2",
			ID:           "IMAGENET1K_V2",
			Top1:         81.602,
			URL:          "https://huggingface.co/timm/wide_resnet50_2.tv2_in1k/resolve/main/model.safetensors",
		},
	},
}

// WeightSets returns the weight sets published for arch.
func WeightSets(arch string) []WeightSet {
	return append([]WeightSet(nil), weightSets[arch]...)
}

// ResolveWeights maps a user supplied id to a weight set. Ids are matched
// case-insensitively. An empty id or NONE reports ok=false: the caller should
// keep the random initialisation.
func ResolveWeights(arch, id string) (ws WeightSet, ok bool, err error) {
	id = strings.ToUpper(strings.TrimSpace(id))
	if id == "" || id == NoWeights {
		return WeightSet{}, false, nil
	}
	sets, found := weightSets[arch]
	if !found {
		return WeightSet{}, false, fmt.Errorf("%w: %q", ErrUnknownArchitecture, arch)
	}
	if id == DefaultWeights {
		return sets[len(sets)-1], true, nil
	}
	ids := make([]string, 0, len(sets))
	for _, s := range sets {
		if s.ID == id {
			return s, true, nil
		}
		ids = append(ids, s.ID)
	}
	return WeightSet{}, false, fmt.Errorf("%w: %s has no %q (available: %s)", ErrUnknownWeights, arch, id, strings.Join(ids, ", "))
}
