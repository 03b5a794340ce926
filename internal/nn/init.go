package nn

import (
	"math"
	"math/rand"

	"tipburn/internal/tensor"
)

// NewRand returns a deterministic generator for the given seed.
func NewRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}

// Uniform fills t with samples from U(-bound, bound).
func Uniform(t *tensor.Tensor, bound float64, rng *rand.Rand) {
	if rng == nil {
		rng = NewRand(0)
	}
	data := t.Data()
	for i := range data {
		data[i] = float32((rng.Float64()*2 - 1) * bound)
	}
}

// KaimingNormal fills t with N(0, 2/fan), the He initialisation for ReLU nets.
func KaimingNormal(t *tensor.Tensor, fan int, rng *rand.Rand) {
	if rng == nil {
		rng = NewRand(0)
	}
	std := math.Sqrt(2 / float64(max(fan, 1)))
	data := t.Data()
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
}
