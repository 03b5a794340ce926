package classifier

import (
	"fmt"

	"tipburn/internal/nn"
	"tipburn/internal/tensor"
)

// Prediction is the classification of one image.
type Prediction struct {
	Index         int       `json:"index"`
	Label         string    `json:"label,omitempty"`
	Confidence    float32   `json:"confidence"`
	Logits        []float32 `json:"logits"`
	Probabilities []float32 `json:"probabilities"`
}

// Predict runs Forward on x and reduces each row to its most likely class.
// labels, when non-empty, names the classes by index.
func (c *Classifier) Predict(x *tensor.Tensor, labels []string) ([]Prediction, error) {
	if len(labels) > 0 && len(labels) != c.NumClasses() {
		return nil, fmt.Errorf("got %d labels for %d classes", len(labels), c.NumClasses())
	}
	logits, err := c.Forward(x)
	if err != nil {
		return nil, err
	}
	probs, err := tensor.Softmax(logits)
	if err != nil {
		return nil, err
	}
	best, err := tensor.ArgMax(logits)
	if err != nil {
		return nil, err
	}
	out := make([]Prediction, len(best))
	for i, idx := range best {
		p := probs.Row(i).Data()
		out[i] = Prediction{
			Index:         idx,
			Confidence:    p[idx],
			Logits:        append([]float32(nil), logits.Row(i).Data()...),
			Probabilities: append([]float32(nil), p...),
		}
		if len(labels) > 0 {
			out[i].Label = labels[idx]
		}
	}
	return out, nil
}

// LayerSummary describes one top-level stage of the model.
type LayerSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  int    `json:"parameters"`
	Trainable   int    `json:"trainable"`
}

// Summary lists the model's stages with their parameter counts.
type Summary struct {
	Backbone   string         `json:"backbone"`
	InChannels int            `json:"in_channels"`
	Classes    int            `json:"classes"`
	Features   int            `json:"features"`
	Layers     []LayerSummary `json:"layers"`
	Total      int            `json:"total_parameters"`
	Trainable  int            `json:"trainable_parameters"`
}

// Frozen is the number of parameters excluded from training.
func (s Summary) Frozen() int { return s.Total - s.Trainable }

// Summary reports the children of the backbone and the head in order.
func (c *Classifier) Summary() Summary {
	s := Summary{
		Backbone:   c.cfg.Backbone,
		InChannels: c.InputChannels(),
		Classes:    c.NumClasses(),
		Features:   c.FeatureWidth(),
	}
	for _, stage := range c.Children() {
		for _, ch := range stage.Module.(nn.Container).Children() {
			total, trainable := nn.CountParameters(ch.Module)
			s.Layers = append(s.Layers, LayerSummary{
				Name:        stage.Name + "." + ch.Name,
				Description: describe(ch.Module),
				Parameters:  total,
				Trainable:   trainable,
			})
		}
	}
	s.Total, s.Trainable = nn.CountParameters(c)
	return s
}

func describe(m nn.Module) string {
	if s, ok := m.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", m)
}
