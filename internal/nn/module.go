// Package nn provides the layer primitives and composition helpers used to
// assemble image classifiers: modules, parameters, sequential containers and
// state-dict loading with torchvision-style dotted names.
package nn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"tipburn/internal/tensor"
)

// ErrStateDict is wrapped by state-dict load failures.
var ErrStateDict = errors.New("nn: state dict does not match module")

// Module is anything that maps an input tensor to an output tensor.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Child is a named submodule.
type Child struct {
	Name   string
	Module Module
}

// Container is a module built from named children.
type Container interface {
	Module
	Children() []Child
}

// ParameterOwner is implemented by modules holding their own parameters.
type ParameterOwner interface {
	LocalParameters() []NamedParameter
}

// BufferOwner is implemented by modules holding non-trainable state.
type BufferOwner interface {
	LocalBuffers() []NamedTensor
}

// Parameter is a learnable tensor. Trainable=false marks it frozen.
type Parameter struct {
	Value     *tensor.Tensor
	Trainable bool
}

// NewParameter allocates a zeroed, trainable parameter.
func NewParameter(shape ...int) *Parameter {
	return &Parameter{Value: tensor.New(shape...), Trainable: true}
}

// NamedParameter pairs a parameter with its dotted path.
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// NamedTensor pairs a buffer with its dotted path.
type NamedTensor struct {
	Name   string
	Tensor *tensor.Tensor
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Walk visits m and every descendant in depth-first order, passing the
// dotted path of each module.
func Walk(m Module, visit func(path string, m Module)) {
	walk(m, "", visit)
}

func walk(m Module, prefix string, visit func(string, Module)) {
	visit(prefix, m)
	if c, ok := m.(Container); ok {
		for _, ch := range c.Children() {
			walk(ch.Module, join(prefix, ch.Name), visit)
		}
	}
}

// Parameters lists every parameter under m with its full dotted name.
func Parameters(m Module) []NamedParameter {
	var out []NamedParameter
	Walk(m, func(path string, mod Module) {
		if po, ok := mod.(ParameterOwner); ok {
			for _, p := range po.LocalParameters() {
				out = append(out, NamedParameter{Name: join(path, p.Name), Param: p.Param})
			}
		}
	})
	return out
}

// Buffers lists every buffer under m with its full dotted name.
func Buffers(m Module) []NamedTensor {
	var out []NamedTensor
	Walk(m, func(path string, mod Module) {
		if bo, ok := mod.(BufferOwner); ok {
			for _, b := range bo.LocalBuffers() {
				out = append(out, NamedTensor{Name: join(path, b.Name), Tensor: b.Tensor})
			}
		}
	})
	return out
}

// SetTrainable marks every parameter under m as trainable or frozen.
func SetTrainable(m Module, trainable bool) {
	for _, p := range Parameters(m) {
		p.Param.Trainable = trainable
	}
}

// CountParameters returns the total and trainable element counts under m.
func CountParameters(m Module) (total, trainable int) {
	for _, p := range Parameters(m) {
		n := p.Param.Value.Len()
		total += n
		if p.Param.Trainable {
			trainable += n
		}
	}
	return total, trainable
}

// StateDict returns the parameters and buffers of m keyed by dotted name.
// The tensors are shared with the module.
func StateDict(m Module) map[string]*tensor.Tensor {
	state := make(map[string]*tensor.Tensor)
	for _, p := range Parameters(m) {
		state[p.Name] = p.Param.Value
	}
	for _, b := range Buffers(m) {
		state[b.Name] = b.Tensor
	}
	return state
}

// LoadStateDict copies values from state into m. Every parameter and buffer
// of m must be present with the same shape; extra keys are ignored.
func LoadStateDict(m Module, state map[string]*tensor.Tensor) error {
	own := StateDict(m)
	names := make([]string, 0, len(own))
	for name := range own {
		names = append(names, name)
	}
	sort.Strings(names)

	var missing []string
	for _, name := range names {
		src, ok := state[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if err := own[name].CopyFrom(src); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStateDict, name, err)
		}
	}
	if len(missing) > 0 {
		shown := missing
		if len(shown) > 5 {
			shown = shown[:5]
		}
		return fmt.Errorf("%w: %d missing keys (%s)", ErrStateDict, len(missing), strings.Join(shown, ", "))
	}
	return nil
}
