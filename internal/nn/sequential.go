package nn

import (
	"fmt"

	"tipburn/internal/tensor"
)

// Sequential runs its children in order, feeding each output to the next.
type Sequential struct {
	children []Child
}

// NewSequential builds a container from ordered children.
func NewSequential(children ...Child) *Sequential {
	return &Sequential{children: append([]Child(nil), children...)}
}

// Add appends a named child and returns s for chaining.
func (s *Sequential) Add(name string, m Module) *Sequential {
	s.children = append(s.children, Child{Name: name, Module: m})
	return s
}

// Children returns a copy of the ordered children.
func (s *Sequential) Children() []Child { return append([]Child(nil), s.children...) }

// Len returns the number of children.
func (s *Sequential) Len() int { return len(s.children) }

// Get looks a child up by name.
func (s *Sequential) Get(name string) (Module, bool) {
	for _, c := range s.children {
		if c.Name == name {
			return c.Module, true
		}
	}
	return nil, false
}

// Replace swaps the child called name for m, keeping its position.
func (s *Sequential) Replace(name string, m Module) error {
	for i, c := range s.children {
		if c.Name == name {
			s.children[i].Module = m
			return nil
		}
	}
	return fmt.Errorf("nn: sequential has no child %q", name)
}

// Last returns the final child.
func (s *Sequential) Last() (Child, bool) {
	if len(s.children) == 0 {
		return Child{}, false
	}
	return s.children[len(s.children)-1], true
}

// Slice returns a new container over children[from:to]. Modules are shared.
func (s *Sequential) Slice(from, to int) *Sequential {
	return NewSequential(s.children[from:to]...)
}

func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, c := range s.children {
		x, err = c.Module.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.Name, err)
		}
	}
	return x, nil
}

func (s *Sequential) String() string { return fmt.Sprintf("Sequential(%d)", len(s.children)) }
