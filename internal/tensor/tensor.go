// Package tensor implements dense float32 tensors and the handful of
// numeric kernels needed to run convolutional image classifiers on the CPU.
//
// Tensors are row-major. Image batches use the NCHW layout
// ([batch, channels, height, width]).
package tensor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShape is wrapped by every shape mismatch reported by this package.
var ErrShape = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float32 array.
type Tensor struct {
	shape []int
	data  []float32
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	n := Numel(shape)
	if n < 0 {
		panic(fmt.Sprintf("tensor: negative dimension in %v", shape))
	}
	return &Tensor{shape: append([]int(nil), shape...), data: make([]float32, n)}
}

// FromData wraps data without copying it.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	n := Numel(shape)
	if n < 0 {
		return nil, fmt.Errorf("%w: negative dimension in %v", ErrShape, shape)
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d values do not fill %v", ErrShape, len(data), shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: data}, nil
}

// Numel returns the element count of shape, or -1 if any dimension is negative.
func Numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return -1
		}
		n *= d
	}
	return n
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the size of dimension i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.shape)
	}
	return t.shape[i]
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float32 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.Shape(), data: append([]float32(nil), t.data...)}
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if Numel(shape) != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v to %v", ErrShape, t.shape, shape)
	}
	return &Tensor{shape: append([]int(nil), shape...), data: t.data}, nil
}

// HasShape reports whether the tensor has exactly the given dimensions.
func (t *Tensor) HasShape(shape ...int) bool {
	if len(shape) != len(t.shape) {
		return false
	}
	for i := range shape {
		if shape[i] != t.shape[i] {
			return false
		}
	}
	return true
}

// CopyFrom overwrites t's values with src's. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.HasShape(src.shape...) {
		return fmt.Errorf("%w: have %v, got %v", ErrShape, t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Row returns the i-th slice along the first dimension as a view.
func (t *Tensor) Row(i int) *Tensor {
	inner := 1
	for _, d := range t.shape[1:] {
		inner *= d
	}
	return &Tensor{shape: append([]int(nil), t.shape[1:]...), data: t.data[i*inner : (i+1)*inner]}
}

func (t *Tensor) String() string {
	dims := make([]string, len(t.shape))
	for i, d := range t.shape {
		dims[i] = fmt.Sprint(d)
	}
	return "Tensor[" + strings.Join(dims, "x") + "]"
}

// Stack joins same-shaped tensors along a new leading dimension.
func Stack(items []*Tensor) (*Tensor, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}
	inner := items[0].shape
	out := New(append([]int{len(items)}, inner...)...)
	size := len(items[0].data)
	for i, it := range items {
		if !it.HasShape(inner...) {
			return nil, fmt.Errorf("%w: item %d is %v, want %v", ErrShape, i, it.shape, inner)
		}
		copy(out.data[i*size:], it.data)
	}
	return out, nil
}

func shapeErr(op string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrShape, op, fmt.Sprintf(format, args...))
}
