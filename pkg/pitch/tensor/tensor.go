// Package tensor provides a minimal dense float32 tensor with shape metadata,
// the working data structure of the inference engine.
package tensor

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Shape lists the extent of each dimension, outermost first.
type Shape []int

// Len returns the number of elements a tensor of this shape holds.
func (s Shape) Len() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(o Shape) bool { return slices.Equal(s, o) }

// Valid reports whether every dimension is positive and the element count
// fits in an int.
func (s Shape) Valid() bool {
	if len(s) == 0 {
		return false
	}
	n := 1
	for _, d := range s {
		if d <= 0 || d > math.MaxInt/n {
			return false
		}
		n *= d
	}
	return true
}

// String renders the shape as "[1024 1]".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Tensor is a dense row-major array of float32 values.
type Tensor struct {
	shape Shape
	data  []float32
}

// New allocates a zeroed tensor.
func New(shape ...int) *Tensor {
	s := Shape(slices.Clone(shape))
	return &Tensor{shape: s, data: make([]float32, s.Len())}
}

// FromSlice wraps data without copying. It fails when len(data) does not
// match the shape.
func FromSlice(data []float32, shape ...int) (*Tensor, error) {
	s := Shape(slices.Clone(shape))
	if !s.Valid() {
		return nil, fmt.Errorf("tensor: invalid shape %v", s)
	}
	if s.Len() != len(data) {
		return nil, fmt.Errorf("tensor: %d values do not fit shape %v (%d)", len(data), s, s.Len())
	}
	return &Tensor{shape: s, data: data}, nil
}

// Shape returns the tensor's shape. The caller must not modify it.
func (t *Tensor) Shape() Shape { return t.shape }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Dim returns the extent of dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Len returns the element count.
func (t *Tensor) Len() int { return len(t.data) }

// Data exposes the backing slice.
func (t *Tensor) Data() []float32 { return t.data }

// At returns the element at the given row-major indices.
func (t *Tensor) At(idx ...int) float32 { return t.data[t.offset(idx)] }

// Set stores v at the given row-major indices.
func (t *Tensor) Set(v float32, idx ...int) { t.data[t.offset(idx)] = v }

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %d out of range for dim %d (%d)", x, i, t.shape[i]))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// Reshape returns a view sharing data with t under a new shape of equal size.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	return FromSlice(t.data, shape...)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: slices.Clone(t.shape), data: slices.Clone(t.data)}
}

// FirstNonFinite returns the index of the first NaN or infinite element, or -1.
func (t *Tensor) FirstNonFinite() int {
	return FirstNonFinite(t.data)
}

// FirstNonFinite returns the index of the first NaN or infinite value, or -1.
func FirstNonFinite(values []float32) int {
	for i, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}
