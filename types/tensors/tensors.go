// Package tensors defines a minimal flat float64 tensor value, used by the
// training loops as the currency for losses and logged metric values.
//
// It is deliberately not a math library: the loop hierarchy only needs to
// carry values around, compare them and reduce them (mean/sum/max/min), with
// the actual model computation delegated to an external step function.
package tensors

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	xslices "golang.org/x/exp/slices"
)

// Tensor is an immutable flat container of float64 values with a shape.
// A scalar has no dimensions and exactly one value.
type Tensor struct {
	flat []float64
	dims []int
}

// FromScalar creates a scalar Tensor.
func FromScalar(value float64) *Tensor {
	return &Tensor{flat: []float64{value}}
}

// FromFlat creates a Tensor with the given flat data and dimensions.
// With no dimensions it creates a vector of len(flat).
func FromFlat(flat []float64, dimensions ...int) *Tensor {
	if len(dimensions) == 0 {
		dimensions = []int{len(flat)}
	}
	size := 1
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("tensors.FromFlat: invalid dimension %d in %v", dim, dimensions)
		}
		size *= dim
	}
	if size != len(flat) {
		exceptions.Panicf("tensors.FromFlat: dimensions %v require %d values, got %d", dimensions, size, len(flat))
	}
	return &Tensor{flat: xslices.Clone(flat), dims: xslices.Clone(dimensions)}
}

// IsScalar reports whether t holds exactly one value and no dimensions.
func (t *Tensor) IsScalar() bool { return len(t.dims) == 0 }

// Rank returns the number of dimensions, 0 for scalars.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of values held.
func (t *Tensor) Size() int { return len(t.flat) }

// Dimensions returns the tensor dimensions. The returned slice is owned by
// the Tensor, don't change it.
func (t *Tensor) Dimensions() []int { return t.dims }

// Scalar returns the value of a scalar (or single-element) Tensor.
func (t *Tensor) Scalar() float64 {
	if len(t.flat) != 1 {
		exceptions.Panicf("Tensor.Scalar called on tensor with %d values", len(t.flat))
	}
	return t.flat[0]
}

// Flat returns the flat values. The returned slice is owned by the Tensor,
// don't change it.
func (t *Tensor) Flat() []float64 { return t.flat }

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{flat: xslices.Clone(t.flat), dims: xslices.Clone(t.dims)}
}

// Equal reports whether t and other have the same shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil {
		return t == nil
	}
	return xslices.Equal(t.dims, other.dims) && xslices.Equal(t.flat, other.flat)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.IsScalar() {
		return fmt.Sprintf("%g", t.flat[0])
	}
	parts := make([]string, len(t.flat))
	for ii, v := range t.flat {
		parts[ii] = fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("shape=%v [%s]", t.dims, strings.Join(parts, ", "))
}
