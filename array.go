package stageflow

import (
	"fmt"
)

// Array is a dense, row-major numeric array of arbitrary rank.
// It is the value type the merger stacks across records.
type Array struct {
	shape []int
	data  []float64
}

// NewArray creates an array with the given shape backed by data.
// The data slice is used as is; its length must match the shape.
func NewArray(data []float64, shape ...int) (*Array, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("negative dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Array{shape: append([]int(nil), shape...), data: data}, nil
}

// Vector creates a rank-1 array holding a copy of values.
func Vector(values ...float64) *Array {
	return &Array{shape: []int{len(values)}, data: append([]float64(nil), values...)}
}

// Zeros creates a zero-filled array.
func Zeros(shape ...int) *Array {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Array{shape: append([]int(nil), shape...), data: make([]float64, n)}
}

// Shape returns a copy of the array dimensions.
func (a *Array) Shape() []int {
	return append([]int(nil), a.shape...)
}

// Rank returns the number of dimensions.
func (a *Array) Rank() int {
	return len(a.shape)
}

// Len returns the number of elements.
func (a *Array) Len() int {
	return len(a.data)
}

// Data returns the backing slice. Mutating it mutates the array.
func (a *Array) Data() []float64 {
	return a.data
}

// At returns the element at the given index.
func (a *Array) At(index ...int) float64 {
	return a.data[a.offset(index)]
}

// Set assigns the element at the given index.
func (a *Array) Set(v float64, index ...int) {
	a.data[a.offset(index)] = v
}

func (a *Array) offset(index []int) int {
	if len(index) != len(a.shape) {
		panic(fmt.Sprintf("stageflow: index %v has rank %d, array has rank %d", index, len(index), len(a.shape)))
	}
	off := 0
	for i, ix := range index {
		if ix < 0 || ix >= a.shape[i] {
			panic(fmt.Sprintf("stageflow: index %v out of range for shape %v", index, a.shape))
		}
		off = off*a.shape[i] + ix
	}
	return off
}

// Slice returns the sub-array at position i along the first axis.
// The result shares memory with a.
func (a *Array) Slice(i int) *Array {
	if len(a.shape) == 0 || i < 0 || i >= a.shape[0] {
		panic(fmt.Sprintf("stageflow: slice %d out of range for shape %v", i, a.shape))
	}
	inner := a.shape[1:]
	n := 1
	for _, d := range inner {
		n *= d
	}
	return &Array{shape: append([]int(nil), inner...), data: a.data[i*n : (i+1)*n]}
}

// Equal reports whether two arrays have the same shape and elements.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !sameShape(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if a.data[i] != b.data[i] {
			return false
		}
	}
	return true
}

// Nested returns the array as nested []any slices of float64, suitable for
// YAML or JSON encoding.
func (a *Array) Nested() any {
	if len(a.shape) == 0 {
		return a.data[0]
	}
	out := make([]any, a.shape[0])
	for i := range out {
		out[i] = a.Slice(i).Nested()
	}
	return out
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	return fmt.Sprintf("Array%v%v", a.shape, a.Nested())
}

// Stack joins arrays of identical shape along a new leading axis.
// It fails with ErrShapeMismatch when the shapes differ.
func Stack(arrays []*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, ErrNoRecords
	}
	first := arrays[0]
	data := make([]float64, 0, len(arrays)*len(first.data))
	for i, a := range arrays {
		if !sameShape(first.shape, a.shape) {
			return nil, fmt.Errorf("%w: element %d has shape %v, expected %v", ErrShapeMismatch, i, a.shape, first.shape)
		}
		data = append(data, a.data...)
	}
	shape := append([]int{len(arrays)}, first.shape...)
	return &Array{shape: shape, data: data}, nil
}

// ToArray converts numeric values into an Array. It accepts *Array,
// []float64, float64, int and nested []any of numbers with a regular shape.
func ToArray(v any) (*Array, error) {
	switch t := v.(type) {
	case *Array:
		return t, nil
	case []float64:
		return Vector(t...), nil
	case float64:
		return &Array{shape: []int{}, data: []float64{t}}, nil
	case int:
		return &Array{shape: []int{}, data: []float64{float64(t)}}, nil
	case []any:
		if len(t) == 0 {
			return Zeros(0), nil
		}
		parts := make([]*Array, len(t))
		for i, e := range t {
			p, err := ToArray(e)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", i, err)
			}
			parts[i] = p
		}
		return Stack(parts)
	default:
		return nil, fmt.Errorf("cannot convert %T to an array", v)
	}
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Plain converts a value into plain maps, slices and scalars, replacing
// every *Array by its nested form. Records and group mappings are
// converted recursively.
func Plain(v any) any {
	switch t := v.(type) {
	case *Array:
		return t.Nested()
	case Record:
		return plainMap(t)
	case map[string]any:
		return plainMap(t)
	case map[string]Record:
		out := make(map[string]any, len(t))
		for k, r := range t {
			out[k] = plainMap(r)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Plain(e)
		}
		return out
	default:
		return v
	}
}

func plainMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Plain(v)
	}
	return out
}
