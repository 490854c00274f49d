// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides the dense float32 tensor used throughout AdaServe.
//
// Tensors here are always local to the owning process: a distributed tensor
// is a local shard from this package plus placement metadata, and lives in
// the dist package. Storage is a flat row-major float32 slice.
package tensor

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a dense row-major float32 array with a shape.
type Tensor struct {
	shape Shape
	data  []float32
}

// Zeros creates a tensor filled with zeros.
func Zeros(shape Shape) *Tensor {
	return &Tensor{
		shape: shape.Clone(),
		data:  make([]float32, shape.NumElements()),
	}
}

// Full creates a tensor filled with a specific value.
func Full(shape Shape, value float32) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = value
	}
	return t
}

// Randn creates a tensor filled with samples from N(0, 1) drawn from rng.
//
// The generator is taken explicitly so that every rank of an SPMD run can
// synthesize bit-identical values from a shared seed.
func Randn(shape Shape, rng *rand.Rand) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = float32(rng.NormFloat64())
	}
	return t
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
func FromSlice(data []float32, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	t := Zeros(shape)
	copy(t.data, data)
	return t, nil
}

// Shape returns the tensor's shape.
func (t *Tensor) Shape() Shape {
	return t.shape
}

// Data returns the underlying storage slice.
// Mutating it mutates the tensor.
func (t *Tensor) Data() []float32 {
	return t.data
}

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	c := Zeros(t.shape)
	copy(c.data, t.data)
	return c
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(indices ...int) float32 {
	return t.data[t.flatIndex(indices)]
}

// SetAt stores v at the given multi-dimensional index.
func (t *Tensor) SetAt(v float32, indices ...int) {
	t.data[t.flatIndex(indices)] = v
}

func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("index rank %d does not match tensor rank %d", len(indices), len(t.shape)))
	}
	strides := t.shape.Strides()
	flat := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.shape[i] {
			panic(fmt.Sprintf("index %d out of range for dimension %d (size %d)", idx, i, t.shape[i]))
		}
		flat += idx * strides[i]
	}
	return flat
}

// Reshape returns a tensor with a new shape sharing the same storage.
// The element count must be unchanged.
func (t *Tensor) Reshape(shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if shape.NumElements() != len(t.data) {
		return nil, fmt.Errorf("cannot reshape %v to %v: element count differs", t.shape, shape)
	}
	return &Tensor{shape: shape.Clone(), data: t.data}, nil
}

// Narrow returns a copy of the slice [start, start+length) of the tensor
// along dim. length may be zero, producing an empty shard.
func (t *Tensor) Narrow(dim, start, length int) (*Tensor, error) {
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("narrow dim %d out of range for shape %v", dim, t.shape)
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("narrow range [%d, %d) out of bounds for dimension %d (size %d)",
			start, start+length, dim, t.shape[dim])
	}
	outShape := t.shape.Clone()
	outShape[dim] = length
	out := Zeros(outShape)

	// Row-major copy: contiguous inner runs, one per outer block.
	inner := 1
	for i := dim + 1; i < len(t.shape); i++ {
		inner *= t.shape[i]
	}
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= t.shape[i]
	}
	srcDim := t.shape[dim]
	for o := 0; o < outer; o++ {
		srcBase := (o*srcDim + start) * inner
		dstBase := o * length * inner
		copy(out.data[dstBase:dstBase+length*inner], t.data[srcBase:srcBase+length*inner])
	}
	return out, nil
}

// Concat concatenates tensors along dim. All inputs must agree on every
// other dimension. Zero-sized shards contribute nothing but are validated.
func Concat(dim int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("concat of zero tensors")
	}
	ref := ts[0].shape
	if dim < 0 || dim >= len(ref) {
		return nil, fmt.Errorf("concat dim %d out of range for shape %v", dim, ref)
	}
	total := 0
	for _, t := range ts {
		if len(t.shape) != len(ref) {
			return nil, fmt.Errorf("concat rank mismatch: %v vs %v", ref, t.shape)
		}
		for i := range ref {
			if i != dim && t.shape[i] != ref[i] {
				return nil, fmt.Errorf("concat shape mismatch on dim %d: %v vs %v", i, ref, t.shape)
			}
		}
		total += t.shape[dim]
	}
	outShape := ref.Clone()
	outShape[dim] = total
	out := Zeros(outShape)

	inner := 1
	for i := dim + 1; i < len(ref); i++ {
		inner *= ref[i]
	}
	outer := 1
	for i := 0; i < dim; i++ {
		outer *= ref[i]
	}
	for o := 0; o < outer; o++ {
		dstOff := o * total * inner
		for _, t := range ts {
			n := t.shape[dim] * inner
			copy(out.data[dstOff:dstOff+n], t.data[o*n:(o+1)*n])
			dstOff += n
		}
	}
	return out, nil
}

// AllClose reports whether a and b have the same shape and every pair of
// elements differs by at most tol.
func AllClose(a, b *Tensor, tol float64) bool {
	if !a.shape.Equal(b.shape) {
		return false
	}
	for i := range a.data {
		if math.Abs(float64(a.data[i]-b.data[i])) > tol {
			return false
		}
	}
	return true
}

// String returns a short description like "Tensor[2 128 512]".
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.shape)
}
