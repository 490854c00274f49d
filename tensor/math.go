// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"fmt"
	"math"

	"github.com/LiuTaowen-Tony/adaserve/internal/parallel"
)

// MatMul multiplies a [..., m, k] by b [k, n], treating every leading
// dimension of a as batch. b must be 2-D.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.shape) < 2 || len(b.shape) != 2 {
		return nil, fmt.Errorf("matmul requires a rank >= 2 and b rank 2, got %v x %v", a.shape, b.shape)
	}
	k := a.shape[len(a.shape)-1]
	if b.shape[0] != k {
		return nil, fmt.Errorf("matmul inner dimension mismatch: %v x %v", a.shape, b.shape)
	}
	m := a.shape[len(a.shape)-2]
	n := b.shape[1]
	batch := 1
	for _, d := range a.shape[:len(a.shape)-2] {
		batch *= d
	}
	outShape := a.shape.Clone()
	outShape[len(outShape)-1] = n
	out := Zeros(outShape)

	// Rows are independent, so the batch*m row loop parallelizes cleanly.
	parallel.For(batch*m, func(row int) {
		aOff := row * k
		oRow := out.data[row*n : (row+1)*n]
		for p := 0; p < k; p++ {
			av := a.data[aOff+p]
			if av == 0 {
				continue
			}
			bRow := b.data[p*n : (p+1)*n]
			for j := range bRow {
				oRow[j] += av * bRow[j]
			}
		}
	})
	return out, nil
}

// Linear computes x @ w^T + b with the weight stored as [out, in],
// x [..., in], optional bias [out]. Returns [..., out].
func Linear(x, w, b *Tensor) (*Tensor, error) {
	if len(x.shape) < 1 || len(w.shape) != 2 {
		return nil, fmt.Errorf("linear requires weight rank 2, got x %v, w %v", x.shape, w.shape)
	}
	in := w.shape[1]
	outF := w.shape[0]
	if x.shape[len(x.shape)-1] != in {
		return nil, fmt.Errorf("linear feature mismatch: x %v, w %v", x.shape, w.shape)
	}
	if b != nil && !b.Shape().Equal(Shape{outF}) {
		return nil, fmt.Errorf("linear bias shape %v does not match out features %d", b.shape, outF)
	}
	rows := x.NumElements() / max(in, 1)
	if in == 0 {
		rows = 0
	}
	outShape := x.shape.Clone()
	outShape[len(outShape)-1] = outF
	out := Zeros(outShape)

	parallel.For(rows, func(r int) {
		xRow := x.data[r*in : (r+1)*in]
		oRow := out.data[r*outF : (r+1)*outF]
		for j := 0; j < outF; j++ {
			wRow := w.data[j*in : (j+1)*in]
			var acc float32
			for p := range xRow {
				acc += xRow[p] * wRow[p]
			}
			oRow[j] = acc
		}
		if b != nil {
			for j := 0; j < outF; j++ {
				oRow[j] += b.data[j]
			}
		}
	})
	return out, nil
}

// Add computes a + b. Shapes must match exactly, or b's shape must equal
// a trailing suffix of a's shape (bias-style broadcast).
func Add(a, b *Tensor) (*Tensor, error) {
	if a.shape.Equal(b.shape) {
		out := a.Clone()
		for i := range out.data {
			out.data[i] += b.data[i]
		}
		return out, nil
	}
	if isTrailingSuffix(a.shape, b.shape) {
		out := a.Clone()
		n := b.NumElements()
		if n > 0 {
			for i := range out.data {
				out.data[i] += b.data[i%n]
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("add shape mismatch: %v vs %v", a.shape, b.shape)
}

func isTrailingSuffix(outer, suffix Shape) bool {
	if len(suffix) > len(outer) {
		return false
	}
	off := len(outer) - len(suffix)
	for i := range suffix {
		if outer[off+i] != suffix[i] {
			return false
		}
	}
	return true
}

// Mul computes the elementwise product of two same-shaped tensors.
func Mul(a, b *Tensor) (*Tensor, error) {
	if !a.shape.Equal(b.shape) {
		return nil, fmt.Errorf("mul shape mismatch: %v vs %v", a.shape, b.shape)
	}
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= b.data[i]
	}
	return out, nil
}

// Scale multiplies every element by s.
func Scale(a *Tensor, s float32) *Tensor {
	out := a.Clone()
	for i := range out.data {
		out.data[i] *= s
	}
	return out
}

// Softmax applies a numerically stable softmax along the last dimension.
func Softmax(a *Tensor) *Tensor {
	out := a.Clone()
	if len(a.shape) == 0 {
		return out
	}
	n := a.shape[len(a.shape)-1]
	if n == 0 {
		return out
	}
	rows := a.NumElements() / n
	for r := 0; r < rows; r++ {
		row := out.data[r*n : (r+1)*n]
		maxv := row[0]
		for _, v := range row {
			if v > maxv {
				maxv = v
			}
		}
		var sum float32
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxv)))
			row[i] = e
			sum += e
		}
		for i := range row {
			row[i] /= sum
		}
	}
	return out
}

// LayerNorm normalizes the last dimension of x to zero mean and unit
// variance, then applies the affine transform gamma*x + beta.
func LayerNorm(x, gamma, beta *Tensor, eps float32) (*Tensor, error) {
	if len(x.shape) == 0 {
		return nil, fmt.Errorf("layernorm requires rank >= 1, got scalar")
	}
	n := x.shape[len(x.shape)-1]
	want := Shape{n}
	if !gamma.shape.Equal(want) || !beta.shape.Equal(want) {
		return nil, fmt.Errorf("layernorm affine shapes %v/%v do not match feature size %d", gamma.shape, beta.shape, n)
	}
	out := x.Clone()
	if n == 0 {
		return out, nil
	}
	rows := x.NumElements() / n
	for r := 0; r < rows; r++ {
		row := out.data[r*n : (r+1)*n]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= float32(n)
		var variance float32
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float32(n)
		inv := float32(1.0 / math.Sqrt(float64(variance+eps)))
		for i := range row {
			row[i] = (row[i]-mean)*inv*gamma.data[i] + beta.data[i]
		}
	}
	return out, nil
}

// Gelu applies the tanh-approximated GELU used by GPT-2.
func Gelu(x *Tensor) *Tensor {
	out := x.Clone()
	const c = 0.7978845608028654 // sqrt(2/pi)
	for i, v := range out.data {
		v64 := float64(v)
		out.data[i] = float32(0.5 * v64 * (1 + math.Tanh(c*(v64+0.044715*v64*v64*v64))))
	}
	return out
}

// Relu applies max(0, x) elementwise.
func Relu(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		if v < 0 {
			out.data[i] = 0
		}
	}
	return out
}

// Silu applies x * sigmoid(x) elementwise.
func Silu(x *Tensor) *Tensor {
	out := x.Clone()
	for i, v := range out.data {
		out.data[i] = v / float32(1+math.Exp(-float64(v)))
	}
	return out
}

// SDPA is scaled dot-product self-attention over a packed [batch, seq,
// heads*headDim] input for each of q, k and v. When causal is true,
// position i attends only to positions <= i.
func SDPA(q, k, v *Tensor, heads int, causal bool) (*Tensor, error) {
	if len(q.shape) != 3 || !q.shape.Equal(k.shape) || !q.shape.Equal(v.shape) {
		return nil, fmt.Errorf("sdpa requires three equal [batch, seq, dim] tensors, got %v, %v, %v", q.shape, k.shape, v.shape)
	}
	batch, seq, dim := q.shape[0], q.shape[1], q.shape[2]
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("sdpa model dim %d not divisible by %d heads", dim, heads)
	}
	hd := dim / heads
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	out := Zeros(q.shape)

	scores := make([]float32, seq)
	for b := 0; b < batch; b++ {
		base := b * seq * dim
		for h := 0; h < heads; h++ {
			hOff := h * hd
			for i := 0; i < seq; i++ {
				limit := seq
				if causal {
					limit = i + 1
				}
				qRow := q.data[base+i*dim+hOff : base+i*dim+hOff+hd]
				maxv := float32(math.Inf(-1))
				for j := 0; j < limit; j++ {
					kRow := k.data[base+j*dim+hOff : base+j*dim+hOff+hd]
					var dot float32
					for p := 0; p < hd; p++ {
						dot += qRow[p] * kRow[p]
					}
					dot *= scale
					scores[j] = dot
					if dot > maxv {
						maxv = dot
					}
				}
				var sum float32
				for j := 0; j < limit; j++ {
					e := float32(math.Exp(float64(scores[j] - maxv)))
					scores[j] = e
					sum += e
				}
				oRow := out.data[base+i*dim+hOff : base+i*dim+hOff+hd]
				for j := 0; j < limit; j++ {
					w := scores[j] / sum
					vRow := v.data[base+j*dim+hOff : base+j*dim+hOff+hd]
					for p := 0; p < hd; p++ {
						oRow[p] += w * vRow[p]
					}
				}
			}
		}
	}
	return out, nil
}
