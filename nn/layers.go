// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/ops"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

const initStd = 0.02

// Linear is a fully connected layer y = x @ W^T + b with weight stored
// [out, in].
type Linear struct {
	Weight *Param
	Bias   *Param
}

// NewLinear materializes a linear layer with normal(0, 0.02) weights and
// zero bias.
func NewLinear(in, out int, rng *rand.Rand) *Linear {
	w := tensor.Randn(tensor.Shape{out, in}, rng)
	return &Linear{
		Weight: NewParam(tensor.Scale(w, initStd)),
		Bias:   NewParam(tensor.Zeros(tensor.Shape{out})),
	}
}

// Forward applies the layer.
func (l *Linear) Forward(ctx context.Context, s *ops.Set, x any) (any, error) {
	return s.Linear(ctx, x, l.Weight.Value(), l.Bias.Value())
}

func (l *Linear) params(prefix string, out []NamedParam) []NamedParam {
	return append(out,
		NamedParam{Name: prefix + ".weight", Param: l.Weight},
		NamedParam{Name: prefix + ".bias", Param: l.Bias},
	)
}

// LayerNorm normalizes the last dimension with learned affine parameters.
type LayerNorm struct {
	Gamma *Param
	Beta  *Param
	Eps   float32
}

// NewLayerNorm materializes a layer norm with unit gamma and zero beta.
func NewLayerNorm(width int, eps float32) *LayerNorm {
	return &LayerNorm{
		Gamma: NewParam(tensor.Full(tensor.Shape{width}, 1)),
		Beta:  NewParam(tensor.Zeros(tensor.Shape{width})),
		Eps:   eps,
	}
}

// Forward applies the layer.
func (l *LayerNorm) Forward(_ context.Context, s *ops.Set, x any) (any, error) {
	return s.LayerNorm(x, l.Gamma.Value(), l.Beta.Value(), l.Eps)
}

func (l *LayerNorm) params(prefix string, out []NamedParam) []NamedParam {
	return append(out,
		NamedParam{Name: prefix + ".gamma", Param: l.Gamma},
		NamedParam{Name: prefix + ".beta", Param: l.Beta},
	)
}

// Attention is causal multi-head self-attention. The q, k, v projections
// are stored as separate parameters so a column-parallel plan can shard
// each of them cleanly along heads; the packed view the data-parallel
// graph loads is derived from them on demand (see packedQKV).
type Attention struct {
	Heads int
	Q     *Linear
	K     *Linear
	V     *Linear
	Proj  *Linear
}

// NewAttention materializes an attention layer over hidden features.
func NewAttention(hidden, heads int, rng *rand.Rand) *Attention {
	return &Attention{
		Heads: heads,
		Q:     NewLinear(hidden, hidden, rng),
		K:     NewLinear(hidden, hidden, rng),
		V:     NewLinear(hidden, hidden, rng),
		Proj:  NewLinear(hidden, hidden, rng),
	}
}

// Forward applies the layer.
func (a *Attention) Forward(ctx context.Context, s *ops.Set, x any) (any, error) {
	q, err := a.Q.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	k, err := a.K.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	v, err := a.V.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	att, err := s.SDPA(q, k, v, a.Heads, true)
	if err != nil {
		return nil, err
	}
	return a.Proj.Forward(ctx, s, att)
}

// packedQKV concatenates the q, k, v weights (or biases) into the packed
// [3*hidden, hidden] view a split3-based graph expects. Only valid while
// the three parameters are replicated or local; a head-parallel plan never
// asks for the packed view.
func (a *Attention) packedQKV(pick func(*Linear) *Param) (any, error) {
	parts := []*Param{pick(a.Q), pick(a.K), pick(a.V)}
	locals := make([]*tensor.Tensor, len(parts))
	var mesh *dist.DeviceMesh
	for i, p := range parts {
		if dt, ok := p.Value().(*dist.DTensor); ok {
			for _, pl := range dt.Placements() {
				if pl.IsShard() {
					return nil, errors.New("packed qkv view over sharded projections")
				}
			}
			mesh = dt.Mesh()
		}
		locals[i] = p.Local()
	}
	packed, err := tensor.Concat(0, locals...)
	if err != nil {
		return nil, err
	}
	if mesh == nil {
		return packed, nil
	}
	replicate := make([]dist.Placement, mesh.NDim())
	for i := range replicate {
		replicate[i] = dist.Replicate()
	}
	return dist.NewDTensor(packed, packed.Shape(), mesh, replicate), nil
}

func (a *Attention) params(prefix string, out []NamedParam) []NamedParam {
	out = a.Q.params(prefix+".q", out)
	out = a.K.params(prefix+".k", out)
	out = a.V.params(prefix+".v", out)
	return a.Proj.params(prefix+".proj", out)
}

// MLP is the transformer feed-forward block: up projection to 4x hidden,
// activation, down projection.
type MLP struct {
	Up         *Linear
	Down       *Linear
	Activation string
}

// NewMLP materializes the feed-forward block.
func NewMLP(hidden int, activation string, rng *rand.Rand) *MLP {
	return &MLP{
		Up:         NewLinear(hidden, 4*hidden, rng),
		Down:       NewLinear(4*hidden, hidden, rng),
		Activation: activation,
	}
}

// Forward applies the layer.
func (m *MLP) Forward(ctx context.Context, s *ops.Set, x any) (any, error) {
	h, err := m.Up.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	h, err = s.Activation(m.Activation, h)
	if err != nil {
		return nil, err
	}
	return m.Down.Forward(ctx, s, h)
}

func (m *MLP) params(prefix string, out []NamedParam) []NamedParam {
	out = m.Up.params(prefix+".up", out)
	return m.Down.params(prefix+".down", out)
}

// Block is one pre-norm transformer block:
// x + attn(ln1(x)), then x + mlp(ln2(x)).
type Block struct {
	LN1  *LayerNorm
	Attn *Attention
	LN2  *LayerNorm
	MLP  *MLP
}

// NewBlock materializes one block.
func NewBlock(hidden, heads int, activation string, eps float32, rng *rand.Rand) *Block {
	return &Block{
		LN1:  NewLayerNorm(hidden, eps),
		Attn: NewAttention(hidden, heads, rng),
		LN2:  NewLayerNorm(hidden, eps),
		MLP:  NewMLP(hidden, activation, rng),
	}
}

// Forward applies the block.
func (b *Block) Forward(ctx context.Context, s *ops.Set, x any) (any, error) {
	h, err := b.LN1.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	h, err = b.Attn.Forward(ctx, s, h)
	if err != nil {
		return nil, err
	}
	x, err = s.Add(x, h)
	if err != nil {
		return nil, err
	}
	h, err = b.LN2.Forward(ctx, s, x)
	if err != nil {
		return nil, err
	}
	h, err = b.MLP.Forward(ctx, s, h)
	if err != nil {
		return nil, err
	}
	return s.Add(x, h)
}

func (b *Block) params(prefix string, out []NamedParam) []NamedParam {
	out = b.LN1.params(prefix+".ln1", out)
	out = b.Attn.params(prefix+".attn", out)
	out = b.LN2.params(prefix+".ln2", out)
	return b.MLP.params(prefix+".mlp", out)
}
