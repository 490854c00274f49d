// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package ops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Activation applies the named elementwise activation. Elementwise
// operations touch no cross-shard element, so any placement passes through
// unchanged.
func (s *Set) Activation(kind string, x any) (any, error) {
	xT, err := localOf(x)
	if err != nil {
		return nil, err
	}
	var out *tensor.Tensor
	switch kind {
	case "gelu":
		out = tensor.Gelu(xT)
	case "relu":
		out = tensor.Relu(xT)
	case "silu":
		out = tensor.Silu(xT)
	default:
		return nil, errors.Errorf("unknown activation %q", kind)
	}
	if dt, ok := asDT(x); ok {
		return dist.NewDTensor(out, dt.GlobalShape(), dt.Mesh(), dt.Placements()), nil
	}
	return out, nil
}

// Add computes a + b. With distributed operands the placements must either
// match exactly, or b must be fully replicated and small enough to
// broadcast onto a's unsharded trailing dimensions (the bias pattern).
func (s *Set) Add(a, b any) (any, error) {
	aT, err := localOf(a)
	if err != nil {
		return nil, err
	}
	bT, err := localOf(b)
	if err != nil {
		return nil, err
	}
	mesh, _ := firstMesh(a, b)
	if mesh == nil {
		return tensor.Add(aT, bT)
	}
	aP := placementsOf(a, mesh)
	bP := placementsOf(b, mesh)
	aGlobal := globalShapeOf(a)
	bGlobal := globalShapeOf(b)

	if !samePlacements(aP, bP) {
		// Allow replicated-bias broadcast onto a's trailing dims.
		offset := len(aGlobal) - len(bGlobal)
		for i, p := range bP {
			if p.IsShard() {
				return nil, errors.Errorf("add placement mismatch: %s vs %s",
					dist.PlacementsString(aP), dist.PlacementsString(bP))
			}
			if aP[i].IsShard() && aP[i].Dim() >= offset {
				return nil, errors.Errorf("add would broadcast onto sharded dimension %d", aP[i].Dim())
			}
		}
	}
	out, err := tensor.Add(aT, bT)
	if err != nil {
		return nil, err
	}
	return dist.NewDTensor(out, aGlobal, mesh, aP), nil
}

// Linear computes x @ w^T + b with weight stored [out, in]. It implements
// the tensor-parallel algebra:
//
//   - replicated weight: purely local, x's placement passes through;
//   - column-parallel weight (Shard(0)): local matmul against full x, the
//     output is sharded along its feature dimension, and the bias must be
//     sharded the same way;
//   - row-parallel weight (Shard(1)): x must arrive feature-sharded, the
//     local products are partial sums, and an all-reduce over the mesh
//     dimension completes them before the (replicated) bias is added.
func (s *Set) Linear(ctx context.Context, x, w, b any) (any, error) {
	xT, err := localOf(x)
	if err != nil {
		return nil, err
	}
	wT, err := localOf(w)
	if err != nil {
		return nil, err
	}
	bT, err := localOf(b)
	if err != nil {
		return nil, err
	}
	mesh, _ := firstMesh(x, w, b)
	if mesh == nil {
		return tensor.Linear(xT, wT, bT)
	}

	xP := placementsOf(x, mesh)
	wP := placementsOf(w, mesh)
	xGlobal := globalShapeOf(x)
	wGlobal := globalShapeOf(w)
	if len(wGlobal) != 2 {
		return nil, errors.Errorf("linear weight must be rank 2, got %v", wGlobal)
	}
	featDim := len(xGlobal) - 1
	outGlobal := xGlobal.Clone()
	outGlobal[featDim] = wGlobal[0]

	outP := make([]dist.Placement, mesh.NDim())
	var reduceDims []int
	for i := 0; i < mesh.NDim(); i++ {
		xp, wp := xP[i], wP[i]
		switch {
		case !wp.IsShard():
			if xp.IsShard() && xp.Dim() == featDim {
				return nil, errors.Errorf("feature-sharded input needs a row-parallel weight on mesh dimension %d", i)
			}
			outP[i] = xp
		case wp.Dim() == 0: // column parallel
			if xp.IsShard() {
				return nil, errors.Errorf("mesh dimension %d shards both input (%s) and weight (%s)", i, xp, wp)
			}
			outP[i] = dist.Shard(featDim)
		case wp.Dim() == 1: // row parallel
			if !xp.IsShard() || xp.Dim() != featDim {
				return nil, errors.Errorf("row-parallel weight on mesh dimension %d needs feature-sharded input, got %s", i, xp)
			}
			reduceDims = append(reduceDims, i)
			outP[i] = dist.Replicate()
		default:
			return nil, errors.Errorf("weight sharded on dimension %d of a rank-2 tensor", wp.Dim())
		}
	}

	// Bias placement must mirror the output's feature sharding.
	if b != nil {
		bP := placementsOf(b, mesh)
		for i := range bP {
			wantShard := wP[i].IsShard() && wP[i].Dim() == 0
			if bP[i].IsShard() != wantShard {
				return nil, errors.Errorf("bias placement %s does not match weight placement %s",
					dist.PlacementsString(bP), dist.PlacementsString(wP))
			}
		}
	}

	// Partial sums must be completed before the bias goes on.
	deferBias := len(reduceDims) > 0
	localBias := bT
	if deferBias {
		localBias = nil
	}
	local, err := tensor.Linear(xT, wT, localBias)
	if err != nil {
		return nil, err
	}
	for _, i := range reduceDims {
		if s.group == nil {
			return nil, errors.New("row-parallel linear requires a process group")
		}
		members, err := mesh.GroupAlong(i, s.group.Rank())
		if err != nil {
			return nil, err
		}
		reduced, err := s.group.AllReduce(ctx, members, local.Data(), dist.ReduceSum)
		if err != nil {
			return nil, errors.Wrapf(err, "reducing partial sums over mesh dimension %d", i)
		}
		local, err = tensor.FromSlice(reduced, local.Shape())
		if err != nil {
			return nil, err
		}
	}
	if deferBias && bT != nil {
		local, err = tensor.Add(local, bT)
		if err != nil {
			return nil, err
		}
	}
	return dist.NewDTensor(local, outGlobal, mesh, outP), nil
}

// LayerNorm normalizes the last dimension, which therefore must not be
// sharded. The affine parameters must be replicated.
func (s *Set) LayerNorm(x, gamma, beta any, eps float32) (any, error) {
	xT, err := localOf(x)
	if err != nil {
		return nil, err
	}
	gT, err := localOf(gamma)
	if err != nil {
		return nil, err
	}
	bT, err := localOf(beta)
	if err != nil {
		return nil, err
	}
	mesh, _ := firstMesh(x, gamma, beta)
	if mesh == nil {
		return tensor.LayerNorm(xT, gT, bT, eps)
	}
	xP := placementsOf(x, mesh)
	xGlobal := globalShapeOf(x)
	for _, p := range xP {
		if p.IsShard() && p.Dim() == len(xGlobal)-1 {
			return nil, errors.New("layer_norm over a sharded feature dimension")
		}
	}
	for _, v := range []any{gamma, beta} {
		for _, p := range placementsOf(v, mesh) {
			if p.IsShard() {
				return nil, errors.New("layer_norm affine parameters must be replicated")
			}
		}
	}
	out, err := tensor.LayerNorm(xT, gT, bT, eps)
	if err != nil {
		return nil, err
	}
	return dist.NewDTensor(out, xGlobal, mesh, xP), nil
}

// Split3 splits the last dimension into three equal parts (the packed
// q/k/v projection). The last dimension must not be sharded, since a shard
// boundary would cut across the packing.
func (s *Set) Split3(v any) (any, error) {
	vT, err := localOf(v)
	if err != nil {
		return nil, err
	}
	shape := vT.Shape()
	last := len(shape) - 1
	if last < 0 || shape[last]%3 != 0 {
		return nil, errors.Errorf("split3 needs a last dimension divisible by 3, got %v", shape)
	}
	mesh, _ := firstMesh(v)
	if mesh != nil {
		for _, p := range placementsOf(v, mesh) {
			if p.IsShard() && p.Dim() == last {
				return nil, errors.New("split3 over a sharded packed dimension")
			}
		}
	}
	third := shape[last] / 3
	outs := make([]any, 3)
	for i := 0; i < 3; i++ {
		part, err := vT.Narrow(last, i*third, third)
		if err != nil {
			return nil, err
		}
		if dt, ok := asDT(v); ok {
			outGlobal := dt.GlobalShape().Clone()
			outGlobal[last] /= 3
			outs[i] = dist.NewDTensor(part, outGlobal, mesh, dt.Placements())
		} else {
			outs[i] = part
		}
	}
	return outs, nil
}

// SDPA is causal self-attention over [batch, seq, features] operands. A
// feature-sharded operand runs head-parallel: the shard must align with a
// whole number of heads and the local call sees only those heads. The
// sequence dimension must not be sharded.
func (s *Set) SDPA(q, k, v any, heads int, causal bool) (any, error) {
	qT, err := localOf(q)
	if err != nil {
		return nil, err
	}
	kT, err := localOf(k)
	if err != nil {
		return nil, err
	}
	vT, err := localOf(v)
	if err != nil {
		return nil, err
	}
	mesh, _ := firstMesh(q, k, v)
	if mesh == nil {
		return tensor.SDPA(qT, kT, vT, heads, causal)
	}
	qP := placementsOf(q, mesh)
	for _, vv := range []any{k, v} {
		if !samePlacements(qP, placementsOf(vv, mesh)) {
			return nil, errors.New("sdpa operands must share one placement")
		}
	}
	qGlobal := globalShapeOf(q)
	if len(qGlobal) != 3 {
		return nil, errors.Errorf("sdpa expects [batch, seq, features], got %v", qGlobal)
	}
	for _, p := range qP {
		if p.IsShard() && p.Dim() == 1 {
			return nil, errors.New("sdpa over a sharded sequence dimension")
		}
	}
	localHeads := heads
	if localDim := qT.Shape()[2]; localDim != qGlobal[2] {
		if localDim*heads%qGlobal[2] != 0 {
			return nil, errors.Errorf("feature shard of %d does not align with %d heads over %d features",
				localDim, heads, qGlobal[2])
		}
		localHeads = localDim * heads / qGlobal[2]
		if localHeads == 0 {
			return nil, errors.Errorf("feature shard of %d holds no complete head", localDim)
		}
	}
	out, err := tensor.SDPA(qT, kT, vT, localHeads, causal)
	if err != nil {
		return nil, err
	}
	return dist.NewDTensor(out, qGlobal, mesh, qP), nil
}

func globalShapeOf(v any) tensor.Shape {
	switch t := v.(type) {
	case *dist.DTensor:
		return t.GlobalShape()
	case *tensor.Tensor:
		return t.Shape()
	default:
		return nil
	}
}
