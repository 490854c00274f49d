// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package ops

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

func seqTensor(t *testing.T, shape ...int) *tensor.Tensor {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i+1) * 0.1
	}
	out, err := tensor.FromSlice(data, tensor.Shape(shape))
	require.NoError(t, err)
	return out
}

func TestLocalLinearMatchesTensor(t *testing.T) {
	s := NewSet(nil)
	x := seqTensor(t, 2, 4)
	w := seqTensor(t, 3, 4)
	b := seqTensor(t, 3)

	op, ok := s.Lookup("linear")
	require.True(t, ok)
	got, err := op.Apply(context.Background(), []any{x, w, b}, nil)
	require.NoError(t, err)

	want, err := tensor.Linear(x, w, b)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(got.(*tensor.Tensor), want, 0))
}

func TestIdentityPassesValueThrough(t *testing.T) {
	s := NewSet(nil)
	op, _ := s.Lookup("identity")
	x := seqTensor(t, 2, 2)
	got, err := op.Apply(context.Background(), []any{x}, nil)
	require.NoError(t, err)
	assert.Same(t, x, got)
}

func TestSDPARequiresHeadsKwarg(t *testing.T) {
	s := NewSet(nil)
	op, _ := s.Lookup("sdpa")
	x := seqTensor(t, 1, 2, 4)
	_, err := op.Apply(context.Background(), []any{x, x, x}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heads")
}

func TestLayerNormDefaultEps(t *testing.T) {
	s := NewSet(nil)
	op, _ := s.Lookup("layer_norm")
	x := seqTensor(t, 2, 4)
	gamma := seqTensor(t, 4)
	beta := seqTensor(t, 4)
	got, err := op.Apply(context.Background(), []any{x, gamma, beta}, nil)
	require.NoError(t, err)
	want, err := tensor.LayerNorm(x, gamma, beta, 1e-5)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(got.(*tensor.Tensor), want, 0))
}

func TestSplit3Packed(t *testing.T) {
	s := NewSet(nil)
	x := seqTensor(t, 2, 6)
	got, err := s.Split3(x)
	require.NoError(t, err)
	parts, ok := got.([]any)
	require.True(t, ok)
	require.Len(t, parts, 3)
	for i, p := range parts {
		pt := p.(*tensor.Tensor)
		assert.True(t, pt.Shape().Equal(tensor.Shape{2, 2}))
		want, err := x.Narrow(1, i*2, 2)
		require.NoError(t, err)
		assert.True(t, tensor.AllClose(pt, want, 0))
	}
}

func TestSplit3RejectsShardedPackedDim(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 2, 6)
	dt, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(1)}, 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.Split3(dt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "packed")
}

// Column-parallel linear needs no communication: each rank computes its
// slice of the output features against the full input.
func TestColwiseLinearShardsFeatures(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 2, 4)
	w := seqTensor(t, 6, 4)
	b := seqTensor(t, 6)
	want, err := tensor.Linear(x, w, b)
	require.NoError(t, err)

	s := NewSet(nil)
	shards := make([]*tensor.Tensor, 2)
	for rank := 0; rank < 2; rank++ {
		xDT, err := dist.Distribute(x, mesh, replicated(mesh), rank)
		require.NoError(t, err)
		wDT, err := dist.Distribute(w, mesh, []dist.Placement{dist.Shard(0)}, rank)
		require.NoError(t, err)
		bDT, err := dist.Distribute(b, mesh, []dist.Placement{dist.Shard(0)}, rank)
		require.NoError(t, err)

		got, err := s.Linear(context.Background(), xDT, wDT, bDT)
		require.NoError(t, err)
		dt := got.(*dist.DTensor)
		assert.Equal(t, "[S(1)]", dist.PlacementsString(dt.Placements()))
		assert.True(t, dt.GlobalShape().Equal(tensor.Shape{2, 6}))
		assert.True(t, dt.Local().Shape().Equal(tensor.Shape{2, 3}))
		shards[rank] = dt.Local()
	}
	full, err := dist.Reconstruct(mesh, []dist.Placement{dist.Shard(1)}, shards)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(full, want, 1e-5))
}

// Row-parallel linear all-reduces the partial products, so every rank must
// run concurrently against a live process group.
func TestRowwiseLinearReducesPartials(t *testing.T) {
	const world = 2
	mesh, err := dist.NewMesh([]int{world}, world)
	require.NoError(t, err)
	x := seqTensor(t, 2, 4)
	w := seqTensor(t, 3, 4)
	b := seqTensor(t, 3)
	want, err := tensor.Linear(x, w, b)
	require.NoError(t, err)

	transports := dist.NewLocalWorld(world)
	var eg errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		eg.Go(func() error {
			g := dist.NewGroup(transports[rank])
			defer g.Leave()
			ctx := context.Background()
			s := NewSet(g)

			xDT, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(1)}, rank)
			if err != nil {
				return err
			}
			wDT, err := dist.Distribute(w, mesh, []dist.Placement{dist.Shard(1)}, rank)
			if err != nil {
				return err
			}
			bDT, err := dist.Distribute(b, mesh, replicated(mesh), rank)
			if err != nil {
				return err
			}

			got, err := s.Linear(ctx, xDT, wDT, bDT)
			if err != nil {
				return err
			}
			dt := got.(*dist.DTensor)
			if dt.Placements()[0].IsShard() {
				return assert.AnError
			}
			if !tensor.AllClose(dt.Local(), want, 1e-5) {
				return assert.AnError
			}
			return g.Barrier(ctx)
		})
	}
	require.NoError(t, eg.Wait())
}

func TestLinearRejectsConflictingShards(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 2, 4)
	w := seqTensor(t, 6, 4)
	xDT, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(0)}, 0)
	require.NoError(t, err)
	wDT, err := dist.Distribute(w, mesh, []dist.Placement{dist.Shard(0)}, 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.Linear(context.Background(), xDT, wDT, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shards both")
}

func TestLinearRejectsMismatchedBias(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 2, 4)
	w := seqTensor(t, 6, 4)
	b := seqTensor(t, 6)
	xDT, err := dist.Distribute(x, mesh, replicated(mesh), 0)
	require.NoError(t, err)
	wDT, err := dist.Distribute(w, mesh, []dist.Placement{dist.Shard(0)}, 0)
	require.NoError(t, err)
	bDT, err := dist.Distribute(b, mesh, replicated(mesh), 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.Linear(context.Background(), xDT, wDT, bDT)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bias placement")
}

func TestLayerNormRejectsShardedFeatures(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 2, 4)
	gamma := seqTensor(t, 4)
	beta := seqTensor(t, 4)
	xDT, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(1)}, 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.LayerNorm(xDT, gamma, beta, 1e-5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sharded feature")
}

// Head-parallel attention: a feature shard covering whole heads computes
// exactly those heads' outputs, so reconstructing the shards matches the
// single-device result.
func TestSDPAHeadParallel(t *testing.T) {
	const heads = 2
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(7))
	q := tensor.Randn(tensor.Shape{1, 3, 4}, rng)
	k := tensor.Randn(tensor.Shape{1, 3, 4}, rng)
	v := tensor.Randn(tensor.Shape{1, 3, 4}, rng)
	want, err := tensor.SDPA(q, k, v, heads, true)
	require.NoError(t, err)

	s := NewSet(nil)
	placements := []dist.Placement{dist.Shard(2)}
	shards := make([]*tensor.Tensor, 2)
	for rank := 0; rank < 2; rank++ {
		qDT, err := dist.Distribute(q, mesh, placements, rank)
		require.NoError(t, err)
		kDT, err := dist.Distribute(k, mesh, placements, rank)
		require.NoError(t, err)
		vDT, err := dist.Distribute(v, mesh, placements, rank)
		require.NoError(t, err)

		got, err := s.SDPA(qDT, kDT, vDT, heads, true)
		require.NoError(t, err)
		dt := got.(*dist.DTensor)
		assert.True(t, dt.GlobalShape().Equal(tensor.Shape{1, 3, 4}))
		shards[rank] = dt.Local()
	}
	full, err := dist.Reconstruct(mesh, placements, shards)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(full, want, 1e-5))
}

func TestSDPARejectsSequenceShard(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 1, 4, 4)
	dt, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(1)}, 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.SDPA(dt, dt, dt, 2, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sequence")
}

func TestActivationPreservesPlacement(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 4, 3)
	dt, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(0)}, 1)
	require.NoError(t, err)

	s := NewSet(nil)
	got, err := s.Activation("gelu", dt)
	require.NoError(t, err)
	out := got.(*dist.DTensor)
	assert.Equal(t, "[S(0)]", dist.PlacementsString(out.Placements()))
	assert.True(t, out.GlobalShape().Equal(tensor.Shape{4, 3}))
	want := tensor.Gelu(dt.Local())
	assert.True(t, tensor.AllClose(out.Local(), want, 0))
}

func TestAddReplicatedBiasOntoBatchShard(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 4, 3)
	bias := seqTensor(t, 3)
	xDT, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(0)}, 0)
	require.NoError(t, err)
	bDT, err := dist.Distribute(bias, mesh, replicated(mesh), 0)
	require.NoError(t, err)

	s := NewSet(nil)
	got, err := s.Add(xDT, bDT)
	require.NoError(t, err)
	dt := got.(*dist.DTensor)
	assert.Equal(t, "[S(0)]", dist.PlacementsString(dt.Placements()))
	want, err := tensor.Add(xDT.Local(), bias)
	require.NoError(t, err)
	assert.True(t, tensor.AllClose(dt.Local(), want, 0))
}

func TestAddRejectsBroadcastOntoShardedDim(t *testing.T) {
	mesh, err := dist.NewMesh([]int{2}, 2)
	require.NoError(t, err)
	x := seqTensor(t, 4, 4)
	bias := seqTensor(t, 4)
	xDT, err := dist.Distribute(x, mesh, []dist.Placement{dist.Shard(1)}, 0)
	require.NoError(t, err)
	bDT, err := dist.Distribute(bias, mesh, replicated(mesh), 0)
	require.NoError(t, err)

	s := NewSet(nil)
	_, err = s.Add(xDT, bDT)
	require.Error(t, err)
}
