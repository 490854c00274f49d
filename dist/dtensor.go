// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// DTensor is a tensor whose logical value spans all devices of a mesh while
// its storage is one local shard per rank. Combining every rank's shard
// according to the placements reconstructs the global tensor exactly: no
// overlap, no gap.
type DTensor struct {
	local      *tensor.Tensor
	global     tensor.Shape
	mesh       *DeviceMesh
	placements []Placement
}

// NewDTensor wraps an existing local shard. The caller asserts that local
// is rank's shard of a global tensor with the given shape and placements;
// operation implementations use this to type their outputs.
func NewDTensor(local *tensor.Tensor, global tensor.Shape, mesh *DeviceMesh, placements []Placement) *DTensor {
	return &DTensor{local: local, global: global.Clone(), mesh: mesh, placements: append([]Placement(nil), placements...)}
}

// Distribute shards a global tensor and returns rank's DTensor. It is a
// pure function of its four inputs and performs no communication: every
// rank slices its own shard out of the (identical) global value. For a
// replicate placement the local shard is a full bit-for-bit copy.
func Distribute(global *tensor.Tensor, mesh *DeviceMesh, placements []Placement, rank int) (*DTensor, error) {
	if len(placements) != mesh.NDim() {
		return nil, errors.Errorf("placements %s do not match mesh %v", PlacementsString(placements), mesh)
	}
	coord, err := mesh.Coord(rank)
	if err != nil {
		return nil, err
	}
	local := global
	for i, p := range placements {
		if !p.IsShard() {
			continue
		}
		d := p.Dim()
		if d < 0 || d >= len(local.Shape()) {
			return nil, errors.Errorf("placement %s shards dimension %d of a rank-%d tensor", p, d, len(local.Shape()))
		}
		start, count := ShardRange(local.Shape()[d], mesh.shape[i], coord[i])
		local, err = local.Narrow(d, start, count)
		if err != nil {
			return nil, errors.Wrapf(err, "sharding dimension %d", d)
		}
	}
	if local == global {
		local = global.Clone()
	}
	return NewDTensor(local, global.Shape(), mesh, placements), nil
}

// Local returns this rank's shard.
func (d *DTensor) Local() *tensor.Tensor { return d.local }

// GlobalShape returns the logical shape spanning all devices.
func (d *DTensor) GlobalShape() tensor.Shape { return d.global }

// Mesh returns the device mesh the tensor is placed on.
func (d *DTensor) Mesh() *DeviceMesh { return d.mesh }

// Placements returns the per-mesh-dimension placements.
func (d *DTensor) Placements() []Placement {
	return append([]Placement(nil), d.placements...)
}

// String renders like "DTensor([2 128 512]@[S(0)], local [1 128 512])".
func (d *DTensor) String() string {
	return fmt.Sprintf("DTensor(%v@%s, local %v)", d.global, PlacementsString(d.placements), d.local.Shape())
}

// Reconstruct rebuilds the global tensor from every rank's shard, indexed
// by rank. It is pure and communication-free; FullTensor is the collective
// variant a running rank uses. Replicated shards must be bit-identical
// across their mesh dimension or an error is returned.
func Reconstruct(mesh *DeviceMesh, placements []Placement, shards []*tensor.Tensor) (*tensor.Tensor, error) {
	if len(shards) != mesh.Size() {
		return nil, errors.Errorf("got %d shards for mesh of size %d", len(shards), mesh.Size())
	}
	if len(placements) != mesh.NDim() {
		return nil, errors.Errorf("placements %s do not match mesh %v", PlacementsString(placements), mesh)
	}
	ranks := make([]int, mesh.Size())
	for i := range ranks {
		ranks[i] = i
	}
	return reconstructDim(mesh, placements, shards, ranks, 0)
}

func reconstructDim(mesh *DeviceMesh, placements []Placement, shards []*tensor.Tensor, ranks []int, dim int) (*tensor.Tensor, error) {
	if dim == mesh.NDim() {
		return shards[ranks[0]], nil
	}
	block := len(ranks) / mesh.shape[dim]
	parts := make([]*tensor.Tensor, mesh.shape[dim])
	for c := 0; c < mesh.shape[dim]; c++ {
		sub, err := reconstructDim(mesh, placements, shards, ranks[c*block:(c+1)*block], dim+1)
		if err != nil {
			return nil, err
		}
		parts[c] = sub
	}
	p := placements[dim]
	if p.IsShard() {
		out, err := tensor.Concat(p.Dim(), parts...)
		return out, errors.Wrapf(err, "reassembling mesh dimension %d", dim)
	}
	for c := 1; c < len(parts); c++ {
		if !tensor.AllClose(parts[0], parts[c], 0) {
			return nil, errors.Errorf("replicated shards diverge across mesh dimension %d", dim)
		}
	}
	return parts[0], nil
}

// FullTensor gathers every rank's shard over the process group and
// reconstructs the global tensor on all ranks.
func (d *DTensor) FullTensor(ctx context.Context, g *ProcessGroup) (*tensor.Tensor, error) {
	if g.World() != d.mesh.Size() {
		return nil, errors.Errorf("process group of size %d does not match mesh %v", g.World(), d.mesh)
	}
	gathered, err := g.AllGather(ctx, g.Ranks(), d.local.Data())
	if err != nil {
		return nil, errors.Wrap(err, "gathering shards")
	}
	shards := make([]*tensor.Tensor, len(gathered))
	for r, data := range gathered {
		shape, err := LocalShape(d.global, d.mesh, d.placements, r)
		if err != nil {
			return nil, err
		}
		shards[r], err = tensor.FromSlice(data, shape)
		if err != nil {
			return nil, errors.Wrapf(err, "shard of rank %d", r)
		}
	}
	return Reconstruct(d.mesh, d.placements, shards)
}

// Redistribute returns a DTensor with the target placements. Only the
// transitions the execution paths need are implemented: identity, and
// anything-to-fully-replicated (an all-gather).
func Redistribute(ctx context.Context, g *ProcessGroup, d *DTensor, target []Placement) (*DTensor, error) {
	if len(target) != d.mesh.NDim() {
		return nil, errors.Errorf("target placements %s do not match mesh %v", PlacementsString(target), d.mesh)
	}
	same := true
	allReplicate := true
	for i, p := range target {
		if p != d.placements[i] {
			same = false
		}
		if p.IsShard() {
			allReplicate = false
		}
	}
	if same {
		return d, nil
	}
	if !allReplicate {
		return nil, errors.Errorf("unsupported redistribution %s -> %s",
			PlacementsString(d.placements), PlacementsString(target))
	}
	full, err := d.FullTensor(ctx, g)
	if err != nil {
		return nil, err
	}
	return NewDTensor(full, d.global, d.mesh, target), nil
}
