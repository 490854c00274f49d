// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Placement describes, for one mesh dimension, whether a tensor is split
// along one of its logical dimensions or replicated.
type Placement struct {
	shardDim int // logical tensor dimension, or -1 for replicate
}

// Shard places the tensor split along logical dimension dim.
func Shard(dim int) Placement { return Placement{shardDim: dim} }

// Replicate places a full copy of the tensor on every device of the mesh
// dimension.
func Replicate() Placement { return Placement{shardDim: -1} }

// IsShard reports whether the placement splits the tensor.
func (p Placement) IsShard() bool { return p.shardDim >= 0 }

// Dim returns the sharded logical dimension. Only meaningful when IsShard.
func (p Placement) Dim() int { return p.shardDim }

// String renders "S(d)" for a shard and "R" for replication, following the
// usual SPMD notation.
func (p Placement) String() string {
	if p.IsShard() {
		return fmt.Sprintf("S(%d)", p.shardDim)
	}
	return "R"
}

// PlacementsString renders a placement list like "[S(0) R]".
func PlacementsString(ps []Placement) string {
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// TensorSpec is the expected global shape and placement of a tensor-valued
// graph node output. The sharding pass attaches one to every node it plans.
type TensorSpec struct {
	Shape      tensor.Shape
	Placements []Placement
}

// String renders the spec like "[2 128 512]@[S(0)]".
func (s *TensorSpec) String() string {
	return fmt.Sprintf("%v@%s", s.Shape, PlacementsString(s.Placements))
}

// ShardRange splits n elements over parts and returns the half-open range
// owned by index idx.
//
// The split is floor-based with the remainder handed to the low indices:
// idx < n%parts owns n/parts+1 elements, every other index owns n/parts.
// A too-small n leaves the high indices with empty ranges.
func ShardRange(n, parts, idx int) (start, count int) {
	base := n / parts
	rem := n % parts
	if idx < rem {
		return idx * (base + 1), base + 1
	}
	return rem*(base+1) + (idx-rem)*base, base
}

// LocalShape computes the shard shape rank owns for a global tensor under
// the given placements. It is a pure function of its inputs: every rank
// computes every other rank's shard shape identically.
func LocalShape(global tensor.Shape, mesh *DeviceMesh, placements []Placement, rank int) (tensor.Shape, error) {
	if len(placements) != mesh.NDim() {
		return nil, errors.Errorf("placements %s do not match mesh %v", PlacementsString(placements), mesh)
	}
	coord, err := mesh.Coord(rank)
	if err != nil {
		return nil, err
	}
	local := global.Clone()
	for i, p := range placements {
		if !p.IsShard() {
			continue
		}
		d := p.Dim()
		if d < 0 || d >= len(local) {
			return nil, errors.Errorf("placement %s shards dimension %d of a rank-%d tensor", p, d, len(local))
		}
		_, count := ShardRange(local[d], mesh.shape[i], coord[i])
		local[d] = count
	}
	return local, nil
}
