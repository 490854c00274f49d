// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package dist

import (
	"context"

	"github.com/pkg/errors"
)

// ReduceOp selects the elementwise reduction applied by AllReduce.
type ReduceOp int

// Supported reductions.
const (
	ReduceSum ReduceOp = iota
	ReduceMax
)

// String returns the reduction name.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "sum"
	case ReduceMax:
		return "max"
	default:
		return "unknown"
	}
}

// Every collective below is a synchronization barrier for its member set:
// all members must reach the call, and they must pass the same member list
// in the same order. The members slice names global ranks; for mesh
// subgroups it comes from DeviceMesh.GroupAlong.

// Gather collects each member's local slice at root. Only root receives the
// shards (indexed by position in members); other members return nil.
func (g *ProcessGroup) Gather(ctx context.Context, members []int, root int, local []float32) ([][]float32, error) {
	tag := g.nextTag()
	if err := checkMembership(members, g.Rank(), root); err != nil {
		return nil, err
	}
	if g.Rank() != root {
		return nil, g.transport.Send(ctx, root, tag, floatsToBytes(local))
	}
	shards := make([][]float32, len(members))
	for i, m := range members {
		if m == root {
			cp := make([]float32, len(local))
			copy(cp, local)
			shards[i] = cp
			continue
		}
		payload, err := g.transport.Recv(ctx, m, tag)
		if err != nil {
			return nil, errors.Wrapf(err, "gather from rank %d", m)
		}
		vals, err := bytesToFloats(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "gather from rank %d", m)
		}
		shards[i] = vals
	}
	return shards, nil
}

// Broadcast distributes root's data to every member and returns it.
func (g *ProcessGroup) Broadcast(ctx context.Context, members []int, root int, data []float32) ([]float32, error) {
	tag := g.nextTag()
	if err := checkMembership(members, g.Rank(), root); err != nil {
		return nil, err
	}
	if g.Rank() == root {
		payload := floatsToBytes(data)
		for _, m := range members {
			if m == root {
				continue
			}
			if err := g.transport.Send(ctx, m, tag, payload); err != nil {
				return nil, errors.Wrapf(err, "broadcast to rank %d", m)
			}
		}
		cp := make([]float32, len(data))
		copy(cp, data)
		return cp, nil
	}
	payload, err := g.transport.Recv(ctx, root, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "broadcast from rank %d", root)
	}
	return bytesToFloats(payload)
}

// AllGather collects every member's (possibly differently sized) local
// slice and hands the full ordered set to every member.
func (g *ProcessGroup) AllGather(ctx context.Context, members []int, local []float32) ([][]float32, error) {
	root := members[0]
	shards, err := g.Gather(ctx, members, root, local)
	if err != nil {
		return nil, err
	}

	tag := g.nextTag()
	if g.Rank() == root {
		payload := encodeShards(shards)
		for _, m := range members {
			if m == root {
				continue
			}
			if err := g.transport.Send(ctx, m, tag, payload); err != nil {
				return nil, errors.Wrapf(err, "allgather to rank %d", m)
			}
		}
		return shards, nil
	}
	payload, err := g.transport.Recv(ctx, root, tag)
	if err != nil {
		return nil, errors.Wrapf(err, "allgather from rank %d", root)
	}
	return decodeShards(payload)
}

// AllReduce reduces equally sized slices elementwise across the members and
// returns the result to all of them.
func (g *ProcessGroup) AllReduce(ctx context.Context, members []int, local []float32, op ReduceOp) ([]float32, error) {
	root := members[0]
	shards, err := g.Gather(ctx, members, root, local)
	if err != nil {
		return nil, err
	}
	var reduced []float32
	if g.Rank() == root {
		reduced = make([]float32, len(local))
		copy(reduced, shards[0])
		for i := 1; i < len(shards); i++ {
			if len(shards[i]) != len(reduced) {
				return nil, errors.Errorf("allreduce length mismatch: rank %d sent %d elements, expected %d",
					members[i], len(shards[i]), len(reduced))
			}
			for j, v := range shards[i] {
				switch op {
				case ReduceSum:
					reduced[j] += v
				case ReduceMax:
					if v > reduced[j] {
						reduced[j] = v
					}
				default:
					return nil, errors.Errorf("unsupported reduce op %v", op)
				}
			}
		}
	}
	return g.Broadcast(ctx, members, root, reduced)
}

// Barrier blocks until every rank of the whole group has reached it.
func (g *ProcessGroup) Barrier(ctx context.Context) error {
	_, err := g.AllGather(ctx, g.Ranks(), nil)
	return err
}

func checkMembership(members []int, rank, root int) error {
	if len(members) == 0 {
		return errors.New("collective with empty member set")
	}
	hasRank, hasRoot := false, false
	for _, m := range members {
		if m == rank {
			hasRank = true
		}
		if m == root {
			hasRoot = true
		}
	}
	if !hasRank {
		return errors.Errorf("rank %d is not a member of collective group %v", rank, members)
	}
	if !hasRoot {
		return errors.Errorf("root %d is not a member of collective group %v", root, members)
	}
	return nil
}
