// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the transformer model the harness runs: layers,
// parameter bookkeeping, and the module-level distribution pass.
//
// Models here are inference-only. A module owns its parameters as local
// tensors after construction; DistributeModule swaps them in place for
// DTensors according to a parameter placement assignment, and the forward
// path works identically either way because every operation in ops accepts
// both.
package nn

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/ops"
)

// Module is the interface the orchestrator drives a model through.
type Module interface {
	// Forward runs the model on x, a *tensor.Tensor or *dist.DTensor of
	// shape [batch, seq, hidden]. Collectives a distributed forward needs
	// go through the operation set.
	Forward(ctx context.Context, s *ops.Set, x any) (any, error)

	// NamedParameters lists every parameter with its dotted path, in a
	// stable order.
	NamedParameters() []NamedParam

	// Attr resolves a dotted attribute path to a value. Paths name
	// parameters ("blocks.0.attn.q.weight") or derived views of them;
	// this is how AttributeLoad graph nodes see the model.
	Attr(path string) (any, error)
}

// Assignment maps parameter paths to the placements the sharding plan
// chose for them. A path missing from the assignment stays replicated.
type Assignment map[string][]dist.Placement

// DistributeModule shards every parameter of m over the mesh according to
// the assignment, in place. Purely local: each rank narrows its own shard
// out of the materialized full tensors, no data moves between ranks. It is
// an error to distribute a module twice, and an error for the assignment
// to name a parameter the module does not have.
func DistributeModule(m Module, mesh *dist.DeviceMesh, assignment Assignment, rank int) error {
	params := m.NamedParameters()
	byName := make(map[string]bool, len(params))
	for _, np := range params {
		byName[np.Name] = true
	}
	names := make([]string, 0, len(assignment))
	for name := range assignment {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !byName[name] {
			return errors.Errorf("assignment names unknown parameter %q", name)
		}
	}

	replicate := make([]dist.Placement, mesh.NDim())
	for i := range replicate {
		replicate[i] = dist.Replicate()
	}
	for _, np := range params {
		if _, already := np.Param.Value().(*dist.DTensor); already {
			return errors.Errorf("parameter %q is already distributed", np.Name)
		}
		placements, ok := assignment[np.Name]
		if !ok {
			placements = replicate
		}
		dt, err := dist.Distribute(np.Param.Local(), mesh, placements, rank)
		if err != nil {
			return errors.Wrapf(err, "distributing parameter %q", np.Name)
		}
		np.Param.setDistributed(dt)
	}
	return nil
}
