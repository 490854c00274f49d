// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ops implements the operations graph Call nodes dispatch to.
//
// Every operation accepts plain local tensors and DTensors
// interchangeably: a local tensor behaves like a value replicated on every
// mesh dimension. Operations that combine shards across ranks (the
// row-parallel linear) go through the process group the Set was built
// with; everything else computes on the local shard and derives the output
// placement from the input placements.
package ops

import (
	"context"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/graph"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Set is the operation registry handed to the interpreter and to the
// direct forward path. group may be nil for purely local execution; it is
// only touched when an operation actually needs a collective.
type Set struct {
	group *dist.ProcessGroup
	ops   map[string]graph.Op
}

// NewSet builds the registry of built-in operations.
func NewSet(group *dist.ProcessGroup) *Set {
	s := &Set{group: group, ops: make(map[string]graph.Op)}
	register := func(name string, fn func(ctx context.Context, args []any, kwargs map[string]any) (any, error)) {
		s.ops[name] = opFunc{name: name, fn: fn}
	}

	register("identity", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, errors.Errorf("identity takes 1 argument, got %d", len(args))
		}
		return args[0], nil
	})
	register("add", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 2 {
			return nil, errors.Errorf("add takes 2 arguments, got %d", len(args))
		}
		return s.Add(args[0], args[1])
	})
	register("linear", func(ctx context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 3 {
			return nil, errors.Errorf("linear takes 3 arguments (x, weight, bias), got %d", len(args))
		}
		return s.Linear(ctx, args[0], args[1], args[2])
	})
	register("layer_norm", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) != 3 {
			return nil, errors.Errorf("layer_norm takes 3 arguments (x, gamma, beta), got %d", len(args))
		}
		eps, err := floatKwarg(kwargs, "eps", 1e-5)
		if err != nil {
			return nil, err
		}
		return s.LayerNorm(args[0], args[1], args[2], float32(eps))
	})
	register("split3", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		if len(args) != 1 {
			return nil, errors.Errorf("split3 takes 1 argument, got %d", len(args))
		}
		return s.Split3(args[0])
	})
	register("sdpa", func(_ context.Context, args []any, kwargs map[string]any) (any, error) {
		if len(args) != 3 {
			return nil, errors.Errorf("sdpa takes 3 arguments (q, k, v), got %d", len(args))
		}
		heads, err := intKwarg(kwargs, "heads", 0)
		if err != nil {
			return nil, err
		}
		if heads <= 0 {
			return nil, errors.New("sdpa requires a positive heads kwarg")
		}
		causal, err := boolKwarg(kwargs, "causal", true)
		if err != nil {
			return nil, err
		}
		return s.SDPA(args[0], args[1], args[2], heads, causal)
	})
	for _, act := range []string{"gelu", "relu", "silu"} {
		register(act, func(_ context.Context, args []any, _ map[string]any) (any, error) {
			if len(args) != 1 {
				return nil, errors.Errorf("%s takes 1 argument, got %d", act, len(args))
			}
			return s.Activation(act, args[0])
		})
	}
	return s
}

// Lookup resolves an operation by name.
func (s *Set) Lookup(name string) (graph.Op, bool) {
	op, ok := s.ops[name]
	return op, ok
}

type opFunc struct {
	name string
	fn   func(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

func (o opFunc) Name() string { return o.name }

func (o opFunc) Apply(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	return o.fn(ctx, args, kwargs)
}

// kwarg accessors tolerate the numeric types a literal may arrive as.

func floatKwarg(kwargs map[string]any, key string, def float64) (float64, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	default:
		return 0, errors.Errorf("kwarg %q: expected number, got %T", key, v)
	}
}

func intKwarg(kwargs map[string]any, key string, def int) (int, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	switch t := v.(type) {
	case int:
		return t, nil
	case int64:
		return int(t), nil
	case float64:
		return int(t), nil
	default:
		return 0, errors.Errorf("kwarg %q: expected integer, got %T", key, v)
	}
}

func boolKwarg(kwargs map[string]any, key string, def bool) (bool, error) {
	v, ok := kwargs[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, errors.Errorf("kwarg %q: expected bool, got %T", key, v)
	}
	return b, nil
}

// value-kind helpers shared by the operation implementations.

func localOf(v any) (*tensor.Tensor, error) {
	switch t := v.(type) {
	case *tensor.Tensor:
		return t, nil
	case *dist.DTensor:
		return t.Local(), nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Errorf("expected tensor value, got %T", v)
	}
}

func asDT(v any) (*dist.DTensor, bool) {
	dt, ok := v.(*dist.DTensor)
	return dt, ok
}

func samePlacements(a, b []dist.Placement) bool {
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

// firstMesh returns the mesh and placements of the first DTensor among the
// values, or nil if every value is local.
func firstMesh(vals ...any) (*dist.DeviceMesh, []dist.Placement) {
	for _, v := range vals {
		if dt, ok := asDT(v); ok {
			return dt.Mesh(), dt.Placements()
		}
	}
	return nil, nil
}

// placementsOf treats a local tensor as fully replicated on mesh.
func placementsOf(v any, mesh *dist.DeviceMesh) []dist.Placement {
	if dt, ok := asDT(v); ok {
		return dt.Placements()
	}
	return replicated(mesh)
}

func replicated(mesh *dist.DeviceMesh) []dist.Placement {
	ps := make([]dist.Placement, mesh.NDim())
	for i := range ps {
		ps[i] = dist.Replicate()
	}
	return ps
}
