// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/internal/rlog"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Op is one operation a Call node can dispatch to. Implementations must
// accept local tensors and DTensors interchangeably wherever a tensor
// argument is expected.
type Op interface {
	Name() string
	Apply(ctx context.Context, args []any, kwargs map[string]any) (any, error)
}

// OpSet resolves operation names for Call nodes.
type OpSet interface {
	Lookup(name string) (Op, bool)
}

// Attributer resolves dotted attribute paths on a model, e.g.
// "blocks.0.attn.qkv.weight". Models expose their parameter tree through it.
type Attributer interface {
	Attr(path string) (any, error)
}

// Interpreter replays a graph node by node, resolving each node's operands
// from the run's environment. It is single-threaded: SPMD parallelism comes
// from running one interpreter per rank, not from inside the walk.
type Interpreter struct {
	Ops  OpSet
	Rank int
}

// Run executes the graph against model and input and returns the populated
// environment. Two runs over identical graph, model and input bind
// identical values, provided the operations themselves are deterministic.
// Trace logging along the way is diagnostic only and never affects results.
func (in *Interpreter) Run(ctx context.Context, g *Graph, model Attributer, input any) (*Environment, error) {
	env := newEnvironment(g)
	for _, node := range g.Nodes() {
		switch node.Kind {
		case KindInput:
			env.bind(node.slot, input)
			rlog.Debugf(in.Rank, "input %s <- %s", node.Name, describe(input))

		case KindAttributeLoad:
			val, err := model.Attr(node.Target)
			if err != nil {
				return nil, &AttributeError{Node: node.Name, Path: node.Target, Err: err}
			}
			env.bind(node.slot, val)
			rlog.Debugf(in.Rank, "attr %s = %s <- %s", node.Name, node.Target, describe(val))

		case KindCall:
			args := make([]any, len(node.Args))
			for i := range node.Args {
				v, err := resolveArg(env, node, &node.Args[i])
				if err != nil {
					return nil, err
				}
				args[i] = v
			}
			op, ok := in.Ops.Lookup(node.Target)
			if !ok {
				return nil, &OpError{Node: node.Name, Op: node.Target, Err: errors.New("unknown operation")}
			}
			for i, a := range args {
				rlog.Debugf(in.Rank, "call %s arg %d: %s", node.Name, i, describe(a))
			}
			result, err := op.Apply(ctx, args, node.Kwargs)
			if err != nil {
				return nil, &OpError{Node: node.Name, Op: node.Target, Err: err}
			}
			env.bind(node.slot, result)
			if len(node.OutNames) > 0 {
				outs, ok := result.([]any)
				if !ok || len(outs) != len(node.OutNames) {
					return nil, &OpError{
						Node: node.Name,
						Op:   node.Target,
						Err:  errors.Errorf("expected %d outputs, got %s", len(node.OutNames), describe(result)),
					}
				}
				for i, out := range outs {
					env.bind(node.outSlots[i], out)
					rlog.Debugf(in.Rank, "call %s out %s: %s", node.Name, node.OutNames[i], describe(out))
				}
			} else {
				rlog.Debugf(in.Rank, "call %s out: %s", node.Name, describe(result))
			}
			in.traceExpectedSpec(node, result)

		default:
			// Kind is a closed set; reaching this is a bug in graph
			// construction, not a recoverable input condition.
			return nil, errors.Errorf("node %q has unhandled kind %v", node.Name, node.Kind)
		}
	}
	return env, nil
}

func resolveArg(env *Environment, node *Node, a *Arg) (any, error) {
	switch {
	case a.isRef:
		if !env.bound[a.slot] {
			return nil, &UnboundReferenceError{Node: node.Name, Ref: a.name}
		}
		return env.slots[a.slot], nil
	case a.isList:
		vals := make([]any, len(a.list))
		for i := range a.list {
			v, err := resolveArg(env, node, &a.list[i])
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return vals, nil
	default:
		return a.lit, nil
	}
}

// traceExpectedSpec logs the sharding pass's expected output placement next
// to what the run actually produced. Diagnostic only.
func (in *Interpreter) traceExpectedSpec(node *Node, result any) {
	if node.Output == nil {
		return
	}
	if dt, ok := result.(*dist.DTensor); ok {
		rlog.Debugf(in.Rank, "call %s expected spec %s, actual %s", node.Name, node.Output, dt)
	}
}

// describe renders a value for trace logs: shapes and placements for
// tensors, plain formatting for everything else.
func describe(v any) string {
	switch t := v.(type) {
	case *tensor.Tensor:
		return fmt.Sprintf("Tensor%v", t.Shape())
	case *dist.DTensor:
		return t.String()
	case []any:
		return fmt.Sprintf("list(len %d)", len(t))
	case nil:
		return "nil"
	default:
		return fmt.Sprintf("%v (%T)", v, v)
	}
}
