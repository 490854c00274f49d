// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

type fakeOp struct {
	name string
	fn   func(args []any, kwargs map[string]any) (any, error)
}

func (o fakeOp) Name() string { return o.name }

func (o fakeOp) Apply(_ context.Context, args []any, kwargs map[string]any) (any, error) {
	return o.fn(args, kwargs)
}

type fakeOps map[string]func(args []any, kwargs map[string]any) (any, error)

func (f fakeOps) Lookup(name string) (Op, bool) {
	fn, ok := f[name]
	if !ok {
		return nil, false
	}
	return fakeOp{name: name, fn: fn}, true
}

type mapModel map[string]any

func (m mapModel) Attr(path string) (any, error) {
	v, ok := m[path]
	if !ok {
		return nil, errors.Errorf("no attribute %q", path)
	}
	return v, nil
}

func arithmeticOps() fakeOps {
	return fakeOps{
		"double": func(args []any, _ map[string]any) (any, error) {
			return args[0].(float64) * 2, nil
		},
		"sum2": func(args []any, _ map[string]any) (any, error) {
			return args[0].(float64) + args[1].(float64), nil
		},
		"halves": func(args []any, _ map[string]any) (any, error) {
			v := args[0].(float64)
			return []any{v / 2, v / 2}, nil
		},
		"fail": func([]any, map[string]any) (any, error) {
			return nil, errors.New("numerics exploded")
		},
	}
}

func TestBuilderRejectsForwardReference(t *testing.T) {
	b := NewBuilder()
	b.Input("x", nil)
	b.Call("y", "double", []Arg{Ref("z")}, nil, nil)
	b.Call("z", "double", []Arg{Ref("x")}, nil, nil)
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before it is declared")
}

func TestBuilderRejectsDuplicateNames(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	_, err := b.Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestNewRequiresExactlyOneInput(t *testing.T) {
	_, err := New([]*Node{
		{Name: "a", Kind: KindCall, Target: "double"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no input")

	_, err = New([]*Node{
		{Name: "a", Kind: KindInput},
		{Name: "b", Kind: KindInput},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than one input")
}

func TestRunExecutesInDeclarationOrder(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	scale := b.Attr("scale", "scale")
	y := b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	b.Call("out", "sum2", []Arg{y.Arg(), scale.Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	env, err := in.Run(context.Background(), g, mapModel{"scale": 3.0}, 5.0)
	require.NoError(t, err)

	out, ok := env.Value("out")
	require.True(t, ok)
	assert.Equal(t, 13.0, out)
}

// Two runs over the same graph, model and input bind identical values.
func TestRunIsDeterministic(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	y := b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	b.Call("z", "sum2", []Arg{y.Arg(), x.Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	model := mapModel{}
	first, err := in.Run(context.Background(), g, model, 2.0)
	require.NoError(t, err)
	second, err := in.Run(context.Background(), g, model, 2.0)
	require.NoError(t, err)
	assert.Equal(t, first.Values(), second.Values())
}

// New accepts forward references; the interpreter is where they fail.
func TestRunReportsUnboundReference(t *testing.T) {
	g, err := New([]*Node{
		{Name: "x", Kind: KindInput},
		{Name: "y", Kind: KindCall, Target: "double", Args: []Arg{Ref("z")}},
		{Name: "z", Kind: KindCall, Target: "double", Args: []Arg{Ref("x")}},
	})
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	_, err = in.Run(context.Background(), g, mapModel{}, 1.0)
	require.Error(t, err)
	var unbound *UnboundReferenceError
	require.ErrorAs(t, err, &unbound)
	assert.Equal(t, "y", unbound.Node)
	assert.Equal(t, "z", unbound.Ref)
}

func TestRunReportsAttributeError(t *testing.T) {
	b := NewBuilder()
	b.Input("x", nil)
	b.Attr("w", "blocks.7.missing")
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	_, err = in.Run(context.Background(), g, mapModel{}, 1.0)
	require.Error(t, err)
	var attrErr *AttributeError
	require.ErrorAs(t, err, &attrErr)
	assert.Equal(t, "blocks.7.missing", attrErr.Path)
}

func TestRunWrapsOpErrors(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	b.Call("boom", "fail", []Arg{x.Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	_, err = in.Run(context.Background(), g, mapModel{}, 1.0)
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "boom", opErr.Node)
	assert.Contains(t, opErr.Err.Error(), "numerics exploded")
}

func TestRunReportsUnknownOperation(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	b.Call("y", "no_such_op", []Arg{x.Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	_, err = in.Run(context.Background(), g, mapModel{}, 1.0)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Err.Error(), "unknown operation")
}

func TestMultiOutputBindsSubNames(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	outs := b.CallMulti("split", "halves", []Arg{x.Arg()}, nil, []string{"left", "right"})
	require.Len(t, outs, 2)
	b.Call("rejoined", "sum2", []Arg{outs[0].Arg(), outs[1].Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	env, err := in.Run(context.Background(), g, mapModel{}, 8.0)
	require.NoError(t, err)

	left, ok := env.Value("left")
	require.True(t, ok)
	assert.Equal(t, 4.0, left)
	rejoined, _ := env.Value("rejoined")
	assert.Equal(t, 8.0, rejoined)
}

func TestMultiOutputArityMismatch(t *testing.T) {
	b := NewBuilder()
	x := b.Input("x", nil)
	b.CallMulti("split", "double", []Arg{x.Arg()}, nil, []string{"a", "b"})
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: arithmeticOps()}
	_, err = in.Run(context.Background(), g, mapModel{}, 1.0)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, opErr.Err.Error(), "expected 2 outputs")
}

func TestListArgumentsResolveElementwise(t *testing.T) {
	ops := arithmeticOps()
	ops["sum_list"] = func(args []any, _ map[string]any) (any, error) {
		vals := args[0].([]any)
		total := 0.0
		for _, v := range vals {
			total += v.(float64)
		}
		return total, nil
	}

	b := NewBuilder()
	x := b.Input("x", nil)
	y := b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	b.Call("total", "sum_list", []Arg{List(x.Arg(), y.Arg(), Lit(1.0))}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)

	in := &Interpreter{Ops: ops}
	env, err := in.Run(context.Background(), g, mapModel{}, 3.0)
	require.NoError(t, err)
	total, _ := env.Value("total")
	assert.Equal(t, 10.0, total)
}

func TestInputSpecComesFromInputNode(t *testing.T) {
	spec := &dist.TensorSpec{
		Shape:      tensor.Shape{2, 128, 512},
		Placements: []dist.Placement{dist.Shard(0)},
	}
	b := NewBuilder()
	x := b.Input("x", spec)
	b.Call("y", "double", []Arg{x.Arg()}, nil, nil)
	g, err := b.Build()
	require.NoError(t, err)
	assert.Same(t, spec, g.InputSpec())
}

func TestEnvironmentUnknownName(t *testing.T) {
	b := NewBuilder()
	b.Input("x", nil)
	g, err := b.Build()
	require.NoError(t, err)
	in := &Interpreter{Ops: arithmeticOps()}
	env, err := in.Run(context.Background(), g, mapModel{}, 1.0)
	require.NoError(t, err)
	_, ok := env.Value("nope")
	assert.False(t, ok)
}
