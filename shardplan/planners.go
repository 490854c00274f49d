// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package shardplan

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/graph"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// DataParallel shards the batch dimension of the activations and
// replicates every parameter. The attention projections run packed: one
// linear against the packed qkv view, split in three afterwards.
type DataParallel struct{}

// Name implements Planner.
func (DataParallel) Name() string { return "data-parallel" }

// Plan implements Planner.
func (DataParallel) Plan(_ context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Mesh.NDim() != 1 {
		return nil, errors.Errorf("data-parallel plans over a 1-D mesh, got %s", req.Mesh)
	}
	return buildPlan(req, false)
}

// TensorParallel shards the attention and MLP weights Megatron style:
// q/k/v and the MLP up projection column-parallel, the attention output
// and MLP down projection row-parallel, activations replicated at block
// boundaries. The input is replicated on every rank.
type TensorParallel struct{}

// Name implements Planner.
func (TensorParallel) Name() string { return "tensor-parallel" }

// Plan implements Planner.
func (TensorParallel) Plan(_ context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Mesh.NDim() != 1 {
		return nil, errors.Errorf("tensor-parallel plans over a 1-D mesh, got %s", req.Mesh)
	}
	w := req.Mesh.Size()
	if req.Model.Heads%w != 0 {
		return nil, errors.Errorf("%d heads do not divide over %d ranks", req.Model.Heads, w)
	}
	return buildPlan(req, true)
}

func spec(shape tensor.Shape, ps ...dist.Placement) *dist.TensorSpec {
	return &dist.TensorSpec{Shape: shape, Placements: ps}
}

// buildPlan emits the block-stack graph. The two strategies share the
// skeleton; they differ in how the attention projections are expressed
// (packed+split vs separate head-parallel linears) and in the placements
// annotated on activations and assigned to parameters.
func buildPlan(req Request, tp bool) (*Result, error) {
	cfg := req.Model
	if cfg.Activation == "" {
		cfg.Activation = "gelu"
	}
	if cfg.Eps == 0 {
		cfg.Eps = 1e-5
	}
	hidden := req.InputShape()
	inner := tensor.Shape{req.BatchSize, req.SeqLen, 4 * cfg.Hidden}
	epsKw := map[string]any{"eps": cfg.Eps}

	// Placement of full-width activations vs column-parallel ones.
	whole := dist.Shard(0)
	if tp {
		whole = dist.Replicate()
	}
	colOut := dist.Shard(2)

	assignment := nn.Assignment{}
	b := graph.NewBuilder()
	x := b.Input("x", spec(hidden, whole))

	attr := func(path string) graph.NodeRef { return b.Attr(path, path) }
	args := func(refs ...graph.NodeRef) []graph.Arg {
		out := make([]graph.Arg, len(refs))
		for i, r := range refs {
			out[i] = r.Arg()
		}
		return out
	}

	for i := 0; i < cfg.Layers; i++ {
		prefix := fmt.Sprintf("blocks.%d", i)
		h1 := b.Call(prefix+".ln1", "layer_norm",
			args(x, attr(prefix+".ln1.gamma"), attr(prefix+".ln1.beta")), epsKw, spec(hidden, whole))

		var q, k, v graph.NodeRef
		if tp {
			for _, proj := range []struct {
				name string
				ref  *graph.NodeRef
			}{
				{"q", &q}, {"k", &k}, {"v", &v},
			} {
				wPath := prefix + ".attn." + proj.name + ".weight"
				bPath := prefix + ".attn." + proj.name + ".bias"
				assignment[wPath] = []dist.Placement{dist.Shard(0)}
				assignment[bPath] = []dist.Placement{dist.Shard(0)}
				*proj.ref = b.Call(prefix+".attn."+proj.name, "linear",
					args(h1, attr(wPath), attr(bPath)), nil, spec(hidden, colOut))
			}
		} else {
			packed := tensor.Shape{req.BatchSize, req.SeqLen, 3 * cfg.Hidden}
			qkv := b.Call(prefix+".attn.qkv", "linear",
				args(h1, attr(prefix+".attn.qkv.weight"), attr(prefix+".attn.qkv.bias")),
				nil, spec(packed, whole))
			outs := b.CallMulti(prefix+".attn.split", "split3", args(qkv), nil,
				[]string{prefix + ".attn.q", prefix + ".attn.k", prefix + ".attn.v"})
			q, k, v = outs[0], outs[1], outs[2]
		}

		attPlacement := whole
		if tp {
			attPlacement = colOut
		}
		att := b.Call(prefix+".attn.sdpa", "sdpa", args(q, k, v),
			map[string]any{"heads": cfg.Heads, "causal": true}, spec(hidden, attPlacement))

		if tp {
			assignment[prefix+".attn.proj.weight"] = []dist.Placement{dist.Shard(1)}
		}
		proj := b.Call(prefix+".attn.out", "linear",
			args(att, attr(prefix+".attn.proj.weight"), attr(prefix+".attn.proj.bias")),
			nil, spec(hidden, whole))
		x = b.Call(prefix+".attn.residual", "add", args(x, proj), nil, spec(hidden, whole))

		h2 := b.Call(prefix+".ln2", "layer_norm",
			args(x, attr(prefix+".ln2.gamma"), attr(prefix+".ln2.beta")), epsKw, spec(hidden, whole))
		upPlacement := whole
		if tp {
			upPlacement = colOut
			assignment[prefix+".mlp.up.weight"] = []dist.Placement{dist.Shard(0)}
			assignment[prefix+".mlp.up.bias"] = []dist.Placement{dist.Shard(0)}
			assignment[prefix+".mlp.down.weight"] = []dist.Placement{dist.Shard(1)}
		}
		up := b.Call(prefix+".mlp.up", "linear",
			args(h2, attr(prefix+".mlp.up.weight"), attr(prefix+".mlp.up.bias")),
			nil, spec(inner, upPlacement))
		act := b.Call(prefix+".mlp.act", cfg.Activation, args(up), nil, spec(inner, upPlacement))
		down := b.Call(prefix+".mlp.down", "linear",
			args(act, attr(prefix+".mlp.down.weight"), attr(prefix+".mlp.down.bias")),
			nil, spec(hidden, whole))
		x = b.Call(prefix+".mlp.residual", "add", args(x, down), nil, spec(hidden, whole))
	}

	b.Call(OutputName, "layer_norm",
		args(x, attr("ln_f.gamma"), attr("ln_f.beta")), epsKw, spec(hidden, whole))

	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &Result{Graph: g, Params: assignment}, nil
}
