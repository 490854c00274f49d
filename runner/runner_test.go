// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/graph"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/shardplan"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

type countingTransport struct {
	dist.Transport
	closes *atomic.Int32
}

func (c *countingTransport) Close() error {
	c.closes.Add(1)
	return c.Transport.Close()
}

// singleOpPlanner emits a one-call graph: input with the given placement,
// one operation, output. Tests use it to inject failures and edge shapes.
type singleOpPlanner struct {
	op        string
	declared  tensor.Shape
	placement dist.Placement
}

func (p singleOpPlanner) Name() string { return "single-op" }

func (p singleOpPlanner) Plan(_ context.Context, req shardplan.Request) (*shardplan.Result, error) {
	shape := p.declared
	if shape == nil {
		shape = req.InputShape()
	}
	b := graph.NewBuilder()
	x := b.Input("x", &dist.TensorSpec{Shape: shape, Placements: []dist.Placement{p.placement}})
	b.Call(shardplan.OutputName, p.op, []graph.Arg{x.Arg()}, nil,
		&dist.TensorSpec{Shape: shape, Placements: []dist.Placement{p.placement}})
	g, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &shardplan.Result{Graph: g, Params: nn.Assignment{}}, nil
}

func smallModel() nn.Config {
	return nn.Config{Hidden: 8, Layers: 1, Heads: 2, MaxSeq: 16}
}

func TestConfigValidation(t *testing.T) {
	base := Config{
		WorldSize:  1,
		Rendezvous: "127.0.0.1:0",
		Model:      smallModel(),
		Run:        RunShape{BatchSize: 1, SeqLen: 2, Repeats: 1},
	}

	cfg := base
	cfg.Run.Repeats = 0
	require.Error(t, cfg.validate())

	cfg = base
	cfg.Executor = "jit"
	require.Error(t, cfg.validate())

	cfg = base
	cfg.Rendezvous = ""
	require.Error(t, cfg.validate())

	cfg = base
	cfg.Rank = 1
	require.Error(t, cfg.validate())

	require.NoError(t, base.validate())
}

// A failing operation must not skip teardown: the transport is closed
// exactly once, by the deferred Leave.
func TestTeardownRunsOnExecutionError(t *testing.T) {
	transports := dist.NewLocalWorld(1)
	var closes atomic.Int32
	ct := &countingTransport{Transport: transports[0], closes: &closes}

	cfg := Config{
		WorldSize: 1,
		Model:     smallModel(),
		Run:       RunShape{BatchSize: 2, SeqLen: 4, Repeats: 1},
		Seed:      1,
		Planner:   singleOpPlanner{op: "no_such_op", placement: dist.Replicate()},
		Transport: ct,
	}
	_, err := RunOnDevice(context.Background(), cfg)
	require.Error(t, err)
	var opErr *graph.OpError
	assert.ErrorAs(t, err, &opErr)
	assert.Equal(t, int32(1), closes.Load())
}

func TestTeardownRunsOnPlanningError(t *testing.T) {
	transports := dist.NewLocalWorld(1)
	var closes atomic.Int32
	ct := &countingTransport{Transport: transports[0], closes: &closes}

	cfg := Config{
		WorldSize: 1,
		Model:     smallModel(),
		// Sequence longer than the model's maximum fails planning.
		Run:       RunShape{BatchSize: 2, SeqLen: 64, Repeats: 1},
		Seed:      1,
		Transport: ct,
	}
	_, err := RunOnDevice(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, int32(1), closes.Load())
}

func TestShardingPlanMismatchDetected(t *testing.T) {
	transports := dist.NewLocalWorld(1)
	cfg := Config{
		WorldSize: 1,
		Model:     smallModel(),
		Run:       RunShape{BatchSize: 2, SeqLen: 4, Repeats: 1},
		Seed:      1,
		Planner: singleOpPlanner{
			op:        "identity",
			declared:  tensor.Shape{4, 4, 8},
			placement: dist.Replicate(),
		},
		Transport: transports[0],
	}
	_, err := RunOnDevice(context.Background(), cfg)
	require.Error(t, err)
	var mismatch *ShardingPlanMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.Declared.Equal(tensor.Shape{4, 4, 8}))
	assert.True(t, mismatch.Actual.Equal(tensor.Shape{2, 4, 8}))
}

// Ranks reporting 10ms and 20ms means reduce to a 15ms mean and a 20ms max.
func TestAggregateLatency(t *testing.T) {
	transports := dist.NewLocalWorld(2)
	var eg errgroup.Group
	for rank := 0; rank < 2; rank++ {
		rank := rank
		eg.Go(func() error {
			g := dist.NewGroup(transports[rank])
			defer g.Leave()
			local := time.Duration(rank+1) * 10 * time.Millisecond
			mean, max, err := aggregateLatency(context.Background(), g, local)
			if err != nil {
				return err
			}
			if mean != 15*time.Millisecond || max != 20*time.Millisecond {
				return assert.AnError
			}
			return g.Barrier(context.Background())
		})
	}
	require.NoError(t, eg.Wait())
}

// Four ranks, a [4] mesh, an identity graph over a [2, 128, 512] input
// sharded on the batch dimension. With two rows and four ranks the high
// ranks own empty shards and still complete the run.
func TestIdentityGraphWorldFourWithEmptyShards(t *testing.T) {
	const world = 4
	transports := dist.NewLocalWorld(world)
	var eg errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		eg.Go(func() error {
			cfg := Config{
				Rank:      rank,
				WorldSize: world,
				MeshShape: []int{world},
				Model:     nn.Config{Hidden: 512, Layers: 1, Heads: 8, MaxSeq: 128},
				Run:       RunShape{BatchSize: 2, SeqLen: 128, Repeats: 1},
				Seed:      7,
				Planner:   singleOpPlanner{op: "identity", placement: dist.Shard(0)},
				Transport: transports[rank],
			}
			report, err := RunOnDevice(context.Background(), cfg)
			if err != nil {
				return err
			}
			if !report.OutputShape.Equal(tensor.Shape{2, 128, 512}) {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

// Full data-parallel run over two in-process ranks, interpreter executor.
func TestDataParallelRunEndToEnd(t *testing.T) {
	const world = 2
	transports := dist.NewLocalWorld(world)
	var eg errgroup.Group
	reports := make([]*Report, world)
	for rank := 0; rank < world; rank++ {
		rank := rank
		eg.Go(func() error {
			cfg := Config{
				Rank:      rank,
				WorldSize: world,
				Model:     smallModel(),
				Run:       RunShape{BatchSize: 2, SeqLen: 4, Warmup: 1, Repeats: 3},
				Seed:      5,
				Planner:   shardplan.DataParallel{},
				Transport: transports[rank],
			}
			report, err := RunOnDevice(context.Background(), cfg)
			if err != nil {
				return err
			}
			reports[rank] = report
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	for rank, r := range reports {
		assert.Equal(t, rank, r.Rank)
		assert.Equal(t, world, r.World)
		assert.Equal(t, 3, r.Repeats)
		assert.True(t, r.OutputShape.Equal(tensor.Shape{2, 4, 8}))
		assert.GreaterOrEqual(t, r.MaxAll, r.LocalMean-time.Microsecond)
	}
	// The reduced numbers are identical on every rank.
	assert.Equal(t, reports[0].MeanAll, reports[1].MeanAll)
	assert.Equal(t, reports[0].MaxAll, reports[1].MaxAll)
}

// Tensor-parallel run through the direct executor: Forward on the module
// issues the same collectives the graph would.
func TestTensorParallelDirectExecutor(t *testing.T) {
	const world = 2
	transports := dist.NewLocalWorld(world)
	var eg errgroup.Group
	for rank := 0; rank < world; rank++ {
		rank := rank
		eg.Go(func() error {
			cfg := Config{
				Rank:      rank,
				WorldSize: world,
				Model:     smallModel(),
				Run:       RunShape{BatchSize: 2, SeqLen: 4, Repeats: 2},
				Seed:      5,
				Executor:  "direct",
				Planner:   shardplan.TensorParallel{},
				Transport: transports[rank],
			}
			report, err := RunOnDevice(context.Background(), cfg)
			if err != nil {
				return err
			}
			if !report.OutputShape.Equal(tensor.Shape{2, 4, 8}) {
				return assert.AnError
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}
