// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package runner orchestrates one rank of a distributed forward-pass run.
//
// RunOnDevice is a linear state machine: Joining, Planning, Materializing,
// Distributing Input, Executing, Leaving. Leaving runs on every exit path,
// exactly once, whether the run succeeded or died in any earlier step.
// Errors never skip teardown and are tagged with the rank that raised them.
package runner

import (
	"context"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/LiuTaowen-Tony/adaserve/checkpoint"
	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/graph"
	"github.com/LiuTaowen-Tony/adaserve/internal/rlog"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/ops"
	"github.com/LiuTaowen-Tony/adaserve/shardplan"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// RunOnDevice runs one rank end to end and returns its timing report.
func RunOnDevice(ctx context.Context, cfg Config) (report *Report, err error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	rank := cfg.Rank

	// Joining.
	var g *dist.ProcessGroup
	if cfg.Transport != nil {
		if cfg.Transport.Rank() != rank || cfg.Transport.World() != cfg.WorldSize {
			return nil, errors.Errorf("rank %d: transport is rank %d of %d, config says rank %d of %d",
				rank, cfg.Transport.Rank(), cfg.Transport.World(), rank, cfg.WorldSize)
		}
		g = dist.NewGroup(cfg.Transport)
	} else {
		g, err = dist.Join(ctx, dist.Config{
			Rank:        rank,
			World:       cfg.WorldSize,
			Rendezvous:  cfg.Rendezvous,
			RunID:       cfg.RunID,
			JoinTimeout: cfg.JoinTimeout,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d: joining", rank)
		}
	}
	// Leaving. Deferred immediately after the group exists so no error
	// path below can skip it; Leave itself is idempotent.
	defer func() {
		if lerr := g.Leave(); lerr != nil && err == nil {
			err = errors.Wrapf(lerr, "rank %d: leaving", rank)
		}
	}()
	device := dist.BindDevice(rank)
	rlog.Infof(rank, "joined run %s on %s, world size %d", cfg.RunID, device, cfg.WorldSize)

	mesh, err := dist.NewMesh(cfg.meshShape(), cfg.WorldSize)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: building mesh", rank)
	}

	// Every rank synthesizes the identical global input from the shared
	// seed; the shard each rank actually feeds is narrowed out below,
	// after the plan says how the input is placed.
	inputRng := rand.New(rand.NewSource(cfg.Seed + 1))
	input := tensor.Randn(tensor.Shape{cfg.Run.BatchSize, cfg.Run.SeqLen, cfg.Model.Hidden}, inputRng)

	// Planning.
	class := cfg.ModelClass
	if class == "" {
		class = "gpt2"
	}
	planner := cfg.planner()
	res, err := planner.Plan(ctx, shardplan.Request{
		ModelClass: class,
		Model:      cfg.Model,
		BatchSize:  cfg.Run.BatchSize,
		SeqLen:     cfg.Run.SeqLen,
		Mesh:       mesh,
		Sample:     input,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: planning with %s", rank, planner.Name())
	}
	inputSpec := res.Graph.InputSpec()
	if inputSpec == nil {
		return nil, errors.Errorf("rank %d: plan from %s declares no input placement", rank, planner.Name())
	}
	if !inputSpec.Shape.Equal(input.Shape()) {
		return nil, errors.Wrapf(
			&ShardingPlanMismatchError{Declared: inputSpec.Shape.Clone(), Actual: input.Shape().Clone()},
			"rank %d", rank)
	}
	rlog.Infof(rank, "planned with %s: input %s, %d sharded parameters",
		planner.Name(), inputSpec, len(res.Params))

	// Materializing.
	model, err := nn.BuildModel(class, cfg.Model, cfg.Seed)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: materializing %s", rank, class)
	}
	if cfg.Checkpoint != "" {
		sum, err := checkpoint.Load(cfg.Checkpoint, model)
		if err != nil {
			return nil, errors.Wrapf(err, "rank %d: loading checkpoint", rank)
		}
		rlog.Infof(rank, "checkpoint %s: %s", cfg.Checkpoint, sum)
	}
	var paramBytes uint64
	for _, np := range model.NamedParameters() {
		paramBytes += uint64(np.Param.Local().NumElements()) * 4
	}
	rlog.Infof(rank, "materialized %s: %d parameters (%s)",
		class, len(model.NamedParameters()), humanize.Bytes(paramBytes))
	if err := nn.DistributeModule(model, mesh, res.Params, rank); err != nil {
		return nil, errors.Wrapf(err, "rank %d: distributing parameters", rank)
	}
	if rank == 0 {
		logGraph(res.Graph)
	}

	// Distributing input.
	dinput, err := dist.Distribute(input, mesh, inputSpec.Placements, rank)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: distributing input", rank)
	}
	rlog.Debugf(rank, "input %v, local shard %v", input.Shape(), dinput.Local().Shape())

	// Executing.
	set := ops.NewSet(g)
	var step func(context.Context) (any, error)
	switch cfg.Executor {
	case "", "interpreter":
		interp := &graph.Interpreter{Ops: set, Rank: rank}
		step = func(ctx context.Context) (any, error) {
			env, err := interp.Run(ctx, res.Graph, model, dinput)
			if err != nil {
				return nil, err
			}
			out, ok := env.Value(shardplan.OutputName)
			if !ok {
				return nil, errors.Errorf("graph binds no %q node", shardplan.OutputName)
			}
			return out, nil
		}
	case "direct":
		step = func(ctx context.Context) (any, error) {
			return model.Forward(ctx, set, dinput)
		}
	}

	var out any
	for i := 0; i < cfg.Run.Warmup; i++ {
		if out, err = step(ctx); err != nil {
			return nil, errors.Wrapf(err, "rank %d: warmup pass %d", rank, i)
		}
	}
	// Align the ranks so the measured window starts together.
	if err := g.Barrier(ctx); err != nil {
		return nil, errors.Wrapf(err, "rank %d: pre-measurement barrier", rank)
	}

	var bar *progressbar.ProgressBar
	if cfg.Progress && rank == 0 {
		bar = progressbar.Default(int64(cfg.Run.Repeats), "timing")
	}
	var total time.Duration
	for i := 0; i < cfg.Run.Repeats; i++ {
		start := time.Now()
		if out, err = step(ctx); err != nil {
			return nil, errors.Wrapf(err, "rank %d: timed pass %d", rank, i)
		}
		total += time.Since(start)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	localMean := total / time.Duration(cfg.Run.Repeats)

	meanAll, maxAll, err := aggregateLatency(ctx, g, localMean)
	if err != nil {
		return nil, errors.Wrapf(err, "rank %d: reducing timings", rank)
	}

	report = &Report{
		Rank:        rank,
		World:       cfg.WorldSize,
		Device:      device,
		Repeats:     cfg.Run.Repeats,
		LocalMean:   localMean,
		MeanAll:     meanAll,
		MaxAll:      maxAll,
		OutputShape: outputShape(out),
	}
	rlog.Infof(rank, "%s", report)
	return report, nil
}

func outputShape(v any) tensor.Shape {
	switch t := v.(type) {
	case *dist.DTensor:
		return t.GlobalShape()
	case *tensor.Tensor:
		return t.Shape()
	default:
		return nil
	}
}

func logGraph(g *graph.Graph) {
	if !klog.V(1).Enabled() {
		return
	}
	klog.Infof("planned graph (%d nodes):", len(g.Nodes()))
	for _, n := range g.Nodes() {
		switch n.Kind {
		case graph.KindCall:
			if spec := n.OutputSpec(); spec != nil {
				klog.Infof("  %s = %s(...) -> %s", n.Name, n.Target, spec)
			} else {
				klog.Infof("  %s = %s(...)", n.Name, n.Target)
			}
		case graph.KindAttributeLoad:
			klog.Infof("  %s = attr %s", n.Name, n.Target)
		case graph.KindInput:
			klog.Infof("  %s = input -> %s", n.Name, n.OutputSpec())
		}
	}
}
