// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package runner

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/shardplan"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// RunShape sizes one benchmark run.
type RunShape struct {
	BatchSize int
	SeqLen    int
	Warmup    int // untimed forward passes before measurement
	Repeats   int // timed forward passes
}

// Config configures one rank of a run. Every rank of a run must be
// started with identical world, mesh, model, run shape, planner and seed;
// only Rank differs.
type Config struct {
	Rank        int
	WorldSize   int
	MeshShape   []int  // defaults to [WorldSize]
	Rendezvous  string // host:port of rank 0's rendezvous listener
	RunID       string
	JoinTimeout time.Duration

	ModelClass string // registry class, e.g. "gpt2"
	Model      nn.Config
	Run        RunShape
	Checkpoint string // optional safetensors path, loaded before distribution
	Seed       int64

	// Executor selects how the forward pass runs: "interpreter" replays
	// the planner's graph, "direct" calls the module's Forward. Empty
	// means interpreter.
	Executor string

	// Planner produces the sharding plan. Defaults to data-parallel.
	Planner shardplan.Planner

	// Transport, when set, bypasses the TCP rendezvous and joins over the
	// given transport. Tests use this with in-process worlds.
	Transport dist.Transport

	// Progress draws a progress bar for the timed repeats on rank 0.
	Progress bool
}

func (c *Config) validate() error {
	if c.WorldSize <= 0 {
		return errors.Errorf("world size must be positive, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return errors.Errorf("rank %d out of range for world size %d", c.Rank, c.WorldSize)
	}
	if c.Run.BatchSize <= 0 || c.Run.SeqLen <= 0 {
		return errors.Errorf("run shape must be positive, got batch %d seq %d", c.Run.BatchSize, c.Run.SeqLen)
	}
	if c.Run.Repeats <= 0 {
		return errors.Errorf("repeats must be positive, got %d", c.Run.Repeats)
	}
	if c.Run.Warmup < 0 {
		return errors.Errorf("warmup must not be negative, got %d", c.Run.Warmup)
	}
	switch c.Executor {
	case "", "interpreter", "direct":
	default:
		return errors.Errorf("unknown executor %q", c.Executor)
	}
	if c.Transport == nil && c.Rendezvous == "" {
		return errors.New("either a rendezvous address or a transport is required")
	}
	return nil
}

func (c *Config) meshShape() []int {
	if len(c.MeshShape) == 0 {
		return []int{c.WorldSize}
	}
	return c.MeshShape
}

func (c *Config) planner() shardplan.Planner {
	if c.Planner == nil {
		return shardplan.DataParallel{}
	}
	return c.Planner
}

// Report is what one rank measured.
type Report struct {
	Rank    int
	World   int
	Device  dist.Device
	Repeats int

	LocalMean time.Duration // this rank's mean over the timed repeats
	MeanAll   time.Duration // cross-rank mean of the per-rank means
	MaxAll    time.Duration // slowest rank's mean; the headline number

	OutputShape tensor.Shape // global shape of the model output
}

func (r *Report) String() string {
	return fmt.Sprintf("rank %d/%d on %s: %d repeats, mean %s (all-rank mean %s, max %s)",
		r.Rank, r.World, r.Device, r.Repeats, r.LocalMean, r.MeanAll, r.MaxAll)
}

// ShardingPlanMismatchError reports a plan whose declared input does not
// match the input the run synthesized. The plan and the run were produced
// from different configurations; running would shard garbage, so this is
// fatal before any collective starts.
type ShardingPlanMismatchError struct {
	Declared tensor.Shape
	Actual   tensor.Shape
}

func (e *ShardingPlanMismatchError) Error() string {
	return fmt.Sprintf("sharding plan declares input %v but the run produces %v", e.Declared, e.Actual)
}
