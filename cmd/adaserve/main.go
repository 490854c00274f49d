// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Command adaserve runs a distributed transformer forward pass and reports
// step latency. It runs either one rank of a multi-process world, meeting
// its peers at a rendezvous address, or the whole world in-process with
// --local (useful for development and CI, where there is one machine).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/runner"
	"github.com/LiuTaowen-Tony/adaserve/shardplan"
)

var (
	flagRank        = flag.Int("rank", 0, "this process's rank")
	flagWorld       = flag.Int("world-size", 1, "number of ranks in the run")
	flagRendezvous  = flag.String("rendezvous", "127.0.0.1:29400", "host:port where rank 0 listens for joins")
	flagRunID       = flag.String("run-id", "", "shared run identifier; defaults to a fresh UUID")
	flagJoinTimeout = flag.Duration("join-timeout", 30*time.Second, "how long to wait for all ranks to join")
	flagLocal       = flag.Bool("local", false, "run every rank in this process over an in-memory transport")
	flagMesh        = flag.String("mesh", "", "device mesh shape, comma separated (default: world-size)")

	flagModelClass = flag.String("model-class", "gpt2", "model registry class")
	flagHidden     = flag.Int("hidden", 768, "model feature width")
	flagLayers     = flag.Int("layers", 12, "transformer block count")
	flagHeads      = flag.Int("heads", 12, "attention head count")
	flagMaxSeq     = flag.Int("max-seq", 1024, "maximum sequence length")
	flagActivation = flag.String("activation", "gelu", "mlp activation: gelu, relu or silu")
	flagCheckpoint = flag.String("checkpoint", "", "optional safetensors checkpoint to load")
	flagSeed       = flag.Int64("seed", 0, "seed for parameter and input synthesis")

	flagBatch    = flag.Int("batch", 2, "input batch size")
	flagSeq      = flag.Int("seq", 128, "input sequence length")
	flagWarmup   = flag.Int("warmup", 1, "untimed warm-up passes")
	flagRepeats  = flag.Int("repeats", 10, "timed passes")
	flagExecutor = flag.String("executor", "interpreter", "forward executor: interpreter or direct")
	flagPlanner  = flag.String("planner", "data-parallel", "sharding planner: data-parallel or tensor-parallel")
	flagProgress = flag.Bool("progress", true, "progress bar on rank 0")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	runID := *flagRunID
	if runID == "" {
		runID = uuid.NewString()
	}
	planner := must.M1(shardplan.ByName(*flagPlanner))
	cfg := runner.Config{
		WorldSize:   *flagWorld,
		MeshShape:   must.M1(parseMesh(*flagMesh)),
		Rendezvous:  *flagRendezvous,
		RunID:       runID,
		JoinTimeout: *flagJoinTimeout,
		ModelClass:  *flagModelClass,
		Model: nn.Config{
			Hidden:     *flagHidden,
			Layers:     *flagLayers,
			Heads:      *flagHeads,
			MaxSeq:     *flagMaxSeq,
			Activation: *flagActivation,
		},
		Run: runner.RunShape{
			BatchSize: *flagBatch,
			SeqLen:    *flagSeq,
			Warmup:    *flagWarmup,
			Repeats:   *flagRepeats,
		},
		Checkpoint: *flagCheckpoint,
		Seed:       *flagSeed,
		Executor:   *flagExecutor,
		Planner:    planner,
		Progress:   *flagProgress,
	}

	ctx := context.Background()
	if *flagLocal {
		runLocal(ctx, cfg)
		return
	}
	cfg.Rank = *flagRank
	report, err := runner.RunOnDevice(ctx, cfg)
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	fmt.Println(report)
}

// runLocal launches every rank of the world in this process over the
// in-memory transport and prints rank 0's report.
func runLocal(ctx context.Context, cfg runner.Config) {
	transports := dist.NewLocalWorld(cfg.WorldSize)
	reports := make([]*runner.Report, cfg.WorldSize)
	var eg errgroup.Group
	for rank := 0; rank < cfg.WorldSize; rank++ {
		rank := rank
		eg.Go(func() error {
			rcfg := cfg
			rcfg.Rank = rank
			rcfg.Transport = transports[rank]
			report, err := runner.RunOnDevice(ctx, rcfg)
			if err != nil {
				return err
			}
			reports[rank] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
	fmt.Println(reports[0])
}

func parseMesh(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("mesh dimension %q: %w", p, err)
		}
		shape[i] = d
	}
	return shape, nil
}
