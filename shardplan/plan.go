// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package shardplan defines the contract between the orchestrator and the
// autosharding pass, plus two reference planners.
//
// The orchestrator treats a Planner as a black box: it hands over the
// model configuration, the run shape and the device mesh, and receives a
// computation graph annotated with expected placements together with a
// parameter placement assignment. The real pass lives outside this
// repository; DataParallel and TensorParallel exist so the harness can run
// and be tested end to end without it.
package shardplan

import (
	"context"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/graph"
	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// OutputName is the graph node holding the model output; every planner
// names its final node this way so the orchestrator can read the result
// out of the environment.
const OutputName = "output"

// Request is one planning problem.
type Request struct {
	ModelClass string
	Model      nn.Config
	BatchSize  int
	SeqLen     int
	Mesh       *dist.DeviceMesh

	// Sample, when set, is the input the run will feed; the planner
	// checks it against the declared run shape.
	Sample *tensor.Tensor
}

// InputShape is the global input shape the plan is for.
func (r *Request) InputShape() tensor.Shape {
	return tensor.Shape{r.BatchSize, r.SeqLen, r.Model.Hidden}
}

func (r *Request) validate() error {
	if r.Mesh == nil {
		return errors.New("request has no mesh")
	}
	if r.BatchSize <= 0 || r.SeqLen <= 0 {
		return errors.Errorf("run shape must be positive, got batch %d seq %d", r.BatchSize, r.SeqLen)
	}
	if err := validateModelConfig(r.Model); err != nil {
		return err
	}
	if r.SeqLen > r.Model.MaxSeq {
		return errors.Errorf("sequence length %d exceeds model maximum %d", r.SeqLen, r.Model.MaxSeq)
	}
	if r.Sample != nil && !r.Sample.Shape().Equal(r.InputShape()) {
		return errors.Errorf("sample shape %v does not match run shape %v", r.Sample.Shape(), r.InputShape())
	}
	return nil
}

func validateModelConfig(cfg nn.Config) error {
	if cfg.Hidden <= 0 || cfg.Layers <= 0 || cfg.Heads <= 0 || cfg.MaxSeq <= 0 {
		return errors.Errorf("model config needs positive dimensions, got %+v", cfg)
	}
	if cfg.Hidden%cfg.Heads != 0 {
		return errors.Errorf("hidden %d not divisible by %d heads", cfg.Hidden, cfg.Heads)
	}
	return nil
}

// Result is a plan: the graph to interpret, annotated with the placements
// the planner expects at each step, and the placement each parameter gets
// before execution.
type Result struct {
	Graph  *graph.Graph
	Params nn.Assignment
}

// Planner produces a sharding plan for a request.
type Planner interface {
	Name() string
	Plan(ctx context.Context, req Request) (*Result, error)
}

// ByName resolves the reference planners.
func ByName(name string) (Planner, error) {
	switch name {
	case "data-parallel":
		return DataParallel{}, nil
	case "tensor-parallel":
		return TensorParallel{}, nil
	default:
		return nil, errors.Errorf("unknown planner %q", name)
	}
}
