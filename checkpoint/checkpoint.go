// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint loads model parameters from safetensors files.
//
// Loading happens on every rank before the module is distributed, so each
// rank materializes identical full parameters; the harness never writes
// checkpoints. F32 data is taken as is, F16 is widened to the float32 the
// tensor package computes in.
package checkpoint

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/nlpodyssey/safetensors"
	"github.com/nlpodyssey/safetensors/dtype"
	stfloat16 "github.com/nlpodyssey/safetensors/float16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/LiuTaowen-Tony/adaserve/nn"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Checkpoint headers are a few KB of JSON for models this harness runs;
// anything near the limit is a corrupt or hostile file.
const headerSizeLimit = 8 << 20

// Summary reports what a Load call copied into the model.
type Summary struct {
	Loaded  int    // tensors copied into parameters
	Skipped int    // checkpoint tensors with no matching parameter
	Bytes   uint64 // float32 bytes materialized
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d tensors (%s), %d skipped", s.Loaded, humanize.Bytes(s.Bytes), s.Skipped)
}

// Load reads the safetensors file at path and copies every tensor whose
// name matches a parameter path into the model. Checkpoint tensors with no
// matching parameter are skipped (checkpoints routinely carry embeddings
// and heads this harness does not run); a matching tensor with the wrong
// shape or an unsupported dtype is an error. Must run before the module is
// distributed.
func Load(path string, m nn.Module) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening checkpoint")
	}
	defer f.Close()

	st, err := safetensors.ReadAll(f, headerSizeLimit)
	if err != nil {
		return nil, errors.Wrapf(err, "reading checkpoint %s", path)
	}

	byPath := make(map[string]*nn.Param)
	for _, np := range m.NamedParameters() {
		byPath[np.Name] = np.Param
	}

	sum := &Summary{}
	for _, t := range st.Tensors {
		param, ok := byPath[t.Name()]
		if !ok {
			klog.V(1).Infof("checkpoint tensor %q has no parameter, skipping", t.Name())
			sum.Skipped++
			continue
		}
		data, err := toFloat32(t)
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q", t.Name())
		}
		loaded, err := tensor.FromSlice(data, tensor.Shape(t.Shape()))
		if err != nil {
			return nil, errors.Wrapf(err, "tensor %q", t.Name())
		}
		if err := param.SetLocal(loaded); err != nil {
			return nil, errors.Wrapf(err, "tensor %q", t.Name())
		}
		sum.Loaded++
		sum.Bytes += uint64(len(data)) * 4
	}
	klog.V(1).Infof("loaded checkpoint %s: %s", path, sum)
	return sum, nil
}

func toFloat32(t safetensors.Tensor) ([]float32, error) {
	switch t.DType() {
	case dtype.F32:
		src := t.Data().([]float32)
		out := make([]float32, len(src))
		copy(out, src)
		return out, nil
	case dtype.F16:
		src := t.Data().([]stfloat16.F16)
		out := make([]float32, len(src))
		for i, v := range src {
			out[i] = float16.Frombits(uint16(v)).Float32()
		}
		return out, nil
	default:
		return nil, errors.Errorf("unsupported dtype %s", t.DType())
	}
}
