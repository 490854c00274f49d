// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
	"github.com/LiuTaowen-Tony/adaserve/tensor"
)

// Param holds one model parameter. It starts out as a local tensor when
// the model is materialized and may later be swapped for a DTensor by
// DistributeModule; the forward path reads whichever is current through
// Value and never cares which of the two it got.
type Param struct {
	value any
}

// NewParam wraps a freshly materialized local tensor.
func NewParam(t *tensor.Tensor) *Param {
	return &Param{value: t}
}

// Value returns the current parameter value, a *tensor.Tensor or a
// *dist.DTensor.
func (p *Param) Value() any { return p.value }

// Local returns the tensor holding this rank's portion of the parameter:
// the full tensor before distribution, the local shard after.
func (p *Param) Local() *tensor.Tensor {
	if dt, ok := p.value.(*dist.DTensor); ok {
		return dt.Local()
	}
	return p.value.(*tensor.Tensor)
}

// SetLocal replaces the parameter with a local tensor of the same shape.
// Used by checkpoint loading, which runs before distribution.
func (p *Param) SetLocal(t *tensor.Tensor) error {
	cur, ok := p.value.(*tensor.Tensor)
	if !ok {
		return errors.New("parameter is already distributed")
	}
	if !cur.Shape().Equal(t.Shape()) {
		return errors.Errorf("shape mismatch: have %v, got %v", cur.Shape(), t.Shape())
	}
	p.value = t
	return nil
}

func (p *Param) setDistributed(dt *dist.DTensor) {
	p.value = dt
}

// NamedParam pairs a parameter with its dotted attribute path, e.g.
// "blocks.0.attn.q.weight".
type NamedParam struct {
	Name  string
	Param *Param
}
