// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/ops"
)

// Config describes a GPT-style transformer stack.
type Config struct {
	Hidden     int     // feature width
	Layers     int     // number of transformer blocks
	Heads      int     // attention heads; must divide Hidden
	MaxSeq     int     // longest sequence the model accepts
	Activation string  // "gelu", "relu" or "silu"; empty means gelu
	Eps        float32 // layer norm epsilon; zero means 1e-5
}

func (c *Config) normalize() error {
	if c.Activation == "" {
		c.Activation = "gelu"
	}
	if c.Eps == 0 {
		c.Eps = 1e-5
	}
	if c.Hidden <= 0 || c.Layers <= 0 || c.Heads <= 0 || c.MaxSeq <= 0 {
		return errors.Errorf("config needs positive dimensions, got %+v", *c)
	}
	if c.Hidden%c.Heads != 0 {
		return errors.Errorf("hidden %d not divisible by %d heads", c.Hidden, c.Heads)
	}
	return nil
}

// GPT is a stack of pre-norm transformer blocks over pre-embedded input
// [batch, seq, hidden], closed by a final layer norm. There is no token
// embedding or head; the harness times the block stack.
type GPT struct {
	cfg    Config
	Blocks []*Block
	LNF    *LayerNorm

	params  []NamedParam
	byPath  map[string]*Param
	virtual map[string]func() (any, error)
}

// NewGPT materializes the model with seeded random parameters, so every
// rank that constructs it from the same seed holds identical values.
func NewGPT(cfg Config, seed int64) (*GPT, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	m := &GPT{cfg: cfg}
	for i := 0; i < cfg.Layers; i++ {
		m.Blocks = append(m.Blocks, NewBlock(cfg.Hidden, cfg.Heads, cfg.Activation, cfg.Eps, rng))
	}
	m.LNF = NewLayerNorm(cfg.Hidden, cfg.Eps)

	for i, b := range m.Blocks {
		m.params = b.params(fmt.Sprintf("blocks.%d", i), m.params)
	}
	m.params = m.LNF.params("ln_f", m.params)
	m.byPath = make(map[string]*Param, len(m.params))
	for _, np := range m.params {
		m.byPath[np.Name] = np.Param
	}

	// Packed q/k/v views for graphs that project once and split.
	m.virtual = make(map[string]func() (any, error))
	for i, b := range m.Blocks {
		attn := b.Attn
		m.virtual[fmt.Sprintf("blocks.%d.attn.qkv.weight", i)] = func() (any, error) {
			return attn.packedQKV(func(l *Linear) *Param { return l.Weight })
		}
		m.virtual[fmt.Sprintf("blocks.%d.attn.qkv.bias", i)] = func() (any, error) {
			return attn.packedQKV(func(l *Linear) *Param { return l.Bias })
		}
	}
	return m, nil
}

// Config returns the model configuration.
func (m *GPT) Config() Config { return m.cfg }

// Forward runs the block stack and the final norm.
func (m *GPT) Forward(ctx context.Context, s *ops.Set, x any) (any, error) {
	var err error
	for i, b := range m.Blocks {
		x, err = b.Forward(ctx, s, x)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
	}
	return m.LNF.Forward(ctx, s, x)
}

// NamedParameters lists the parameters in construction order.
func (m *GPT) NamedParameters() []NamedParam { return m.params }

// Attr resolves parameter paths and the derived packed qkv views.
func (m *GPT) Attr(path string) (any, error) {
	if p, ok := m.byPath[path]; ok {
		return p.Value(), nil
	}
	if f, ok := m.virtual[path]; ok {
		return f()
	}
	return nil, errors.Errorf("model has no attribute %q", path)
}

// BuildModel constructs a model by registry class name. "gpt2" is the
// only class the harness ships.
func BuildModel(class string, cfg Config, seed int64) (Module, error) {
	switch class {
	case "gpt2":
		return NewGPT(cfg, seed)
	default:
		return nil, errors.Errorf("unknown model class %q", class)
	}
}
