// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graph

import (
	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
)

// NodeRef names a value produced by a node already added to a Builder.
// Because a ref can only be obtained from the builder, a graph built through
// it cannot contain forward or dangling references.
type NodeRef struct {
	name string
}

// Arg turns the reference into a Call argument.
func (r NodeRef) Arg() Arg { return Ref(r.name) }

// Name returns the environment name the reference resolves to.
func (r NodeRef) Name() string { return r.name }

// Builder assembles a graph in declaration order. It is the front door the
// sharding pass emits graphs through: references are checked as they are
// used, so an ordering violation is caught when the graph is built rather
// than when it runs.
type Builder struct {
	nodes []*Node
	names map[string]bool
	err   error
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]bool)}
}

func (b *Builder) addName(name string) bool {
	if b.err != nil {
		return false
	}
	if name == "" {
		b.err = errors.New("empty node name")
		return false
	}
	if b.names[name] {
		b.err = errors.Errorf("duplicate node name %q", name)
		return false
	}
	b.names[name] = true
	return true
}

func (b *Builder) checkArgs(node string, args []Arg) {
	for _, a := range args {
		switch {
		case a.isRef:
			if !b.names[a.name] {
				b.err = errors.Errorf("node %q references %q before it is declared", node, a.name)
				return
			}
		case a.isList:
			b.checkArgs(node, a.list)
		}
	}
}

// Input declares the graph's input node with its expected placement.
func (b *Builder) Input(name string, spec *dist.TensorSpec) NodeRef {
	if b.addName(name) {
		b.nodes = append(b.nodes, &Node{Name: name, Kind: KindInput, Output: spec})
	}
	return NodeRef{name: name}
}

// Attr declares a node loading the model attribute at path.
func (b *Builder) Attr(name, path string) NodeRef {
	if b.addName(name) {
		b.nodes = append(b.nodes, &Node{Name: name, Kind: KindAttributeLoad, Target: path})
	}
	return NodeRef{name: name}
}

// Call declares a single-output operation node.
func (b *Builder) Call(name, op string, args []Arg, kwargs map[string]any, spec *dist.TensorSpec) NodeRef {
	if b.addName(name) {
		b.checkArgs(name, args)
		b.nodes = append(b.nodes, &Node{
			Name:   name,
			Kind:   KindCall,
			Target: op,
			Args:   args,
			Kwargs: kwargs,
			Output: spec,
		})
	}
	return NodeRef{name: name}
}

// CallMulti declares an operation with len(outNames) outputs. Each output
// is bound under its own name and referenced like any other node.
func (b *Builder) CallMulti(name, op string, args []Arg, kwargs map[string]any, outNames []string) []NodeRef {
	refs := make([]NodeRef, len(outNames))
	if b.addName(name) {
		b.checkArgs(name, args)
		for i, sub := range outNames {
			if !b.addName(sub) {
				return refs
			}
			refs[i] = NodeRef{name: sub}
		}
		b.nodes = append(b.nodes, &Node{
			Name:     name,
			Kind:     KindCall,
			Target:   op,
			Args:     args,
			Kwargs:   kwargs,
			OutNames: outNames,
		})
	}
	return refs
}

// Build finalizes the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	return New(b.nodes)
}
