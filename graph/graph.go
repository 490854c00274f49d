// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package graph defines the computation graph the harness executes and the
// interpreter that replays it node by node.
//
// A graph is an ordered sequence of nodes over three kinds: Input binds the
// caller's value, AttributeLoad resolves a dotted path on the model, and
// Call applies a named operation to resolved arguments. Declaration order
// is the execution order; the graph carries no dependency analysis of its
// own and a reference to a later node is a runtime error, not a schedule.
package graph

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/LiuTaowen-Tony/adaserve/dist"
)

// Kind discriminates the closed set of node kinds. Adding a kind requires
// extending the interpreter's switch, which fails loudly on an unknown
// value rather than skipping the node.
type Kind int

// The node kinds.
const (
	KindInput Kind = iota
	KindAttributeLoad
	KindCall
)

// String names the kind.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindAttributeLoad:
		return "attribute_load"
	case KindCall:
		return "call"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Arg is one argument of a Call node: a literal value, a reference to an
// earlier node's output by name, or a nested list of either.
type Arg struct {
	lit    any
	name   string
	slot   int
	list   []Arg
	isRef  bool
	isList bool
}

// Lit wraps a literal argument value.
func Lit(v any) Arg { return Arg{lit: v, slot: -1} }

// Ref references the output bound under name in the environment.
func Ref(name string) Arg { return Arg{name: name, slot: -1, isRef: true} }

// List nests arguments into one list-valued argument.
func List(args ...Arg) Arg { return Arg{list: args, slot: -1, isList: true} }

// Node is one operation of the graph. Nodes are produced once, when the
// graph is built, and never mutated during interpretation.
type Node struct {
	Name   string
	Kind   Kind
	Target string // attribute path for AttributeLoad, operation name for Call
	Args   []Arg
	Kwargs map[string]any

	// OutNames, when set on a Call node, declares a multi-output
	// operation: the op must return []any of this length and each element
	// is additionally bound under its sub-name.
	OutNames []string

	// Output optionally records the placement the sharding pass expects
	// for this node's (primary) output. Diagnostic: the interpreter logs
	// it against the actual result and never acts on it.
	Output *dist.TensorSpec

	slot     int
	outSlots []int
}

// OutputSpec returns the expected output spec, or nil.
func (n *Node) OutputSpec() *dist.TensorSpec { return n.Output }

// Graph is an immutable ordered node sequence with name resolution done.
type Graph struct {
	nodes    []*Node
	byName   map[string]int
	numSlots int
	input    int // index of the single Input node
}

// New assembles a graph from nodes in declaration order, resolving every
// name reference to an environment slot. Exactly one Input node is
// required. Forward references resolve (the name is known) but stay unbound
// at execution time; the builder is the stricter front door.
func New(nodes []*Node) (*Graph, error) {
	g := &Graph{
		nodes:  nodes,
		byName: make(map[string]int, len(nodes)),
		input:  -1,
	}
	for i, n := range nodes {
		if n.Name == "" {
			return nil, errors.Errorf("node %d has no name", i)
		}
		if _, dup := g.byName[n.Name]; dup {
			return nil, errors.Errorf("duplicate node name %q", n.Name)
		}
		n.slot = g.numSlots
		g.byName[n.Name] = n.slot
		g.numSlots++

		switch n.Kind {
		case KindInput:
			if g.input >= 0 {
				return nil, errors.Errorf("graph has more than one input node (%q and %q)", g.nodes[g.input].Name, n.Name)
			}
			g.input = i
		case KindAttributeLoad:
			if n.Target == "" {
				return nil, errors.Errorf("attribute node %q has no target path", n.Name)
			}
		case KindCall:
			if n.Target == "" {
				return nil, errors.Errorf("call node %q has no target operation", n.Name)
			}
		default:
			return nil, errors.Errorf("node %q has invalid kind %v", n.Name, n.Kind)
		}

		n.outSlots = nil
		if len(n.OutNames) > 0 {
			n.outSlots = make([]int, len(n.OutNames))
			for j, sub := range n.OutNames {
				if _, dup := g.byName[sub]; dup {
					return nil, errors.Errorf("duplicate node name %q (output of %q)", sub, n.Name)
				}
				n.outSlots[j] = g.numSlots
				g.byName[sub] = g.numSlots
				g.numSlots++
			}
		}
	}
	if g.input < 0 {
		return nil, errors.New("graph has no input node")
	}
	for _, n := range nodes {
		for i := range n.Args {
			if err := g.resolveArg(&n.Args[i], n.Name); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

func (g *Graph) resolveArg(a *Arg, node string) error {
	switch {
	case a.isRef:
		slot, ok := g.byName[a.name]
		if !ok {
			return errors.Errorf("node %q references unknown name %q", node, a.name)
		}
		a.slot = slot
	case a.isList:
		for i := range a.list {
			if err := g.resolveArg(&a.list[i], node); err != nil {
				return err
			}
		}
	}
	return nil
}

// Nodes returns the nodes in execution order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// InputNode returns the graph's single Input node.
func (g *Graph) InputNode() *Node { return g.nodes[g.input] }

// InputSpec returns the placement the sharding pass recorded on the input
// node. This is the only authoritative source for input placement.
func (g *Graph) InputSpec() *dist.TensorSpec { return g.InputNode().Output }

// Environment maps node names to the values produced during one
// interpretation run. Storage is a slot array pre-sized at graph build, so
// binding and lookup cost an index, and "unbound" is an explicit bit
// instead of a missing map key.
type Environment struct {
	g     *Graph
	slots []any
	bound []bool
}

func newEnvironment(g *Graph) *Environment {
	return &Environment{
		g:     g,
		slots: make([]any, g.numSlots),
		bound: make([]bool, g.numSlots),
	}
}

func (e *Environment) bind(slot int, v any) {
	e.slots[slot] = v
	e.bound[slot] = true
}

// Value returns the value bound under name during the run.
func (e *Environment) Value(name string) (any, bool) {
	slot, ok := e.g.byName[name]
	if !ok || !e.bound[slot] {
		return nil, false
	}
	return e.slots[slot], true
}

// Values returns a copy of every bound name and its value.
func (e *Environment) Values() map[string]any {
	out := make(map[string]any)
	for name, slot := range e.g.byName {
		if e.bound[slot] {
			out[name] = e.slots[slot]
		}
	}
	return out
}
