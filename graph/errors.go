// Copyright 2025 The AdaServe Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package graph

import "fmt"

// UnboundReferenceError reports a Call node referencing a name no earlier
// node has produced. It means the graph's declaration order violates its
// data dependencies; that is a malformed graph, so the error is fatal and
// never retried.
type UnboundReferenceError struct {
	Node string
	Ref  string
}

func (e *UnboundReferenceError) Error() string {
	return fmt.Sprintf("node %q references %q, which is not bound in the environment", e.Node, e.Ref)
}

// AttributeError reports an AttributeLoad path that does not resolve on the
// model. Always fatal: it means the graph and the model do not match.
type AttributeError struct {
	Node string
	Path string
	Err  error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("node %q: attribute %q cannot be resolved: %v", e.Node, e.Path, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }

// OpError wraps whatever an operation raised, annotated with the node for
// diagnosis. Distributed numeric failures are not transient; nothing
// retries these.
type OpError struct {
	Node string
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("node %q: operation %q failed: %v", e.Node, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
