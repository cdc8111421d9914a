// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package surgery holds the graph-rewrite primitives fusion passes use to change a matched subgraph:
// deriving descriptors for new nodes, inserting nodes on an edge, moving consumers and control
// edges from one node to another, removing nodes and propagating descriptor changes downstream.
//
// Every primitive validates all its arguments before changing anything, so an error leaves the graph
// as it was. There is no rollback across primitives though: a pass must check all its preconditions
// before its first call into this package.
//
// All errors wrap ErrSurgery, and the underlying error when there is one.
package surgery

import (
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrSurgery is wrapped by all errors returned by this package.
var ErrSurgery = errors.New("graph surgery failed")

func surgeryErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrSurgery, format, args...)
}

// surgeryWrapf reports a failure of a lower layer (graph edges, shape inference). Both ErrSurgery and
// err remain visible to errors.Is.
func surgeryWrapf(err error, format string, args ...any) error {
	return errors.WithMessagef(multierr.Combine(ErrSurgery, err), format, args...)
}

// liveNode returns the node or an error naming the operation.
func liveNode(g *ir.Graph, id ir.NodeID, op string) (*ir.Node, error) {
	n := g.Node(id)
	if n == nil {
		return nil, surgeryErrorf("%s: node #%d is not in graph %q", op, id, g.Name())
	}
	return n, nil
}

func checkOutput(g *ir.Graph, a ir.OutAnchor, op string) (*ir.Node, error) {
	n, err := liveNode(g, a.Node, op)
	if err != nil {
		return nil, err
	}
	if a.Index < 0 || a.Index >= n.NumOutputs() {
		return nil, surgeryErrorf("%s: %s has no output %d", op, n, a.Index)
	}
	return n, nil
}
