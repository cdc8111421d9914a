// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package irtest holds helpers to build small hand-made graphs in tests.
package irtest

import (
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/janpfeifer/must"
)

// Operator types used by fixtures for graph inputs and outputs.
const (
	DataOp   = "Data"
	OutputOp = "NetOutput"
)

// Builder builds a graph one node at a time. Errors panic, since fixtures are expected to be valid.
type Builder struct {
	G *ir.Graph
}

// New creates a Builder for an empty graph.
func New(name string) *Builder {
	return &Builder{G: ir.NewGraph(name)}
}

// Input adds a graph input ("Data" node, no inputs, one output).
func (b *Builder) Input(name string, desc *ir.TensorDesc) ir.NodeID {
	return b.G.AddNode(name, DataOp, nil, []*ir.TensorDesc{desc}).ID()
}

// Op adds a single-output node fed by the given anchors. Input descriptors are copies of the
// producers' output descriptors.
func (b *Builder) Op(name, opType string, output *ir.TensorDesc, inputs ...ir.OutAnchor) ir.NodeID {
	return b.OpN(name, opType, []*ir.TensorDesc{output}, inputs...)
}

// OpN adds a node with any number of outputs fed by the given anchors.
func (b *Builder) OpN(name, opType string, outputs []*ir.TensorDesc, inputs ...ir.OutAnchor) ir.NodeID {
	inDescs := make([]*ir.TensorDesc, len(inputs))
	for ii, src := range inputs {
		inDescs[ii] = b.G.Node(src.Node).OutputDesc(src.Index).Clone()
	}
	n := b.G.AddNode(name, opType, inDescs, outputs)
	for ii, src := range inputs {
		must.M(b.G.Connect(src, n.In(ii)))
	}
	return n.ID()
}

// Output adds a graph output ("NetOutput" node, no outputs) reading the given anchors.
func (b *Builder) Output(name string, inputs ...ir.OutAnchor) ir.NodeID {
	return b.OpN(name, OutputOp, nil, inputs...)
}

// Out returns the first output anchor of the node.
func Out(id ir.NodeID) ir.OutAnchor { return ir.OutAnchor{Node: id, Index: 0} }

// In returns the input anchor idx of the node.
func In(id ir.NodeID, idx int) ir.InAnchor { return ir.InAnchor{Node: id, Index: idx} }

// Node returns the live node with the given name, or panics.
func (b *Builder) Node(name string) *ir.Node {
	n := b.G.NodeByName(name)
	if n == nil {
		panic("irtest: no node named " + name)
	}
	return n
}
