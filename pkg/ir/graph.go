// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir is the graph model the fusion passes work on: a dataflow Graph of tensor operators
// (Node), connected by data edges between output and input slots (OutAnchor, InAnchor) and by
// control edges.
//
// The Graph owns its nodes in an arena indexed by NodeID. A NodeID is never reused, so a stale
// handle can always be detected with Graph.IsLive, instead of dereferencing a dangling pointer.
//
// The graph is not safe for concurrent mutation: the pass driver guarantees only one pass
// rewrites a graph at a time.
package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Graph owns all nodes and edges of one compilation unit.
type Graph struct {
	id   uuid.UUID
	name string

	// nodes is the arena, indexed by NodeID. Removed nodes leave a nil entry.
	nodes   []*Node
	numLive int

	nameToID map[string]NodeID
}

// NewGraph creates an empty graph. If name is empty one is generated from the graph id.
func NewGraph(name string) *Graph {
	id := uuid.New()
	if name == "" {
		name = "graph_" + id.String()[:8]
	}
	return &Graph{
		id:       id,
		name:     name,
		nameToID: make(map[string]NodeID),
	}
}

// ID is a random unique identifier of the graph, used to correlate log lines.
func (g *Graph) ID() uuid.UUID { return g.id }

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// AddNode creates a new node with the given descriptors, which become owned by the node.
//
// If name is empty or already taken, a unique name is derived from it (or from opType).
func (g *Graph) AddNode(name, opType string, inputs, outputs []*TensorDesc) *Node {
	for ii, d := range inputs {
		if d == nil {
			panic(errors.Errorf("AddNode(%q): nil descriptor for input %d", name, ii))
		}
	}
	for ii, d := range outputs {
		if d == nil {
			panic(errors.Errorf("AddNode(%q): nil descriptor for output %d", name, ii))
		}
	}
	id := NodeID(len(g.nodes))
	n := &Node{
		graph:       g,
		id:          id,
		name:        g.uniqueName(name, opType),
		opType:      opType,
		inputDescs:  slices.Clone(inputs),
		outputDescs: slices.Clone(outputs),
		inputs:      make([]OutAnchor, len(inputs)),
		outputs:     make([][]InAnchor, len(outputs)),
		controlIn:   sets.Make[NodeID](),
		controlOut:  sets.Make[NodeID](),
	}
	for ii := range n.inputs {
		n.inputs[ii] = noProducer
	}
	g.nodes = append(g.nodes, n)
	g.nameToID[n.name] = id
	g.numLive++
	return n
}

func (g *Graph) uniqueName(name, opType string) string {
	if name == "" {
		name = opType
	}
	if _, taken := g.nameToID[name]; !taken {
		return name
	}
	for ii := 1; ; ii++ {
		candidate := fmt.Sprintf("%s_%d", name, ii)
		if _, taken := g.nameToID[candidate]; !taken {
			return candidate
		}
	}
}

// Node returns the node with the given id, or nil if it was removed or never existed.
func (g *Graph) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// IsLive returns whether id refers to a node currently in the graph.
func (g *Graph) IsLive(id NodeID) bool { return g.Node(id) != nil }

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node {
	id, found := g.nameToID[name]
	if !found {
		return nil
	}
	return g.Node(id)
}

// Nodes returns all live nodes in NodeID order, which is also creation order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, 0, g.numLive)
	for _, n := range g.nodes {
		if n != nil {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NodesOfType returns the live nodes whose operator type is one of opTypes, in NodeID order.
func (g *Graph) NodesOfType(opTypes ...string) []*Node {
	var nodes []*Node
	for _, n := range g.nodes {
		if n != nil && slices.Contains(opTypes, n.opType) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// NumNodes returns the number of live nodes.
func (g *Graph) NumNodes() int { return g.numLive }

// NumEdges returns the number of data and control edges in the graph.
func (g *Graph) NumEdges() (data, control int) {
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		data += n.NumConsumerEdges()
		control += len(n.controlOut)
	}
	return
}

// RemoveNode deletes a node from the graph. It fails if the node still has any data or control
// edge attached: the caller must unlink (or redirect) them first.
func (g *Graph) RemoveNode(id NodeID) error {
	n := g.Node(id)
	if n == nil {
		return errors.Errorf("RemoveNode(#%d): node not in graph %q", id, g.name)
	}
	if n.HasEdges() {
		return errors.Errorf("RemoveNode(%s): node still has edges attached", n)
	}
	delete(g.nameToID, n.name)
	g.nodes[id] = nil
	g.numLive--
	n.graph = nil
	return nil
}

// Clone returns a deep copy of the graph. NodeIDs are preserved, the graph id is new.
func (g *Graph) Clone() *Graph {
	g2 := NewGraph(g.name)
	g2.nodes = make([]*Node, len(g.nodes))
	g2.numLive = g.numLive
	for id, n := range g.nodes {
		if n == nil {
			continue
		}
		n2 := &Node{
			graph:       g2,
			id:          n.id,
			name:        n.name,
			opType:      n.opType,
			inputDescs:  make([]*TensorDesc, len(n.inputDescs)),
			outputDescs: make([]*TensorDesc, len(n.outputDescs)),
			attrs:       cloneAttrs(n.attrs),
			inputs:      slices.Clone(n.inputs),
			outputs:     make([][]InAnchor, len(n.outputs)),
			controlIn:   n.controlIn.Clone(),
			controlOut:  n.controlOut.Clone(),
		}
		for ii, d := range n.inputDescs {
			n2.inputDescs[ii] = d.Clone()
		}
		for ii, d := range n.outputDescs {
			n2.outputDescs[ii] = d.Clone()
		}
		for ii, consumers := range n.outputs {
			n2.outputs[ii] = slices.Clone(consumers)
		}
		g2.nodes[id] = n2
		g2.nameToID[n2.name] = n2.id
	}
	return g2
}

// String dumps the whole graph, one node per block, in NodeID order.
// The output is deterministic, so it can be used to compare graphs.
func (g *Graph) String() string {
	var sb strings.Builder
	data, control := g.NumEdges()
	fmt.Fprintf(&sb, "Graph %q: %d nodes, %d data edges, %d control edges\n", g.name, g.numLive, data, control)
	for _, n := range g.Nodes() {
		sb.WriteString(n.Describe())
	}
	return sb.String()
}
