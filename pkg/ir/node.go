// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusion/pkg/support/sets"
)

// NodeID is the handle of a Node within its Graph. It is the index of the node in the graph arena,
// and it is never reused, even after the node is removed.
type NodeID int

// InvalidNodeID is returned when there is no node.
const InvalidNodeID = NodeID(-1)

// Node is one operator in the dataflow graph.
//
// Nodes are owned by the Graph: create them with Graph.AddNode and remove them with Graph.RemoveNode.
// Everyone else should hold on to the NodeID, and check Graph.IsLive before using a stale one.
type Node struct {
	graph  *Graph
	id     NodeID
	name   string
	opType string

	inputDescs  []*TensorDesc
	outputDescs []*TensorDesc
	attrs       map[string]any

	// inputs holds the producer of each input slot (noProducer if unconnected).
	inputs []OutAnchor

	// outputs holds the consumers of each output slot, in the order they were connected.
	outputs [][]InAnchor

	controlIn, controlOut sets.Set[NodeID]
}

// ID of the node within its Graph.
func (n *Node) ID() NodeID { return n.id }

// Name of the node, unique within its Graph.
func (n *Node) Name() string { return n.name }

// OpType is the operator type tag, e.g.: "Conv2D", "TransData".
func (n *Node) OpType() string { return n.opType }

// SetOpType changes the operator type of the node. Passes use it to turn a node into its fused form in place.
func (n *Node) SetOpType(opType string) { n.opType = opType }

// Graph owning the node.
func (n *Node) Graph() *Graph { return n.graph }

// NumInputs returns the number of input slots.
func (n *Node) NumInputs() int { return len(n.inputDescs) }

// NumOutputs returns the number of output slots.
func (n *Node) NumOutputs() int { return len(n.outputDescs) }

func (n *Node) checkInput(idx int) {
	if idx < 0 || idx >= len(n.inputDescs) {
		exceptions.Panicf("node %s: input index %d out-of-bounds (%d inputs)", n, idx, len(n.inputDescs))
	}
}

func (n *Node) checkOutput(idx int) {
	if idx < 0 || idx >= len(n.outputDescs) {
		exceptions.Panicf("node %s: output index %d out-of-bounds (%d outputs)", n, idx, len(n.outputDescs))
	}
}

// InputDesc returns the (mutable) descriptor of input idx.
func (n *Node) InputDesc(idx int) *TensorDesc {
	n.checkInput(idx)
	return n.inputDescs[idx]
}

// OutputDesc returns the (mutable) descriptor of output idx.
func (n *Node) OutputDesc(idx int) *TensorDesc {
	n.checkOutput(idx)
	return n.outputDescs[idx]
}

// SetInputDesc replaces the descriptor of input idx.
func (n *Node) SetInputDesc(idx int, desc *TensorDesc) {
	n.checkInput(idx)
	n.inputDescs[idx] = desc
}

// SetOutputDesc replaces the descriptor of output idx.
func (n *Node) SetOutputDesc(idx int, desc *TensorDesc) {
	n.checkOutput(idx)
	n.outputDescs[idx] = desc
}

// InputDescs returns the list of input descriptors. The slice is a copy, the descriptors are not.
func (n *Node) InputDescs() []*TensorDesc { return slices.Clone(n.inputDescs) }

// OutputDescs returns the list of output descriptors. The slice is a copy, the descriptors are not.
func (n *Node) OutputDescs() []*TensorDesc { return slices.Clone(n.outputDescs) }

// In returns the anchor of input slot idx.
func (n *Node) In(idx int) InAnchor {
	n.checkInput(idx)
	return InAnchor{Node: n.id, Index: idx}
}

// Out returns the anchor of output slot idx.
func (n *Node) Out(idx int) OutAnchor {
	n.checkOutput(idx)
	return OutAnchor{Node: n.id, Index: idx}
}

// Producer returns the output anchor feeding input idx, and false if the input is not connected.
func (n *Node) Producer(idx int) (OutAnchor, bool) {
	n.checkInput(idx)
	src := n.inputs[idx]
	return src, src.Valid()
}

// Consumers returns the input anchors reading from output idx.
func (n *Node) Consumers(idx int) []InAnchor {
	n.checkOutput(idx)
	return slices.Clone(n.outputs[idx])
}

// NumConsumerEdges returns the number of data edges leaving the node, over all outputs.
func (n *Node) NumConsumerEdges() int {
	count := 0
	for _, consumers := range n.outputs {
		count += len(consumers)
	}
	return count
}

// DataProducers returns the distinct nodes feeding the inputs, in input slot order.
func (n *Node) DataProducers() []NodeID {
	var ids []NodeID
	for _, src := range n.inputs {
		if src.Valid() && !slices.Contains(ids, src.Node) {
			ids = append(ids, src.Node)
		}
	}
	return ids
}

// DataConsumers returns the distinct nodes reading any output, sorted by NodeID.
func (n *Node) DataConsumers() []NodeID {
	seen := sets.Make[NodeID]()
	for _, consumers := range n.outputs {
		for _, dst := range consumers {
			seen.Insert(dst.Node)
		}
	}
	return sets.Sorted(seen)
}

// ControlPredecessors returns the nodes with a control edge into n, sorted.
func (n *Node) ControlPredecessors() []NodeID { return sets.Sorted(n.controlIn) }

// ControlSuccessors returns the nodes n has a control edge to, sorted.
func (n *Node) ControlSuccessors() []NodeID { return sets.Sorted(n.controlOut) }

// HasControlEdges returns whether n has any control edge, in either direction.
func (n *Node) HasControlEdges() bool { return len(n.controlIn)+len(n.controlOut) > 0 }

// HasEdges returns whether the node has any data or control edge attached.
func (n *Node) HasEdges() bool {
	if n.HasControlEdges() || n.NumConsumerEdges() > 0 {
		return true
	}
	return slices.ContainsFunc(n.inputs, OutAnchor.Valid)
}

// IsDynamic returns whether any input or output of the node has a dynamic shape.
func (n *Node) IsDynamic() bool {
	for _, d := range n.inputDescs {
		if d.IsDynamic() {
			return true
		}
	}
	for _, d := range n.outputDescs {
		if d.IsDynamic() {
			return true
		}
	}
	return false
}

// String returns a short description of the node.
func (n *Node) String() string {
	if n == nil {
		return "<nil node>"
	}
	return fmt.Sprintf("%s(#%d %q)", n.opType, n.id, n.name)
}

// Describe returns a multi-line description of the node, its descriptors and edges.
func (n *Node) Describe() string {
	var sb strings.Builder
	sb.WriteString(n.String())
	for _, name := range n.AttrNames() {
		fmt.Fprintf(&sb, " %s=%v", name, n.attrs[name])
	}
	sb.WriteString("\n")
	for ii, desc := range n.inputDescs {
		src := "-"
		if n.inputs[ii].Valid() {
			src = n.inputs[ii].String()
		}
		fmt.Fprintf(&sb, "  in%d <- %s: %s\n", ii, src, desc)
	}
	for ii, desc := range n.outputDescs {
		fmt.Fprintf(&sb, "  out%d -> %v: %s\n", ii, n.outputs[ii], desc)
	}
	if n.HasControlEdges() {
		fmt.Fprintf(&sb, "  ctrl in=%v out=%v\n", n.ControlPredecessors(), n.ControlSuccessors())
	}
	return sb.String()
}
