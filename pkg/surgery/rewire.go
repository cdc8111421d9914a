// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package surgery

import (
	"github.com/gomlx/fusion/pkg/ir"
	"k8s.io/klog/v2"
)

// InsertNodeBetween replaces the data edge src -> dst by src -> n -> dst, using input 0 and output 0 of n.
//
// The edge must exist, input 0 of n must be unconnected and accept the dtype of src. Afterwards the input
// descriptor of dst is a copy of the output descriptor of n.
func InsertNodeBetween(g *ir.Graph, src ir.OutAnchor, dst ir.InAnchor, n ir.NodeID) error {
	const op = "InsertNodeBetween"
	srcNode, err := checkOutput(g, src, op)
	if err != nil {
		return err
	}
	newNode, err := liveNode(g, n, op)
	if err != nil {
		return err
	}
	if !g.HasEdge(src, dst) {
		return surgeryErrorf("%s: no edge %s -> %s", op, src, dst)
	}
	if n == src.Node || n == dst.Node {
		return surgeryErrorf("%s: %s is already an endpoint of %s -> %s", op, newNode, src, dst)
	}
	if newNode.NumInputs() < 1 || newNode.NumOutputs() < 1 {
		return surgeryErrorf("%s: %s needs at least one input and one output slot", op, newNode)
	}
	if producer, connected := newNode.Producer(0); connected {
		return surgeryErrorf("%s: input 0 of %s is already fed by %s", op, newNode, producer)
	}
	srcDType := srcNode.OutputDesc(src.Index).DType
	if inDType := newNode.InputDesc(0).DType; inDType != srcDType {
		return surgeryErrorf("%s: %s input 0 takes %s, but %s produces %s", op, newNode, inDType, src, srcDType)
	}

	if err := g.Disconnect(src, dst); err != nil {
		return surgeryWrapf(err, "%s", op)
	}
	if err := g.Connect(src, newNode.In(0)); err != nil {
		return surgeryWrapf(err, "%s", op)
	}
	if err := g.Connect(newNode.Out(0), dst); err != nil {
		return surgeryWrapf(err, "%s", op)
	}
	g.Node(dst.Node).SetInputDesc(dst.Index, newNode.OutputDesc(0).Clone())
	return nil
}

// RedirectConsumers moves every consumer of oldSrc to read from newSrc instead, each at the same
// input slot. Consumers that are the node of newSrc itself (e.g. a node inserted after oldSrc) are
// left reading oldSrc. Input descriptors of the consumers are not changed.
func RedirectConsumers(g *ir.Graph, oldSrc, newSrc ir.OutAnchor) error {
	const op = "RedirectConsumers"
	oldNode, err := checkOutput(g, oldSrc, op)
	if err != nil {
		return err
	}
	if _, err := checkOutput(g, newSrc, op); err != nil {
		return err
	}
	if oldSrc == newSrc {
		return surgeryErrorf("%s: source and destination are the same anchor %s", op, oldSrc)
	}
	var moved int
	for _, dst := range oldNode.Consumers(oldSrc.Index) {
		if dst.Node == newSrc.Node {
			continue
		}
		if err := g.Disconnect(oldSrc, dst); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
		if err := g.Connect(newSrc, dst); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
		moved++
	}
	if klog.V(3).Enabled() {
		klog.Infof("%s: moved %d consumer(s) from %s to %s", op, moved, oldSrc, newSrc)
	}
	return nil
}

// RedirectControlEdges moves all control predecessors and successors of from to the node to.
// Edges that would become self loops on to are dropped.
func RedirectControlEdges(g *ir.Graph, from, to ir.NodeID) error {
	const op = "RedirectControlEdges"
	fromNode, err := liveNode(g, from, op)
	if err != nil {
		return err
	}
	if _, err := liveNode(g, to, op); err != nil {
		return err
	}
	if from == to {
		return surgeryErrorf("%s: source and destination are the same node %s", op, fromNode)
	}
	for _, pred := range fromNode.ControlPredecessors() {
		if err := g.RemoveControlEdge(pred, from); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
		if pred == to {
			continue
		}
		if err := g.AddControlEdge(pred, to); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
	}
	for _, succ := range fromNode.ControlSuccessors() {
		if err := g.RemoveControlEdge(from, succ); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
		if succ == to {
			continue
		}
		if err := g.AddControlEdge(to, succ); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
	}
	return nil
}

// RemoveNodeSet unlinks every edge still attached to the nodes and removes them from the graph.
//
// Edges to nodes outside the set are lost: callers must first redirect the ones whose other end
// must survive. All ids are checked before anything is removed.
func RemoveNodeSet(g *ir.Graph, ids ...ir.NodeID) error {
	const op = "RemoveNodeSet"
	seen := make(map[ir.NodeID]bool, len(ids))
	for _, id := range ids {
		if _, err := liveNode(g, id, op); err != nil {
			return err
		}
		if seen[id] {
			return surgeryErrorf("%s: node %s listed twice", op, g.Node(id))
		}
		seen[id] = true
	}
	for _, id := range ids {
		if err := g.Unlink(id); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
	}
	for _, id := range ids {
		if err := g.RemoveNode(id); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
	}
	return nil
}
