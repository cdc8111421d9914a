// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/pkg/errors"
)

func (g *Graph) liveNode(id NodeID, op string) (*Node, error) {
	n := g.Node(id)
	if n == nil {
		return nil, errors.Errorf("%s: node #%d is not in graph %q", op, id, g.name)
	}
	return n, nil
}

func (g *Graph) checkAnchors(op string, src OutAnchor, dst InAnchor) (srcNode, dstNode *Node, err error) {
	if srcNode, err = g.liveNode(src.Node, op); err != nil {
		return
	}
	if dstNode, err = g.liveNode(dst.Node, op); err != nil {
		return
	}
	if src.Index < 0 || src.Index >= srcNode.NumOutputs() {
		err = errors.Errorf("%s: %s has no output %d", op, srcNode, src.Index)
		return
	}
	if dst.Index < 0 || dst.Index >= dstNode.NumInputs() {
		err = errors.Errorf("%s: %s has no input %d", op, dstNode, dst.Index)
	}
	return
}

// Connect adds a data edge from src to dst. The input slot dst must not be connected yet.
func (g *Graph) Connect(src OutAnchor, dst InAnchor) error {
	srcNode, dstNode, err := g.checkAnchors("Connect", src, dst)
	if err != nil {
		return err
	}
	if current := dstNode.inputs[dst.Index]; current.Valid() {
		return errors.Errorf("Connect(%s -> %s): input already fed by %s", src, dst, current)
	}
	if src.Node == dst.Node {
		return errors.Errorf("Connect(%s -> %s): self loop", src, dst)
	}
	dstNode.inputs[dst.Index] = src
	srcNode.outputs[src.Index] = append(srcNode.outputs[src.Index], dst)
	return nil
}

// Disconnect removes the data edge from src to dst.
func (g *Graph) Disconnect(src OutAnchor, dst InAnchor) error {
	srcNode, dstNode, err := g.checkAnchors("Disconnect", src, dst)
	if err != nil {
		return err
	}
	if dstNode.inputs[dst.Index] != src {
		return errors.Errorf("Disconnect(%s -> %s): no such edge", src, dst)
	}
	dstNode.inputs[dst.Index] = noProducer
	srcNode.outputs[src.Index] = slices.DeleteFunc(srcNode.outputs[src.Index], func(a InAnchor) bool { return a == dst })
	return nil
}

// HasEdge returns whether there is a data edge from src to dst.
func (g *Graph) HasEdge(src OutAnchor, dst InAnchor) bool {
	dstNode := g.Node(dst.Node)
	if dstNode == nil || dst.Index < 0 || dst.Index >= dstNode.NumInputs() {
		return false
	}
	return dstNode.inputs[dst.Index] == src
}

// Feeds returns whether any output of node from is read by any input of node to.
func (g *Graph) Feeds(from, to NodeID) bool {
	toNode := g.Node(to)
	if toNode == nil {
		return false
	}
	return slices.ContainsFunc(toNode.inputs, func(src OutAnchor) bool { return src.Node == from })
}

// AddControlEdge adds a control dependency: to only runs after from. Adding an existing edge is a no-op.
func (g *Graph) AddControlEdge(from, to NodeID) error {
	fromNode, err := g.liveNode(from, "AddControlEdge")
	if err != nil {
		return err
	}
	toNode, err := g.liveNode(to, "AddControlEdge")
	if err != nil {
		return err
	}
	if from == to {
		return errors.Errorf("AddControlEdge(%s): self loop", fromNode)
	}
	fromNode.controlOut.Insert(to)
	toNode.controlIn.Insert(from)
	return nil
}

// RemoveControlEdge removes a control dependency.
func (g *Graph) RemoveControlEdge(from, to NodeID) error {
	fromNode, err := g.liveNode(from, "RemoveControlEdge")
	if err != nil {
		return err
	}
	toNode, err := g.liveNode(to, "RemoveControlEdge")
	if err != nil {
		return err
	}
	if !fromNode.controlOut.Has(to) {
		return errors.Errorf("RemoveControlEdge(%s -> %s): no such edge", fromNode, toNode)
	}
	fromNode.controlOut.Remove(to)
	toNode.controlIn.Remove(from)
	return nil
}

// Unlink removes every data and control edge attached to the node, leaving it isolated
// (but still in the graph).
func (g *Graph) Unlink(id NodeID) error {
	n, err := g.liveNode(id, "Unlink")
	if err != nil {
		return err
	}
	for ii, src := range n.inputs {
		if !src.Valid() {
			continue
		}
		if err := g.Disconnect(src, InAnchor{Node: id, Index: ii}); err != nil {
			return errors.WithMessagef(err, "Unlink(%s)", n)
		}
	}
	for ii := range n.outputs {
		for _, dst := range slices.Clone(n.outputs[ii]) {
			if err := g.Disconnect(OutAnchor{Node: id, Index: ii}, dst); err != nil {
				return errors.WithMessagef(err, "Unlink(%s)", n)
			}
		}
	}
	for _, pred := range n.ControlPredecessors() {
		if err := g.RemoveControlEdge(pred, id); err != nil {
			return err
		}
	}
	for _, succ := range n.ControlSuccessors() {
		if err := g.RemoveControlEdge(id, succ); err != nil {
			return err
		}
	}
	return nil
}
