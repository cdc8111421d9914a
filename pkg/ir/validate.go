// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Validate checks the structural consistency of the graph: every edge endpoint is a live node
// with the referenced slot, and both ends of every edge agree on it. All problems found are
// returned combined in one error.
func (g *Graph) Validate() error {
	var err error
	for id, n := range g.nodes {
		if n == nil {
			continue
		}
		if n.id != NodeID(id) || n.graph != g {
			err = multierr.Append(err, errors.Errorf("%s: corrupted arena entry #%d", n, id))
		}
		if len(n.inputs) != len(n.inputDescs) || len(n.outputs) != len(n.outputDescs) {
			err = multierr.Append(err, errors.Errorf("%s: slot count doesn't match descriptor count", n))
			continue
		}
		for ii, src := range n.inputs {
			if !src.Valid() {
				continue
			}
			dst := InAnchor{Node: n.id, Index: ii}
			srcNode := g.Node(src.Node)
			if srcNode == nil || src.Index >= srcNode.NumOutputs() {
				err = multierr.Append(err, errors.Errorf("%s: input %d fed by dangling anchor %s", n, ii, src))
				continue
			}
			if !slices.Contains(srcNode.outputs[src.Index], dst) {
				err = multierr.Append(err, errors.Errorf("%s: input %d fed by %s, which doesn't list it as consumer", n, ii, src))
			}
		}
		for ii, consumers := range n.outputs {
			for _, dst := range consumers {
				dstNode := g.Node(dst.Node)
				if dstNode == nil || dst.Index >= dstNode.NumInputs() {
					err = multierr.Append(err, errors.Errorf("%s: output %d read by dangling anchor %s", n, ii, dst))
					continue
				}
				if dstNode.inputs[dst.Index] != (OutAnchor{Node: n.id, Index: ii}) {
					err = multierr.Append(err, errors.Errorf("%s: output %d lists consumer %s, which reads from %s", n, ii, dst, dstNode.inputs[dst.Index]))
				}
			}
		}
		for succ := range n.controlOut {
			succNode := g.Node(succ)
			if succNode == nil || !succNode.controlIn.Has(n.id) {
				err = multierr.Append(err, errors.Errorf("%s: dangling control edge to #%d", n, succ))
			}
		}
		for pred := range n.controlIn {
			predNode := g.Node(pred)
			if predNode == nil || !predNode.controlOut.Has(n.id) {
				err = multierr.Append(err, errors.Errorf("%s: dangling control edge from #%d", n, pred))
			}
		}
	}
	return err
}

// References returns whether any live node has an edge (data or control) to or from id.
// It is used to check that a removed node left nothing behind.
func (g *Graph) References(id NodeID) bool {
	for _, n := range g.nodes {
		if n == nil {
			continue
		}
		if n.controlIn.Has(id) || n.controlOut.Has(id) {
			return true
		}
		if slices.ContainsFunc(n.inputs, func(src OutAnchor) bool { return src.Node == id }) {
			return true
		}
		for _, consumers := range n.outputs {
			if slices.ContainsFunc(consumers, func(dst InAnchor) bool { return dst.Node == id }) {
				return true
			}
		}
	}
	return false
}
