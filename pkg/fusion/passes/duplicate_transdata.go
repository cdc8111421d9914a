// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/surgery"
	"k8s.io/klog/v2"
)

// DuplicateTransDataEliminationName is the registered name of DuplicateTransDataElimination.
const DuplicateTransDataEliminationName = "DuplicateTransDataEliminationPass"

// DuplicateTransDataElimination merges sibling TransData nodes that read the same tensor and
// convert it the same way: the consumers of the duplicates read from the first one instead, and
// the duplicates are removed.
type DuplicateTransDataElimination struct{}

var _ fusion.Pass = (*DuplicateTransDataElimination)(nil)

// Name implements fusion.Pass.
func (p *DuplicateTransDataElimination) Name() string { return DuplicateTransDataEliminationName }

// Patterns implements fusion.Pass.
func (p *DuplicateTransDataElimination) Patterns() []*pattern.Descriptor {
	d := pattern.New("duplicate_transdata").
		AddRole("src", nil, 1, 1).
		AddRole("trans", []string{OpTransData}, 2, pattern.Many, pattern.Repeatable()).
		SetHead("src").
		SetOutputs("src", []string{"trans"}, pattern.BranchAny, false)
	return []*pattern.Descriptor{d}
}

// sameTransData returns whether n2 computes the same value as n1.
func sameTransData(n1, n2 *ir.Node) bool {
	src1, _ := n1.Producer(0)
	src2, _ := n2.Producer(0)
	return src1 == src2 &&
		n1.InputDesc(0).Equal(n2.InputDesc(0)) &&
		n1.OutputDesc(0).Equal(n2.OutputDesc(0)) &&
		n1.SameAttrs(n2)
}

// Rewrite implements fusion.Pass.
func (p *DuplicateTransDataElimination) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	g := rc.Graph
	var candidates []*ir.Node
	for _, id := range m.Nodes("trans") {
		n := g.Node(id)
		if n.NumInputs() != 1 || n.NumOutputs() != 1 || n.HasControlEdges() || n.HasAttr(ir.AttrFusionScope) {
			continue
		}
		if _, connected := n.Producer(0); !connected {
			continue
		}
		candidates = append(candidates, n)
	}

	// Each duplicate is mapped to the first equivalent node, in NodeID order.
	var kept []*ir.Node
	duplicates := make(map[ir.NodeID]*ir.Node)
	var order []ir.NodeID
	for _, n := range candidates {
		merged := false
		for _, k := range kept {
			if sameTransData(k, n) {
				duplicates[n.ID()] = k
				order = append(order, n.ID())
				merged = true
				break
			}
		}
		if !merged {
			kept = append(kept, n)
		}
	}
	if len(order) == 0 {
		return fusion.NotApplicable("no equivalent TransData among %v", m.Nodes("trans"))
	}

	for _, id := range order {
		if err := surgery.RedirectConsumers(g, ir.OutAnchor{Node: id, Index: 0}, duplicates[id].Out(0)); err != nil {
			return failed(p.Name(), err)
		}
	}
	if err := surgery.RemoveNodeSet(g, order...); err != nil {
		return failed(p.Name(), err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: removed %d duplicate TransData node(s) %v", p.Name(), len(order), order)
	}
	return fusion.Applied()
}
