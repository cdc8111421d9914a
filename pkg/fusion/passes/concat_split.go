// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/platform"
	"github.com/gomlx/fusion/pkg/surgery"
	"k8s.io/klog/v2"
)

// ConcatSplitName is the registered name of ConcatSplit.
const ConcatSplitName = "ConcatSplitPass"

// ConcatSplit splits a ConcatV2D with more inputs than the platform supports into a tree of
// ConcatV2D nodes, each within the limit.
//
// If the platform information is not available platform.DefaultMaxConcatInputs is used.
type ConcatSplit struct{}

var _ fusion.Pass = (*ConcatSplit)(nil)

// Name implements fusion.Pass.
func (p *ConcatSplit) Name() string { return ConcatSplitName }

// Patterns implements fusion.Pass.
func (p *ConcatSplit) Patterns() []*pattern.Descriptor {
	return []*pattern.Descriptor{
		pattern.New("concat").AddRole("concat", []string{OpConcatV2D}, 1, 1).SetHead("concat"),
	}
}

// concatOperand is one operand of a concatenation of the split tree: an input of the original
// concatenation, or the output of an earlier concatenation of the plan.
type concatOperand struct {
	src     ir.OutAnchor
	planned int // Index in the plan, or -1 for src.
	desc    *ir.TensorDesc
}

// concatGroup is one concatenation of the split tree.
type concatGroup struct {
	operands []concatOperand
	output   *ir.TensorDesc
}

// groupOperands splits the operands in consecutive groups of at most limit operands.
func groupOperands(operands []concatOperand, limit int) [][]concatOperand {
	var groups [][]concatOperand
	for start := 0; start < len(operands); start += limit {
		groups = append(groups, operands[start:min(start+limit, len(operands))])
	}
	return groups
}

// planSplit computes the concatenations of the split tree, level by level, with the root last.
// Shapes are inferred on the way, so the graph is only changed once the whole tree is known to be valid.
func (p *ConcatSplit) planSplit(rc *fusion.RewriteContext, concat *ir.Node, srcs []ir.OutAnchor, limit int) ([]concatGroup, error) {
	descs := concat.InputDescs()
	level := make([]concatOperand, len(srcs))
	for ii, src := range srcs {
		level[ii] = concatOperand{src: src, planned: -1, desc: descs[ii]}
	}
	var plan []concatGroup
	addGroup := func(operands []concatOperand) (concatOperand, error) {
		inputs := make([]*ir.TensorDesc, len(operands))
		for ii, operand := range operands {
			inputs[ii] = operand.desc
		}
		outputs, err := inferDetached(rc.Shapes, OpConcatV2D, concat, inputs, concat.OutputDescs())
		if err != nil {
			return concatOperand{}, err
		}
		plan = append(plan, concatGroup{operands: operands, output: outputs[0]})
		return concatOperand{planned: len(plan) - 1, desc: outputs[0]}, nil
	}
	for len(level) > limit {
		var next []concatOperand
		for _, group := range groupOperands(level, limit) {
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			operand, err := addGroup(group)
			if err != nil {
				return nil, err
			}
			next = append(next, operand)
		}
		level = next
	}
	if _, err := addGroup(level); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *ConcatSplit) concatLimit(rc *fusion.RewriteContext) int {
	info, err := platformInfo(rc)
	if err != nil {
		klog.V(2).Infof("%s: using default limit of %d inputs: %v", p.Name(), platform.DefaultMaxConcatInputs, err)
		return platform.DefaultMaxConcatInputs
	}
	return info.ConcatLimit()
}

// Rewrite implements fusion.Pass.
func (p *ConcatSplit) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	g := rc.Graph
	concat := rc.Node(m, "concat")
	limit := p.concatLimit(rc)
	if limit < 2 {
		return fusion.NotApplicable("platform concatenation limit %d is too small to split", limit)
	}
	if concat.NumInputs() <= limit {
		return fusion.NotApplicable("%s has %d inputs, within the limit of %d", concat, concat.NumInputs(), limit)
	}
	if concat.NumOutputs() != 1 {
		return fusion.NotApplicable("%s has %d outputs", concat, concat.NumOutputs())
	}
	srcs, connected := producers(concat)
	if !connected {
		return fusion.NotApplicable("%s has unconnected inputs", concat)
	}
	if !rc.Shapes.Has(OpConcatV2D) {
		return fusion.NotApplicable("no shape inference for %s", OpConcatV2D)
	}

	plan, err := p.planSplit(rc, concat, srcs, limit)
	if err != nil {
		return fusion.NotApplicable("operands of %s cannot be concatenated: %v", concat, err)
	}

	built := make([]*ir.Node, len(plan))
	newNodes := make([]ir.NodeID, len(plan))
	for ii, group := range plan {
		inputs := make([]*ir.TensorDesc, len(group.operands))
		for jj, operand := range group.operands {
			inputs[jj] = surgery.CloneDesc(operand.desc)
		}
		n := g.AddNode(fmt.Sprintf("%s_split_%d", concat.Name(), ii), OpConcatV2D,
			inputs, []*ir.TensorDesc{surgery.CloneDesc(group.output)})
		n.CopyAttrsFrom(concat)
		for jj, operand := range group.operands {
			src := operand.src
			if operand.planned >= 0 {
				src = built[operand.planned].Out(0)
			}
			if err := g.Connect(src, n.In(jj)); err != nil {
				return failed(p.Name(), err)
			}
		}
		built[ii], newNodes[ii] = n, n.ID()
	}
	root := built[len(built)-1]
	if err := surgery.RedirectConsumers(g, concat.Out(0), root.Out(0)); err != nil {
		return failed(p.Name(), err)
	}
	if err := surgery.RedirectControlEdges(g, concat.ID(), root.ID()); err != nil {
		return failed(p.Name(), err)
	}
	if err := surgery.RemoveNodeSet(g, concat.ID()); err != nil {
		return failed(p.Name(), err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: split %s (%d inputs) into %d concatenations", p.Name(), concat, len(srcs), len(newNodes))
	}
	return fusion.Applied(newNodes...)
}
