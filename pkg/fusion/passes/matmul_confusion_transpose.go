// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/shapeinference"
	"github.com/gomlx/fusion/pkg/surgery"
	"k8s.io/klog/v2"
)

// MatMulConfusionTransposeName is the registered name of MatMulConfusionTranspose.
const MatMulConfusionTransposeName = "MatMulConfusionTransposeFusionPass"

// Attributes of a BatchMatMulV2 read or written by MatMulConfusionTranspose.
const (
	// AttrTraining marks nodes of a training graph, whose outputs may be needed as they are by
	// the backward computation.
	AttrTraining = "is_training"

	// AttrOutputShape and AttrOutputPerm make the matmul reshape, then transpose its result.
	AttrOutputShape = "output_shape"
	AttrOutputPerm  = "output_perm"
)

// MatMulConfusionTranspose folds a ConfusionTransposeD (reshape then transpose) into the
// BatchMatMulV2 that feeds it, which then writes its output directly in the transposed layout.
type MatMulConfusionTranspose struct{}

var _ fusion.Pass = (*MatMulConfusionTranspose)(nil)

// Name implements fusion.Pass.
func (p *MatMulConfusionTranspose) Name() string { return MatMulConfusionTransposeName }

// Patterns implements fusion.Pass.
func (p *MatMulConfusionTranspose) Patterns() []*pattern.Descriptor {
	d := pattern.New("matmul_confusion_transpose").
		AddRole("matmul", []string{OpBatchMatMulV2}, 1, 1).
		AddRole("transposes", []string{OpConfusionTransposeD}, 1, pattern.Many, pattern.Repeatable()).
		SetHead("matmul").
		SetOutputs("matmul", []string{"transposes"}, pattern.BranchAny, true)
	return []*pattern.Descriptor{d}
}

// confusionMatch is what analyzeConfusion learns about a match.
type confusionMatch struct {
	matmuls    []*ir.Node
	transposes []*ir.Node

	// training is set if any of the nodes belongs to a training graph.
	training bool
}

func analyzeConfusion(rc *fusion.RewriteContext, m *pattern.Mapping) confusionMatch {
	var cm confusionMatch
	for _, id := range m.Nodes("matmul") {
		cm.matmuls = append(cm.matmuls, rc.Graph.Node(id))
	}
	for _, id := range m.Nodes("transposes") {
		cm.transposes = append(cm.transposes, rc.Graph.Node(id))
	}
	for _, n := range slices.Concat(cm.matmuls, cm.transposes) {
		if ir.GetAttrOr(n, AttrTraining, false) {
			cm.training = true
		}
	}
	return cm
}

// Rewrite implements fusion.Pass.
func (p *MatMulConfusionTranspose) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	g := rc.Graph
	cm := analyzeConfusion(rc, m)
	if cm.training {
		return fusion.NotApplicable("training graph: the output of %s is needed untransposed", cm.matmuls[0])
	}
	if len(cm.transposes) != 1 {
		return fusion.NotApplicable("%s feeds %d transposes", cm.matmuls[0], len(cm.transposes))
	}
	matmul, transpose := cm.matmuls[0], cm.transposes[0]
	if matmul.NumOutputs() != 1 || transpose.NumInputs() != 1 || transpose.NumOutputs() != 1 {
		return fusion.NotApplicable("%s -> %s must be single input and output", matmul, transpose)
	}
	if matmul.HasAttr(AttrOutputPerm) || matmul.HasAttr(AttrOutputShape) {
		return fusion.NotApplicable("%s already transposes its output", matmul)
	}
	if ir.GetAttrOr(transpose, shapeinference.AttrTransposeFirst, false) {
		return fusion.NotApplicable("%s transposes before reshaping", transpose)
	}
	perm, found := ir.GetAttr[[]int64](transpose, shapeinference.AttrPerm)
	if !found {
		return fusion.NotApplicable("%s has no %q attribute", transpose, shapeinference.AttrPerm)
	}
	if transpose.HasControlEdges() {
		return fusion.NotApplicable("%s has control edges", transpose)
	}

	ir.SetAttr(matmul, AttrOutputPerm, perm)
	if shape, found := ir.GetAttr[[]int64](transpose, shapeinference.AttrShape); found {
		ir.SetAttr(matmul, AttrOutputShape, shape)
	}
	matmul.SetOutputDesc(0, surgery.CloneDesc(transpose.OutputDesc(0)))
	if err := surgery.RedirectConsumers(g, transpose.Out(0), matmul.Out(0)); err != nil {
		return failed(p.Name(), err)
	}
	if err := surgery.RemoveNodeSet(g, transpose.ID()); err != nil {
		return failed(p.Name(), err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: folded %s into %s with perm %v", p.Name(), transpose, matmul, perm)
	}
	return fusion.Applied()
}
