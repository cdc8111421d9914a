// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/surgery"
	"github.com/pkg/errors"
)

// MatMulBiasAddName is the registered name of MatMulBiasAdd.
const MatMulBiasAddName = "MatMulBiasAddFusionPass"

// MatMulBiasAdd replaces MatMulV2 followed by BiasAdd with a single MatMulV2 taking the bias as
// its third input.
type MatMulBiasAdd struct{}

var _ fusion.Pass = (*MatMulBiasAdd)(nil)

// Name implements fusion.Pass.
func (p *MatMulBiasAdd) Name() string { return MatMulBiasAddName }

// Patterns implements fusion.Pass.
func (p *MatMulBiasAdd) Patterns() []*pattern.Descriptor {
	d := pattern.New("matmul_biasadd").
		AddRole("matmul", []string{OpMatMulV2}, 1, 1).
		AddRole("bias", nil, 1, 1).
		AddRole("bias_add", []string{OpBiasAdd}, 1, 1).
		SetHead("matmul").
		SetOutputs("matmul", []string{"bias_add"}, pattern.BranchSingle, true).
		SetOutputs("bias", []string{"bias_add"}, pattern.BranchAny, false).
		SetOutput("bias_add")
	return []*pattern.Descriptor{d}
}

// Rewrite implements fusion.Pass.
func (p *MatMulBiasAdd) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	g := rc.Graph
	matmul, biasAdd := rc.Node(m, "matmul"), rc.Node(m, "bias_add")
	if matmul.NumInputs() != 2 || matmul.NumOutputs() != 1 {
		return fusion.NotApplicable("%s already has %d inputs", matmul, matmul.NumInputs())
	}
	if biasAdd.NumInputs() != 2 || biasAdd.NumOutputs() != 1 {
		return fusion.NotApplicable("%s must have 2 inputs and 1 output", biasAdd)
	}
	matmulInputs, connected := producers(matmul)
	if !connected {
		return fusion.NotApplicable("%s has unconnected inputs", matmul)
	}
	biasInputs, connected := producers(biasAdd)
	if !connected {
		return fusion.NotApplicable("%s has unconnected inputs", biasAdd)
	}
	if biasInputs[0] != matmul.Out(0) {
		return fusion.NotApplicable("%s doesn't add the bias to the output of %s", biasAdd, matmul)
	}
	out, bias := matmul.OutputDesc(0), biasAdd.InputDesc(1)
	if bias.Rank() != 1 {
		return fusion.NotApplicable("bias %s of %s is not 1D", bias, biasAdd)
	}
	if out.Rank() == 0 {
		return fusion.NotApplicable("output %s of %s is a scalar", out, matmul)
	}
	if cols := out.Dims[out.Rank()-1]; cols >= 0 && bias.Dims[0] >= 0 && cols != bias.Dims[0] {
		return fusion.NotApplicable("bias %s doesn't match the output %s of %s", bias, out, matmul)
	}
	if bias.DType != out.DType {
		return fusion.NotApplicable("bias %s and output %s of %s have different dtypes", bias, out, matmul)
	}

	inputs := []*ir.TensorDesc{matmul.InputDesc(0), matmul.InputDesc(1), bias}
	outputs, err := inferDetached(rc.Shapes, OpMatMulV2, matmul, inputs, biasAdd.OutputDescs())
	if err != nil {
		return fusion.NotApplicable("%s can't take the bias of %s: %v", matmul, biasAdd, err)
	}

	for ii, desc := range inputs {
		inputs[ii] = surgery.CloneDesc(desc)
	}
	fused := g.AddNode(matmul.Name()+"_bias", OpMatMulV2, inputs, outputs)
	fused.CopyAttrsFrom(matmul)
	srcs := []ir.OutAnchor{matmulInputs[0], matmulInputs[1], biasInputs[1]}
	for ii, src := range srcs {
		if err := g.Connect(src, fused.In(ii)); err != nil {
			return failed(p.Name(), err)
		}
	}
	if err := surgery.RedirectConsumers(g, biasAdd.Out(0), fused.Out(0)); err != nil {
		return failed(p.Name(), err)
	}
	for _, original := range []ir.NodeID{matmul.ID(), biasAdd.ID()} {
		if err := surgery.RedirectControlEdges(g, original, fused.ID()); err != nil {
			return failed(p.Name(), err)
		}
	}
	if err := surgery.RemoveNodeSet(g, matmul.ID(), biasAdd.ID()); err != nil {
		return failed(p.Name(), errors.WithMessage(err, "removing fused nodes"))
	}
	return fusion.Applied(fused.ID())
}
