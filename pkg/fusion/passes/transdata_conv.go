// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"k8s.io/klog/v2"
)

// TransDataConv2DTransDataName is the registered name of TransDataConv2DTransData.
const TransDataConv2DTransDataName = "TransDataConv2DTransDataFusionPass"

// FusedTransDataConv2DTransData is the value of ir.AttrFusionOpType set by TransDataConv2DTransData.
const FusedTransDataConv2DTransData = "TransDataConv2DTransData"

// TransDataConv2DTransData tags a dynamic Conv2D surrounded by layout conversions
// (NCHW -> NC1HWC0 -> Conv2D -> NC1HWC0 -> NCHW) to be compiled as a single kernel.
//
// Only convolutions whose declared input ranges are unbounded qualify: the fused kernel doesn't
// specialize on ranges. The C0 axis of a 5D NC1HWC0 range is fixed and not considered.
type TransDataConv2DTransData struct{}

var _ fusion.Pass = (*TransDataConv2DTransData)(nil)

// Name implements fusion.Pass.
func (p *TransDataConv2DTransData) Name() string { return TransDataConv2DTransDataName }

// Patterns implements fusion.Pass.
func (p *TransDataConv2DTransData) Patterns() []*pattern.Descriptor {
	d := pattern.New("transdata_conv2d_transdata").
		AddRole("trans_in", []string{OpTransData}, 1, 1).
		AddRole("conv", []string{OpConv2D}, 1, 1, pattern.Shape(pattern.ShapeDynamic)).
		AddRole("trans_out", []string{OpTransData}, 1, 1).
		SetHead("trans_in").
		SetOutputs("trans_in", []string{"conv"}, pattern.BranchSingle, true).
		SetOutputs("conv", []string{"trans_out"}, pattern.BranchSingle, true).
		SetOutput("trans_out")
	return []*pattern.Descriptor{d}
}

// Rewrite implements fusion.Pass.
func (p *TransDataConv2DTransData) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	transIn, conv, transOut := rc.Node(m, "trans_in"), rc.Node(m, "conv"), rc.Node(m, "trans_out")
	if transIn.NumInputs() != 1 || transOut.NumInputs() != 1 {
		return fusion.NotApplicable("TransData nodes must have a single input")
	}
	if from, to := transIn.InputDesc(0).Format, transIn.OutputDesc(0).Format; from != ir.FormatNCHW || to != ir.FormatNC1HWC0 {
		return fusion.NotApplicable("%s converts %s to %s, want NCHW to NC1HWC0", transIn, from, to)
	}
	if from, to := transOut.InputDesc(0).Format, transOut.OutputDesc(0).Format; from != ir.FormatNC1HWC0 || to != ir.FormatNCHW {
		return fusion.NotApplicable("%s converts %s to %s, want NC1HWC0 to NCHW", transOut, from, to)
	}
	if conv.NumInputs() < 2 {
		return fusion.NotApplicable("%s has %d inputs", conv, conv.NumInputs())
	}
	if src, _ := conv.Producer(0); src.Node != transIn.ID() {
		return fusion.NotApplicable("%s is not the input activation of %s", transIn, conv)
	}
	input := conv.InputDesc(0)
	if !input.IsDynamic() {
		return fusion.NotApplicable("input %s of %s is static", input, conv)
	}
	// The C0 axis of a 5D NC1HWC0 range is fixed by the format.
	var skipAxes []int
	if input.Format == ir.FormatNC1HWC0 && len(input.ShapeRange) == 5 {
		skipAxes = append(skipAxes, 4)
	}
	if !input.HasUnboundedRange(skipAxes...) {
		return fusion.NotApplicable("input %s of %s has a bounded shape range", input, conv)
	}
	if conv.HasControlEdges() {
		return fusion.NotApplicable("%s has control edges", conv)
	}
	if n := inFusionScope(transIn, conv, transOut); n != nil {
		return fusion.NotApplicable("%s is already in a fusion scope", n)
	}

	scope := int64(transIn.ID())
	ir.SetAttr(transIn, ir.AttrFusionOpType, FusedTransDataConv2DTransData)
	for _, n := range []*ir.Node{transIn, conv, transOut} {
		ir.SetAttr(n, ir.AttrFusionScope, scope)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: fused %s -> %s -> %s in scope %d", p.Name(), transIn, conv, transOut, scope)
	}
	return fusion.Applied()
}
