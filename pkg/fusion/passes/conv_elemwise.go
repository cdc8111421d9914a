// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"slices"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"k8s.io/klog/v2"
)

// ConvElemwiseBufferFusionName is the registered name of ConvElemwiseBufferFusion.
const ConvElemwiseBufferFusionName = "ConvElemwiseBufferFusionPass"

var (
	// ActivationTypes can follow the convolution in a buffer fusion.
	ActivationTypes = []string{"Relu", "LeakyRelu"}

	// ElemwiseTypes can close a buffer fusion.
	ElemwiseTypes = []string{"Add", "Mul"}

	// BufferFusionSocFamilies are the SoC families whose AI cores can keep the output of a
	// convolution in their unified buffer for the following element-wise operations.
	BufferFusionSocFamilies = []string{"Ascend310P", "Ascend910", "Ascend910B", "Ascend910_93"}
)

// ConvElemwiseBufferFusion tags a Conv2D and the element-wise operations that follow it
// (an optional activation, then an optional Add or Mul) with a common fusion scope, so they
// are compiled as one kernel that doesn't write the intermediate results to global memory.
type ConvElemwiseBufferFusion struct{}

var _ fusion.Pass = (*ConvElemwiseBufferFusion)(nil)

// Name implements fusion.Pass.
func (p *ConvElemwiseBufferFusion) Name() string { return ConvElemwiseBufferFusionName }

// Patterns implements fusion.Pass.
//
// A role can only be matched next to a bound role, so Conv2D -> Add without an activation needs
// its own pattern.
func (p *ConvElemwiseBufferFusion) Patterns() []*pattern.Descriptor {
	withActivation := pattern.New("conv_activation_elemwise").
		AddRole("conv", []string{OpConv2D}, 1, 1).
		AddRole("activation", ActivationTypes, 1, 1).
		AddRole("elemwise", ElemwiseTypes, 0, 1).
		SetHead("conv").
		SetOutputs("conv", []string{"activation"}, pattern.BranchSingle, true).
		SetOutputs("activation", []string{"elemwise"}, pattern.BranchAny, false).
		SetOutput("elemwise")
	elemwiseOnly := pattern.New("conv_elemwise").
		AddRole("conv", []string{OpConv2D}, 1, 1).
		AddRole("elemwise", ElemwiseTypes, 1, 1).
		SetHead("conv").
		SetOutputs("conv", []string{"elemwise"}, pattern.BranchSingle, true)
	return []*pattern.Descriptor{withActivation, elemwiseOnly}
}

// Rewrite implements fusion.Pass.
func (p *ConvElemwiseBufferFusion) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	info, err := platformInfo(rc)
	if err != nil {
		return fusion.NotApplicable("platform information not available: %v", err)
	}
	if info.AICoreCount <= 0 {
		return fusion.NotApplicable("platform %s has no AI cores", info.SocVersion)
	}
	if family := info.SocFamily(); !slices.Contains(BufferFusionSocFamilies, family) {
		return fusion.NotApplicable("SoC family %s doesn't support buffer fusion", family)
	}

	var nodes []*ir.Node
	for _, id := range m.All() {
		nodes = append(nodes, rc.Graph.Node(id))
	}
	if n := inFusionScope(nodes...); n != nil {
		return fusion.NotApplicable("%s is already in a fusion scope", n)
	}
	conv, activation, elemwise := rc.Node(m, "conv"), rc.Node(m, "activation"), rc.Node(m, "elemwise")
	if activation != nil && elemwise != nil && len(activation.DataConsumers()) != 1 {
		// The output of the activation is also used outside: fuse only conv and activation.
		klog.V(2).Infof("%s: %s has other consumers, leaving %s out of the fusion", p.Name(), activation, elemwise)
		nodes = slices.DeleteFunc(nodes, func(n *ir.Node) bool { return n.ID() == elemwise.ID() })
		elemwise = nil
	}
	last := activation
	if elemwise != nil {
		last = elemwise
	}
	if last.OutputDesc(0).DType != conv.OutputDesc(0).DType {
		return fusion.NotApplicable("%s changes the dtype of %s", last, conv)
	}

	scope := int64(conv.ID())
	for _, n := range nodes {
		ir.SetAttr(n, ir.AttrFusionScope, scope)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: buffer fusion of %v in scope %d", p.Name(), nodes, scope)
	}
	return fusion.Applied()
}
