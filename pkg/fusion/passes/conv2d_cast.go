// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package passes

import (
	"fmt"

	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/shapeinference"
	"github.com/gomlx/fusion/pkg/surgery"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Conv2DCastInsertionName is the registered name of Conv2DCastInsertion.
const Conv2DCastInsertionName = "Conv2DCastInsertionPass"

// Conv2DCastInsertion runs BFloat16 convolutions in Float16 on platforms whose Conv2D intrinsic
// doesn't support BFloat16: every BFloat16 input is cast to Float16, and the output is cast back.
type Conv2DCastInsertion struct{}

var _ fusion.Pass = (*Conv2DCastInsertion)(nil)

// Name implements fusion.Pass.
func (p *Conv2DCastInsertion) Name() string { return Conv2DCastInsertionName }

// Patterns implements fusion.Pass.
func (p *Conv2DCastInsertion) Patterns() []*pattern.Descriptor {
	return []*pattern.Descriptor{
		pattern.New("conv2d").AddRole("conv", []string{OpConv2D}, 1, 1).SetHead("conv"),
	}
}

// castPlan lists the casts to insert around one convolution.
type castPlan struct {
	conv *ir.Node

	// inputs are the slots of the BFloat16 inputs, with their producers.
	inputs []int
	srcs   []ir.OutAnchor

	from, to dtypes.DType
}

// plan checks the preconditions and returns the casts to insert.
func (p *Conv2DCastInsertion) plan(rc *fusion.RewriteContext, conv *ir.Node) (castPlan, fusion.Outcome, bool) {
	plan := castPlan{conv: conv, from: dtypes.BFloat16, to: dtypes.Float16}
	if conv.NumOutputs() != 1 || conv.OutputDesc(0).DType != plan.from {
		return plan, fusion.NotApplicable("%s doesn't produce %s", conv, plan.from), false
	}
	if conv.NumInputs() == 0 || conv.InputDesc(0).DType != plan.from {
		return plan, fusion.NotApplicable("%s input is not %s", conv, plan.from), false
	}
	info, err := platformInfo(rc)
	if err != nil {
		return plan, fusion.NotApplicable("platform information not available: %v", err), false
	}
	if !info.HasIntrinsic(OpConv2D) {
		return plan, fusion.NotApplicable("platform %s doesn't describe the %s intrinsic", info.SocVersion, OpConv2D), false
	}
	if info.SupportsDType(OpConv2D, plan.from) {
		return plan, fusion.NotApplicable("platform %s supports %s convolutions", info.SocVersion, plan.from), false
	}
	if !info.SupportsDType(OpConv2D, plan.to) {
		return plan, fusion.NotApplicable("platform %s supports neither %s nor %s convolutions",
			info.SocVersion, plan.from, plan.to), false
	}
	if !rc.Shapes.Has(OpCast) {
		return plan, fusion.NotApplicable("no shape inference for %s", OpCast), false
	}
	if conv.NumConsumerEdges() == 0 {
		return plan, fusion.NotApplicable("%s output is not used", conv), false
	}
	for ii, desc := range conv.InputDescs() {
		if desc.DType != plan.from {
			continue
		}
		src, connected := conv.Producer(ii)
		if !connected {
			return plan, fusion.NotApplicable("input %d of %s is not connected", ii, conv), false
		}
		plan.inputs = append(plan.inputs, ii)
		plan.srcs = append(plan.srcs, src)
	}
	return plan, fusion.Outcome{}, true
}

// Rewrite implements fusion.Pass.
func (p *Conv2DCastInsertion) Rewrite(rc *fusion.RewriteContext, m *pattern.Mapping) fusion.Outcome {
	g := rc.Graph
	conv := rc.Node(m, "conv")
	plan, outcome, ok := p.plan(rc, conv)
	if !ok {
		return outcome
	}

	var newNodes []ir.NodeID
	for ii, slot := range plan.inputs {
		in := conv.InputDesc(slot)
		cast := g.AddNode(fmt.Sprintf("%s_cast_in%d", conv.Name(), slot), OpCast,
			[]*ir.TensorDesc{surgery.CloneDesc(in)},
			[]*ir.TensorDesc{surgery.CloneDesc(in, surgery.WithDType(plan.to))})
		ir.SetAttr(cast, shapeinference.AttrDstType, plan.to.String())
		newNodes = append(newNodes, cast.ID())
		if err := surgery.InsertNodeBetween(g, plan.srcs[ii], conv.In(slot), cast.ID()); err != nil {
			return failed(p.Name(), err)
		}
	}

	out := conv.OutputDesc(0)
	castOut := g.AddNode(conv.Name()+"_cast_out", OpCast,
		[]*ir.TensorDesc{surgery.CloneDesc(out, surgery.WithDType(plan.to))},
		[]*ir.TensorDesc{surgery.CloneDesc(out)})
	ir.SetAttr(castOut, shapeinference.AttrDstType, plan.from.String())
	newNodes = append(newNodes, castOut.ID())
	conv.SetOutputDesc(0, surgery.CloneDesc(out, surgery.WithDType(plan.to)))
	if err := g.Connect(conv.Out(0), castOut.In(0)); err != nil {
		return failed(p.Name(), err)
	}
	if err := surgery.RedirectConsumers(g, conv.Out(0), castOut.Out(0)); err != nil {
		return failed(p.Name(), err)
	}
	// Nodes ordered after conv now read its result through castOut: they must wait for it too.
	for _, succ := range conv.ControlSuccessors() {
		if err := g.AddControlEdge(castOut.ID(), succ); err != nil {
			return failed(p.Name(), err)
		}
	}
	if err := surgery.PropagateShape(g, rc.Shapes, conv.ID(), castOut.ID()); err != nil {
		return failed(p.Name(), err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("%s: %s runs in %s, %d cast(s) inserted", p.Name(), conv, plan.to, len(newNodes))
	}
	return fusion.Applied(newNodes...)
}
