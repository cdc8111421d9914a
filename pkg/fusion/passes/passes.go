// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package passes implements fusion passes on top of packages pattern and surgery.
//
// Use RegisterBuiltins to add all of them to a fusion.Registry.
package passes

import (
	"github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/platform"
	"github.com/gomlx/fusion/pkg/shapeinference"
	"github.com/gomlx/fusion/pkg/surgery"
	"github.com/pkg/errors"
)

// Operator types the built-in passes match or create.
const (
	OpTransData           = "TransData"
	OpConv2D              = "Conv2D"
	OpMatMulV2            = "MatMulV2"
	OpBatchMatMulV2       = "BatchMatMulV2"
	OpBiasAdd             = "BiasAdd"
	OpConcatV2D           = "ConcatV2D"
	OpCast                = "Cast"
	OpConfusionTransposeD = "ConfusionTransposeD"
)

type builtin struct {
	name     string
	stage    fusion.Stage
	priority int
	factory  fusion.Factory
}

var builtins = []builtin{
	{TransDataConv2DTransDataName, fusion.StageSecondRound, 100, func() fusion.Pass { return &TransDataConv2DTransData{} }},
	{MatMulBiasAddName, fusion.StageFirstRound, 100, func() fusion.Pass { return &MatMulBiasAdd{} }},
	{DuplicateTransDataEliminationName, fusion.StageFirstRound, 200, func() fusion.Pass { return &DuplicateTransDataElimination{} }},
	{ConcatSplitName, fusion.StageFirstRound, 0, func() fusion.Pass { return &ConcatSplit{} }},
	{Conv2DCastInsertionName, fusion.StageSecondRound, 200, func() fusion.Pass { return &Conv2DCastInsertion{} }},
	{ConvElemwiseBufferFusionName, fusion.StageSecondRound, 0, func() fusion.Pass { return &ConvElemwiseBufferFusion{} }},
	{MatMulConfusionTransposeName, fusion.StageFirstRound, 50, func() fusion.Pass { return &MatMulConfusionTranspose{} }},
}

// RegisterBuiltins registers all the passes of this package.
func RegisterBuiltins(reg *fusion.Registry) error {
	for _, b := range builtins {
		if err := reg.Register(b.name, b.stage, b.priority, b.factory); err != nil {
			return err
		}
	}
	return nil
}

// platformInfo returns the platform information of the rewrite, if available.
func platformInfo(rc *fusion.RewriteContext) (*platform.Info, error) {
	if rc.Platform == nil {
		return nil, platform.ErrNoPlatform
	}
	info, err := rc.Platform.Info()
	if err == nil && info == nil {
		err = errors.New("platform provider returned no information")
	}
	return info, err
}

// inFusionScope returns the first node already tagged with a fusion scope.
func inFusionScope(nodes ...*ir.Node) *ir.Node {
	for _, n := range nodes {
		if n != nil && n.HasAttr(ir.AttrFusionScope) {
			return n
		}
	}
	return nil
}

// producers returns the producers of all inputs of n, and false if any input is unconnected.
func producers(n *ir.Node) ([]ir.OutAnchor, bool) {
	srcs := make([]ir.OutAnchor, n.NumInputs())
	for ii := range srcs {
		src, connected := n.Producer(ii)
		if !connected {
			return nil, false
		}
		srcs[ii] = src
	}
	return srcs, true
}

// inferDetached runs the shape inference of a node of type opType, with the attributes of attrsFrom, on a
// scratch graph. It returns the inferred output descriptors and leaves the graph being rewritten untouched,
// so passes can reject a rewrite before adding any node.
func inferDetached(shapes *shapeinference.Registry, opType string, attrsFrom *ir.Node,
	inputs, outputs []*ir.TensorDesc) ([]*ir.TensorDesc, error) {
	clone := func(descs []*ir.TensorDesc) []*ir.TensorDesc {
		cloned := make([]*ir.TensorDesc, len(descs))
		for ii, desc := range descs {
			cloned[ii] = surgery.CloneDesc(desc)
		}
		return cloned
	}
	scratch := ir.NewGraph("scratch")
	n := scratch.AddNode(attrsFrom.Name(), opType, clone(inputs), clone(outputs))
	n.CopyAttrsFrom(attrsFrom)
	if err := shapes.Infer(n); err != nil {
		return nil, err
	}
	return n.OutputDescs(), nil
}

// failed wraps err into a Failed outcome naming the pass.
func failed(pass string, err error) fusion.Outcome {
	return fusion.Failed(errors.WithMessagef(err, "%s", pass))
}
