// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference recalculates the output descriptors of a node from its input descriptors
// and attributes.
//
// Fusion passes use it when they create new nodes, and the graph surgery uses it to propagate
// descriptor changes downstream (see surgery.PropagateShape).
//
// Dynamic dimensions (ir.UnknownDim) propagate: an unknown input dimension yields an unknown output
// dimension, unless the operation fixes it.
package shapeinference

import (
	"slices"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrNoInference is returned (wrapped) when no inference function is registered for an operator type.
var ErrNoInference = errors.New("no shape inference registered")

var (
	// UnaryOperations preserve the descriptor of their single input.
	UnaryOperations = sets.MakeWith(
		"Identity", "Relu", "Relu6", "LeakyRelu", "Sigmoid", "Tanh", "Gelu",
		"Neg", "Abs", "Exp", "Log", "Sqrt", "Rsqrt", "Square",
		"AscendQuant", "AscendDequant",
	)

	// BinaryOperations broadcast their two inputs.
	BinaryOperations = sets.MakeWith(
		"Add", "Sub", "Mul", "RealDiv", "Maximum", "Minimum", "Pow",
	)

	// ConcatOperations concatenate all their inputs along the "concat_dim" attribute.
	ConcatOperations = sets.MakeWith("ConcatV2D", "ConcatD", "Concat")

	// MatMulOperations multiply the two innermost axes of their inputs.
	MatMulOperations = sets.MakeWith("MatMul", "MatMulV2", "BatchMatMul", "BatchMatMulV2")
)

// Well-known attribute names read by the inference functions.
const (
	AttrDstType        = "dst_type"
	AttrConcatDim      = "concat_dim"
	AttrTransposeX1    = "transpose_x1"
	AttrTransposeX2    = "transpose_x2"
	AttrPerm           = "perm"
	AttrShape          = "shape"
	AttrTransposeFirst = "transpose_first"
	AttrStrides        = "strides"
	AttrPads           = "pads"
	AttrDilations      = "dilations"
	AttrSrcFormat      = "src_format"
	AttrDstFormat      = "dst_format"
)

// InferFunc updates the output descriptors of n from its input descriptors and attributes.
type InferFunc func(n *ir.Node) error

// Registry maps operator types to their inference function.
type Registry struct {
	fns map[string]InferFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]InferFunc)}
}

// Default returns a new registry with the inference functions for the operators the built-in
// passes create or walk through. Each call returns an independent registry, which can be extended.
func Default() *Registry {
	r := NewRegistry()
	noop := func(*ir.Node) error { return nil }
	r.Register("Data", noop)
	r.Register("NetOutput", noop)
	for opType := range UnaryOperations {
		r.Register(opType, Unary)
	}
	for opType := range BinaryOperations {
		r.Register(opType, Binary)
	}
	for opType := range ConcatOperations {
		r.Register(opType, Concat)
	}
	for opType := range MatMulOperations {
		r.Register(opType, MatMul)
	}
	r.Register("BiasAdd", Unary)
	r.Register("Cast", Cast)
	r.Register("TransData", TransData)
	r.Register("ConfusionTransposeD", ConfusionTranspose)
	r.Register("Conv2D", Conv2D)
	return r
}

// Register sets (or replaces) the inference function for opType.
func (r *Registry) Register(opType string, fn InferFunc) {
	r.fns[opType] = fn
}

// Has returns whether there is an inference function for opType.
func (r *Registry) Has(opType string) bool {
	_, found := r.fns[opType]
	return found
}

// Infer runs the inference function registered for the node's operator type.
func (r *Registry) Infer(n *ir.Node) error {
	fn, found := r.fns[n.OpType()]
	if !found {
		return errors.Wrapf(ErrNoInference, "operator type %q of node %s", n.OpType(), n)
	}
	if err := fn(n); err != nil {
		return errors.WithMessagef(err, "shape inference for %s", n)
	}
	return nil
}

func checkArity(n *ir.Node, minInputs, maxInputs, outputs int) error {
	if n.NumInputs() < minInputs || (maxInputs >= 0 && n.NumInputs() > maxInputs) {
		return errors.Errorf("%s takes %d to %d inputs, got %d", n.OpType(), minInputs, maxInputs, n.NumInputs())
	}
	if n.NumOutputs() != outputs {
		return errors.Errorf("%s must have %d outputs, got %d", n.OpType(), outputs, n.NumOutputs())
	}
	return nil
}

// Unary copies the descriptor of the first input to the output.
func Unary(n *ir.Node) error {
	if err := checkArity(n, 1, 2, 1); err != nil {
		return err
	}
	n.SetOutputDesc(0, n.InputDesc(0).Clone())
	return nil
}

// Cast copies the input descriptor, changing its dtype to the "dst_type" attribute.
// Without the attribute, the current output dtype is kept.
func Cast(n *ir.Node) error {
	if err := checkArity(n, 1, 1, 1); err != nil {
		return err
	}
	dtype := n.OutputDesc(0).DType
	if name, found := ir.GetAttr[string](n, AttrDstType); found {
		var err error
		dtype, err = dtypes.DTypeString(name)
		if err != nil {
			return errors.Wrapf(err, "invalid %q attribute", AttrDstType)
		}
	}
	out := n.InputDesc(0).Clone()
	out.DType = dtype
	n.SetOutputDesc(0, out)
	return nil
}

// broadcastDim combines two dimensions of a binary operation.
func broadcastDim(d1, d2 int) (int, bool) {
	switch {
	case d1 == d2:
		return d1, true
	case d1 == 1:
		return d2, true
	case d2 == 1:
		return d1, true
	case d1 < 0:
		return d2, true
	case d2 < 0:
		return d1, true
	}
	return 0, false
}

// Binary implements the standard broadcasting rules, aligning axes to the right.
func Binary(n *ir.Node) error {
	if err := checkArity(n, 2, 2, 1); err != nil {
		return err
	}
	lhs, rhs := n.InputDesc(0), n.InputDesc(1)
	if lhs.DType != rhs.DType {
		return errors.Errorf("data types for %s must match, got %s and %s", n.OpType(), lhs, rhs)
	}
	if lhs.Rank() < rhs.Rank() {
		lhs, rhs = rhs, lhs
	}
	out := lhs.Clone()
	offset := lhs.Rank() - rhs.Rank()
	for axis := range rhs.Rank() {
		dim, ok := broadcastDim(lhs.Dims[offset+axis], rhs.Dims[axis])
		if !ok {
			return errors.Errorf("dimension of axis #%d doesn't match and cannot be broadcast for %s, got %s and %s",
				offset+axis, n.OpType(), lhs, rhs)
		}
		out.Dims[offset+axis] = dim
	}
	if !out.Equal(lhs) {
		// Dims changed by broadcasting: the declared range no longer applies.
		out.ShapeRange = nil
		out.OriginDims = slices.Clone(out.Dims)
	}
	n.SetOutputDesc(0, out)
	return nil
}

func normalizeAxis(axis, rank int) (int, error) {
	adjusted := axis
	if adjusted < 0 {
		adjusted += rank
	}
	if adjusted < 0 || adjusted >= rank {
		return 0, errors.Errorf("axis %d out-of-bounds for rank %d", axis, rank)
	}
	return adjusted, nil
}

// Concat concatenates all inputs along the "concat_dim" attribute (default 0).
func Concat(n *ir.Node) error {
	if err := checkArity(n, 1, -1, 1); err != nil {
		return err
	}
	first := n.InputDesc(0)
	axis, err := normalizeAxis(int(ir.GetAttrOr(n, AttrConcatDim, int64(0))), first.Rank())
	if err != nil {
		return err
	}
	out := first.Clone()
	out.ShapeRange = nil
	for ii := 1; ii < n.NumInputs(); ii++ {
		in := n.InputDesc(ii)
		if in.Rank() != first.Rank() || in.DType != first.DType {
			return errors.Errorf("input #%d %s doesn't match rank/dtype of input #0 %s", ii, in, first)
		}
		for a, dim := range in.Dims {
			if a == axis {
				if out.Dims[a] < 0 || dim < 0 {
					out.Dims[a] = ir.UnknownDim
				} else {
					out.Dims[a] += dim
				}
				continue
			}
			if dim >= 0 && out.Dims[a] >= 0 && dim != out.Dims[a] {
				return errors.Errorf("input #%d %s doesn't match dimension of axis #%d of input #0 %s", ii, in, a, first)
			}
			if out.Dims[a] < 0 {
				out.Dims[a] = dim
			}
		}
	}
	if out.Format == out.OriginFormat {
		out.OriginDims = slices.Clone(out.Dims)
	}
	n.SetOutputDesc(0, out)
	return nil
}

// MatMul infers [batch..., M, N] from [batch..., M, K] x [batch..., K, N], honoring the transpose attributes.
// An optional third input is a bias of dimension N.
func MatMul(n *ir.Node) error {
	if err := checkArity(n, 2, 3, 1); err != nil {
		return err
	}
	x1, x2 := n.InputDesc(0), n.InputDesc(1)
	if x1.Rank() < 2 || x2.Rank() < 2 {
		return errors.Errorf("%s requires inputs of rank >= 2, got %s and %s", n.OpType(), x1, x2)
	}
	m, k1 := x1.Dims[x1.Rank()-2], x1.Dims[x1.Rank()-1]
	if ir.GetAttrOr(n, AttrTransposeX1, false) {
		m, k1 = k1, m
	}
	k2, cols := x2.Dims[x2.Rank()-2], x2.Dims[x2.Rank()-1]
	if ir.GetAttrOr(n, AttrTransposeX2, false) {
		k2, cols = cols, k2
	}
	if k1 >= 0 && k2 >= 0 && k1 != k2 {
		return errors.Errorf("%s contracting dimensions don't match: %s x %s", n.OpType(), x1, x2)
	}
	if n.NumInputs() == 3 {
		bias := n.InputDesc(2)
		if bias.Rank() > 0 && cols >= 0 && bias.Dims[bias.Rank()-1] >= 0 && bias.Dims[bias.Rank()-1] != cols {
			return errors.Errorf("%s bias %s doesn't match output dimension %d", n.OpType(), bias, cols)
		}
	}
	dims := append([]int{}, x1.Dims[:x1.Rank()-2]...)
	dims = append(dims, m, cols)
	out := ir.NewDesc(x1.DType, x1.Format, dims...)
	out.OriginFormat = x1.OriginFormat
	if n.NumOutputs() == 1 && n.OutputDesc(0) != nil {
		// Keep the requested output dtype (e.g. a float16 matmul accumulating to float32).
		out.DType = n.OutputDesc(0).DType
	}
	n.SetOutputDesc(0, out)
	return nil
}

// ConfusionTranspose fuses a reshape (to the "shape" attribute) and a transpose (by "perm"),
// in the order given by "transpose_first".
func ConfusionTranspose(n *ir.Node) error {
	if err := checkArity(n, 1, 1, 1); err != nil {
		return err
	}
	in := n.InputDesc(0)
	perm, found := ir.GetAttr[[]int64](n, AttrPerm)
	if !found {
		return errors.Errorf("%s requires attribute %q", n.OpType(), AttrPerm)
	}
	shape, hasShape := ir.GetAttr[[]int64](n, AttrShape)
	dims := append([]int{}, in.Dims...)
	reshape := func() {
		if hasShape {
			dims = make([]int, len(shape))
			for ii, d := range shape {
				dims[ii] = int(d)
			}
		}
	}
	transpose := func() error {
		if len(perm) != len(dims) {
			return errors.Errorf("%s: perm %v doesn't match rank %d", n.OpType(), perm, len(dims))
		}
		transposed := make([]int, len(dims))
		for ii, p := range perm {
			if p < 0 || int(p) >= len(dims) {
				return errors.Errorf("%s: invalid perm %v", n.OpType(), perm)
			}
			transposed[ii] = dims[p]
		}
		dims = transposed
		return nil
	}
	if ir.GetAttrOr(n, AttrTransposeFirst, false) {
		if err := transpose(); err != nil {
			return err
		}
		reshape()
	} else {
		reshape()
		if err := transpose(); err != nil {
			return err
		}
	}
	out := ir.NewDesc(in.DType, in.Format, dims...)
	out.OriginFormat = in.OriginFormat
	n.SetOutputDesc(0, out)
	return nil
}
