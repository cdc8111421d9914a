// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"testing"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// node creates a detached node with the given inputs and a placeholder output.
func node(opType string, out *ir.TensorDesc, inputs ...*ir.TensorDesc) *ir.Node {
	g := ir.NewGraph("test")
	if out == nil {
		out = ir.NewDesc(dtypes.Float32, ir.FormatND)
	}
	return g.AddNode("", opType, inputs, []*ir.TensorDesc{out})
}

func nd(dtype dtypes.DType, dims ...int) *ir.TensorDesc { return ir.NewDesc(dtype, ir.FormatND, dims...) }

func TestRegistry(t *testing.T) {
	r := Default()
	assert.True(t, r.Has("Relu"))
	assert.True(t, r.Has("Conv2D"))
	assert.False(t, r.Has("MyCustomOp"))

	n := node("MyCustomOp", nil, nd(dtypes.Float32, 2))
	err := r.Infer(n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoInference))

	r.Register("MyCustomOp", Unary)
	require.NoError(t, r.Infer(n))
	assert.Equal(t, []int{2}, n.OutputDesc(0).Dims)

	// Registries are independent.
	assert.False(t, Default().Has("MyCustomOp"))
}

func TestUnaryAndCast(t *testing.T) {
	r := Default()
	in := nd(dtypes.Float16, -1, 8).WithRange(ir.UnboundedRange(), ir.FixedRange(8))
	relu := node("Relu", nil, in)
	require.NoError(t, r.Infer(relu))
	assert.True(t, in.Equal(relu.OutputDesc(0)))

	cast := node("Cast", nil, in)
	ir.SetAttr(cast, AttrDstType, "Float32")
	require.NoError(t, r.Infer(cast))
	assert.Equal(t, dtypes.Float32, cast.OutputDesc(0).DType)
	assert.Equal(t, in.ShapeRange, cast.OutputDesc(0).ShapeRange)

	ir.SetAttr(cast, AttrDstType, "NotADType")
	assert.Error(t, r.Infer(cast))
}

func TestBinary(t *testing.T) {
	r := Default()
	tests := []struct {
		name     string
		lhs, rhs []int
		want     []int
		wantErr  bool
	}{
		{"same", []int{2, 3}, []int{2, 3}, []int{2, 3}, false},
		{"broadcast", []int{2, 1}, []int{1, 3}, []int{2, 3}, false},
		{"rank", []int{4, 2, 3}, []int{3}, []int{4, 2, 3}, false},
		{"dynamic", []int{-1, 3}, []int{5, 3}, []int{5, 3}, false},
		{"dynamic1", []int{-1, 3}, []int{1, 3}, []int{-1, 3}, false},
		{"mismatch", []int{2, 3}, []int{4, 3}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := node("Add", nil, nd(dtypes.Float32, tt.lhs...), nd(dtypes.Float32, tt.rhs...))
			err := r.Infer(n)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, n.OutputDesc(0).Dims)
		})
	}

	n := node("Mul", nil, nd(dtypes.Float32, 2), nd(dtypes.Int32, 2))
	assert.Error(t, r.Infer(n), "dtypes must match")
}

func TestConcat(t *testing.T) {
	r := Default()
	n := node("ConcatV2D", nil, nd(dtypes.Float32, 2, 3), nd(dtypes.Float32, 2, 5), nd(dtypes.Float32, 2, 1))
	ir.SetAttr(n, AttrConcatDim, int64(-1))
	require.NoError(t, r.Infer(n))
	assert.Equal(t, []int{2, 9}, n.OutputDesc(0).Dims)

	n = node("ConcatV2D", nil, nd(dtypes.Float32, 2, 3), nd(dtypes.Float32, -1, 3))
	require.NoError(t, r.Infer(n))
	assert.Equal(t, []int{-1, 3}, n.OutputDesc(0).Dims)

	n = node("ConcatV2D", nil, nd(dtypes.Float32, 2, 3), nd(dtypes.Float32, 2, 4))
	assert.Error(t, r.Infer(n))
	ir.SetAttr(n, AttrConcatDim, int64(2))
	assert.Error(t, r.Infer(n))
}

func TestMatMul(t *testing.T) {
	r := Default()
	n := node("MatMulV2", nil, nd(dtypes.Float16, 8, 4), nd(dtypes.Float16, 16, 4))
	ir.SetAttr(n, AttrTransposeX2, true)
	require.NoError(t, r.Infer(n))
	assert.Equal(t, []int{8, 16}, n.OutputDesc(0).Dims)

	withBias := node("MatMulV2", nil, nd(dtypes.Float16, 8, 4), nd(dtypes.Float16, 4, 16), nd(dtypes.Float16, 16))
	require.NoError(t, r.Infer(withBias))
	badBias := node("MatMulV2", nil, nd(dtypes.Float16, 8, 4), nd(dtypes.Float16, 4, 16), nd(dtypes.Float16, 3))
	assert.Error(t, r.Infer(badBias))

	batch := node("BatchMatMulV2", nil, nd(dtypes.Float32, 3, 8, 4), nd(dtypes.Float32, 3, 4, 2))
	require.NoError(t, r.Infer(batch))
	assert.Equal(t, []int{3, 8, 2}, batch.OutputDesc(0).Dims)

	bad := node("MatMulV2", nil, nd(dtypes.Float32, 8, 4), nd(dtypes.Float32, 5, 2))
	assert.Error(t, r.Infer(bad))
}

func TestConfusionTranspose(t *testing.T) {
	r := Default()
	n := node("ConfusionTransposeD", nil, nd(dtypes.Float16, 2, 12, 64))
	ir.SetAttr(n, AttrShape, []int64{2, 12, 4, 16})
	ir.SetAttr(n, AttrPerm, []int64{0, 2, 1, 3})
	require.NoError(t, r.Infer(n))
	assert.Equal(t, []int{2, 4, 12, 16}, n.OutputDesc(0).Dims)

	n.DeleteAttr(AttrPerm)
	assert.Error(t, r.Infer(n))
}

func TestTransData(t *testing.T) {
	r := Default()
	in := ir.NewDesc(dtypes.Float16, ir.FormatNCHW, -1, 35, -1, 7).
		WithRange(ir.DimRange{Min: 1, Max: 8}, ir.FixedRange(35), ir.UnboundedRange(), ir.FixedRange(7))
	toBlocked := node("TransData", ir.NewDesc(dtypes.Float16, ir.FormatNC1HWC0), in)
	require.NoError(t, r.Infer(toBlocked))
	out := toBlocked.OutputDesc(0)
	assert.Equal(t, []int{-1, 3, -1, 7, 16}, out.Dims)
	assert.Equal(t, []int{-1, 35, -1, 7}, out.OriginDims)
	assert.Equal(t, ir.FormatNCHW, out.OriginFormat)
	assert.Equal(t, []ir.DimRange{{Min: 1, Max: 8}, {Min: 3, Max: 3}, {Min: 1, Max: -1}, {Min: 7, Max: 7}, {Min: 16, Max: 16}}, out.ShapeRange)

	back := node("TransData", ir.NewDesc(dtypes.Float16, ir.FormatNCHW), out.Clone())
	require.NoError(t, r.Infer(back))
	assert.Equal(t, []int{-1, 35, -1, 7}, back.OutputDesc(0).Dims)
	assert.Equal(t, []ir.DimRange{{Min: 1, Max: 8}, {Min: 35, Max: 35}, {Min: 1, Max: -1}, {Min: 7, Max: 7}}, back.OutputDesc(0).ShapeRange)

	nz := node("TransData", ir.NewDesc(dtypes.Float16, ir.FormatFractalNZ), nd(dtypes.Float16, 4, 33, 20))
	require.NoError(t, r.Infer(nz))
	assert.Equal(t, []int{4, 2, 3, 16, 16}, nz.OutputDesc(0).Dims)

	bad := node("TransData", ir.NewDesc(dtypes.Float16, ir.FormatFractalZ), nd(dtypes.Float16, 4, 4))
	assert.Error(t, r.Infer(bad))
}

func TestConv2D(t *testing.T) {
	r := Default()
	x := ir.NewDesc(dtypes.Float16, ir.FormatNC1HWC0, 1, 1, 32, 32, 16).WithOrigin(ir.FormatNCHW, 1, 16, 32, 32)
	filter := ir.NewDesc(dtypes.Float16, ir.FormatFractalZ, 9, 2, 16, 16).WithOrigin(ir.FormatNCHW, 32, 16, 3, 3)
	conv := node("Conv2D", ir.NewDesc(dtypes.Float16, ir.FormatNC1HWC0).WithOrigin(ir.FormatNCHW), x, filter)
	ir.SetAttr(conv, AttrStrides, []int64{1, 1, 2, 2})
	ir.SetAttr(conv, AttrPads, []int64{1, 1, 1, 1})
	require.NoError(t, r.Infer(conv))
	out := conv.OutputDesc(0)
	assert.Equal(t, []int{1, 2, 16, 16, 16}, out.Dims)
	assert.Equal(t, []int{1, 32, 16, 16}, out.OriginDims)

	dynX := ir.NewDesc(dtypes.Float16, ir.FormatNCHW, -1, 16, -1, -1).
		WithRange(ir.UnboundedRange(), ir.FixedRange(16), ir.UnboundedRange(), ir.UnboundedRange())
	dyn := node("Conv2D", ir.NewDesc(dtypes.Float16, ir.FormatNCHW), dynX, filter)
	require.NoError(t, r.Infer(dyn))
	assert.Equal(t, []int{-1, 32, -1, -1}, dyn.OutputDesc(0).Dims)
	assert.Equal(t, []ir.DimRange{{Min: 1, Max: -1}, {Min: 32, Max: 32}, {Min: 1, Max: -1}, {Min: 1, Max: -1}}, dyn.OutputDesc(0).ShapeRange)

	ir.SetAttr(dyn, AttrStrides, []int64{1, 1, 0, 1})
	assert.Error(t, r.Infer(dyn))
}
