// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapeinference

import (
	"slices"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/pkg/errors"
)

// nchw holds the logical dimensions of a 4D activation.
type nchw struct {
	n, c, h, w int
}

// logical4D reads the logical dimensions of dims laid out in format (NCHW or NHWC).
func logical4D(dims []int, format ir.Format) (nchw, error) {
	if len(dims) != 4 {
		return nchw{}, errors.Errorf("expected rank 4 for format %s, got %v", format, dims)
	}
	switch format {
	case ir.FormatNCHW:
		return nchw{dims[0], dims[1], dims[2], dims[3]}, nil
	case ir.FormatNHWC:
		return nchw{dims[0], dims[3], dims[1], dims[2]}, nil
	}
	return nchw{}, errors.Errorf("format %s is not a 4D activation layout", format)
}

// layout returns the dims of d in the given format.
func (d nchw) layout(format ir.Format, c0 int) ([]int, error) {
	switch format {
	case ir.FormatNCHW:
		return []int{d.n, d.c, d.h, d.w}, nil
	case ir.FormatNHWC:
		return []int{d.n, d.h, d.w, d.c}, nil
	case ir.FormatNC1HWC0:
		return []int{d.n, ir.CeilDiv(d.c, c0), d.h, d.w, c0}, nil
	}
	return nil, errors.Errorf("format %s is not supported for 4D activations", format)
}

// activation returns the logical dimensions of a descriptor, whatever its hardware layout.
func activation(desc *ir.TensorDesc) (nchw, ir.Format, error) {
	if desc.OriginFormat == ir.FormatNCHW || desc.OriginFormat == ir.FormatNHWC {
		d, err := logical4D(desc.OriginDims, desc.OriginFormat)
		return d, desc.OriginFormat, err
	}
	d, err := logical4D(desc.Dims, desc.Format)
	return d, desc.Format, err
}

// ceilRange converts the range of a channel dimension into the range of its C1 = ceil(C/C0) blocks.
func ceilRange(r ir.DimRange, c0 int64) ir.DimRange {
	if r.Unbounded() {
		return ir.DimRange{Min: ir.CeilDiv(max(r.Min, 1), c0), Max: r.Max}
	}
	return ir.DimRange{Min: ir.CeilDiv(r.Min, c0), Max: ir.CeilDiv(r.Max, c0)}
}

// rangeFor returns the range of an output dimension: fixed when known, unbounded otherwise.
func rangeFor(dim int) ir.DimRange {
	if dim < 0 {
		return ir.UnboundedRange()
	}
	return ir.FixedRange(int64(dim))
}

func formatAttr(n *ir.Node, name string, defaultFormat ir.Format) (ir.Format, error) {
	fName, found := ir.GetAttr[string](n, name)
	if !found {
		return defaultFormat, nil
	}
	return ir.ParseFormat(fName)
}

// TransData converts between a logical layout (NCHW, NHWC) and the blocked NC1HWC0 layout,
// or between ND and FRACTAL_NZ. Source and destination formats come from the "src_format" and
// "dst_format" attributes, defaulting to the input and output descriptor formats.
func TransData(n *ir.Node) error {
	if err := checkArity(n, 1, 1, 1); err != nil {
		return err
	}
	in := n.InputDesc(0)
	src, err := formatAttr(n, AttrSrcFormat, in.Format)
	if err != nil {
		return err
	}
	dst, err := formatAttr(n, AttrDstFormat, n.OutputDesc(0).Format)
	if err != nil {
		return err
	}
	if src != in.Format {
		return errors.Errorf("TransData source format %s doesn't match input %s", src, in)
	}
	var out *ir.TensorDesc
	switch {
	case src == dst:
		out = in.Clone()
	case dst == ir.FormatNC1HWC0:
		out, err = toNC1HWC0(in)
	case src == ir.FormatNC1HWC0:
		out, err = fromNC1HWC0(in, dst)
	case src == ir.FormatND && dst == ir.FormatFractalNZ:
		out, err = toFractalNZ(in)
	case src == ir.FormatFractalNZ && dst == ir.FormatND:
		out = ir.NewDesc(in.DType, ir.FormatND, in.OriginDims...)
	default:
		err = errors.Errorf("TransData from %s to %s is not supported", src, dst)
	}
	if err != nil {
		return err
	}
	n.SetOutputDesc(0, out)
	return nil
}

func toNC1HWC0(in *ir.TensorDesc) (*ir.TensorDesc, error) {
	logical, err := logical4D(in.Dims, in.Format)
	if err != nil {
		return nil, err
	}
	c0 := ir.C0For(in.DType)
	dims, _ := logical.layout(ir.FormatNC1HWC0, c0)
	out := &ir.TensorDesc{
		Dims:         dims,
		OriginDims:   slices.Clone(in.Dims),
		Format:       ir.FormatNC1HWC0,
		OriginFormat: in.Format,
		DType:        in.DType,
	}
	if len(in.ShapeRange) == 4 {
		var r [4]ir.DimRange // n, c, h, w
		if in.Format == ir.FormatNCHW {
			r = [4]ir.DimRange{in.ShapeRange[0], in.ShapeRange[1], in.ShapeRange[2], in.ShapeRange[3]}
		} else {
			r = [4]ir.DimRange{in.ShapeRange[0], in.ShapeRange[3], in.ShapeRange[1], in.ShapeRange[2]}
		}
		out.ShapeRange = []ir.DimRange{r[0], ceilRange(r[1], int64(c0)), r[2], r[3], ir.FixedRange(int64(c0))}
	}
	return out, nil
}

func fromNC1HWC0(in *ir.TensorDesc, dst ir.Format) (*ir.TensorDesc, error) {
	if in.Rank() != 5 {
		return nil, errors.Errorf("NC1HWC0 tensor must have rank 5, got %s", in)
	}
	logical := nchw{n: in.Dims[0], c: ir.UnknownDim, h: in.Dims[2], w: in.Dims[3]}
	if origin, err := logical4D(in.OriginDims, in.OriginFormat); err == nil {
		logical.c = origin.c
	} else if in.Dims[1] >= 0 && in.Dims[4] >= 0 {
		logical.c = in.Dims[1] * in.Dims[4]
	}
	dims, err := logical.layout(dst, 0)
	if err != nil {
		return nil, err
	}
	out := ir.NewDesc(in.DType, dst, dims...)
	if len(in.ShapeRange) == 5 {
		r := nchw2ranges{n: in.ShapeRange[0], c: rangeFor(logical.c), h: in.ShapeRange[2], w: in.ShapeRange[3]}
		out.ShapeRange = r.layout(dst)
	}
	return out, nil
}

type nchw2ranges struct {
	n, c, h, w ir.DimRange
}

func (r nchw2ranges) layout(format ir.Format) []ir.DimRange {
	if format == ir.FormatNHWC {
		return []ir.DimRange{r.n, r.h, r.w, r.c}
	}
	return []ir.DimRange{r.n, r.c, r.h, r.w}
}

func toFractalNZ(in *ir.TensorDesc) (*ir.TensorDesc, error) {
	if in.Rank() < 2 {
		return nil, errors.Errorf("FRACTAL_NZ requires rank >= 2, got %s", in)
	}
	const block = 16
	rank := in.Rank()
	dims := append([]int{}, in.Dims[:rank-2]...)
	dims = append(dims, ir.CeilDiv(in.Dims[rank-1], block), ir.CeilDiv(in.Dims[rank-2], block), block, block)
	return &ir.TensorDesc{
		Dims:         dims,
		OriginDims:   slices.Clone(in.Dims),
		Format:       ir.FormatFractalNZ,
		OriginFormat: ir.FormatND,
		DType:        in.DType,
	}, nil
}

// filterDims returns (cout, kh, kw) of a convolution filter from its logical layout.
func filterDims(filter *ir.TensorDesc) (cout, kh, kw int, err error) {
	dims, format := filter.OriginDims, filter.OriginFormat
	if len(dims) != 4 {
		dims, format = filter.Dims, filter.Format
	}
	if len(dims) != 4 {
		return 0, 0, 0, errors.Errorf("Conv2D filter must be 4D, got %s", filter)
	}
	switch format {
	case ir.FormatNCHW:
		return dims[0], dims[2], dims[3], nil
	case ir.FormatNHWC:
		return dims[0], dims[1], dims[2], nil
	case ir.FormatHWCN:
		return dims[3], dims[0], dims[1], nil
	}
	return 0, 0, 0, errors.Errorf("Conv2D filter format %s not supported", format)
}

// convOutDim is the output size of one spatial axis; unknown inputs give unknown outputs.
func convOutDim(in, kernel, stride, dilation, padBefore, padAfter int) int {
	if in < 0 || kernel < 0 {
		return ir.UnknownDim
	}
	return (in+padBefore+padAfter-dilation*(kernel-1)-1)/stride + 1
}

// Conv2D infers the output of a 2D convolution. The input may be in a logical layout or in NC1HWC0
// (using its origin shape), and the output keeps the hardware format of its current descriptor.
// Attributes "strides" and "dilations" are 4 values in the input's logical layout, "pads" is
// [top, bottom, left, right].
func Conv2D(n *ir.Node) error {
	if err := checkArity(n, 2, 3, 1); err != nil {
		return err
	}
	x := n.InputDesc(0)
	xDims, xFormat, err := activation(x)
	if err != nil {
		return err
	}
	cout, kh, kw, err := filterDims(n.InputDesc(1))
	if err != nil {
		return err
	}
	hwAttr := func(name string, defaultValue int) (h, w int, err error) {
		values, found := ir.GetAttr[[]int64](n, name)
		if !found {
			return defaultValue, defaultValue, nil
		}
		if len(values) != 4 {
			return 0, 0, errors.Errorf("Conv2D attribute %q must have 4 values, got %v", name, values)
		}
		if xFormat == ir.FormatNHWC {
			return int(values[1]), int(values[2]), nil
		}
		return int(values[2]), int(values[3]), nil
	}
	strideH, strideW, err := hwAttr(AttrStrides, 1)
	if err != nil {
		return err
	}
	dilH, dilW, err := hwAttr(AttrDilations, 1)
	if err != nil {
		return err
	}
	if strideH <= 0 || strideW <= 0 || dilH <= 0 || dilW <= 0 {
		return errors.Errorf("Conv2D strides and dilations must be positive")
	}
	pads := ir.GetAttrOr(n, AttrPads, []int64{0, 0, 0, 0})
	if len(pads) != 4 {
		return errors.Errorf("Conv2D attribute %q must have 4 values, got %v", AttrPads, pads)
	}
	outLogical := nchw{
		n: xDims.n,
		c: cout,
		h: convOutDim(xDims.h, kh, strideH, dilH, int(pads[0]), int(pads[1])),
		w: convOutDim(xDims.w, kw, strideW, dilW, int(pads[2]), int(pads[3])),
	}

	current := n.OutputDesc(0)
	originFormat := current.OriginFormat
	if originFormat != ir.FormatNCHW && originFormat != ir.FormatNHWC {
		originFormat = xFormat
	}
	format := current.Format
	if format != ir.FormatNC1HWC0 && format != ir.FormatNCHW && format != ir.FormatNHWC {
		format = originFormat
	}
	originDims, _ := outLogical.layout(originFormat, 0)
	dims, err := outLogical.layout(format, ir.C0For(current.DType))
	if err != nil {
		return err
	}
	out := &ir.TensorDesc{
		Dims:         dims,
		OriginDims:   originDims,
		Format:       format,
		OriginFormat: originFormat,
		DType:        current.DType,
	}
	if len(x.ShapeRange) > 0 {
		out.ShapeRange = make([]ir.DimRange, len(dims))
		for axis, dim := range dims {
			out.ShapeRange[axis] = rangeFor(dim)
		}
		if dims[0] < 0 {
			out.ShapeRange[0] = x.ShapeRange[0]
		}
	}
	n.SetOutputDesc(0, out)
	return nil
}
