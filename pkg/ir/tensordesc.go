// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
)

// UnknownDim marks a dimension whose size is only known at runtime.
const UnknownDim = -1

// DimRange is the declared [Min, Max] range of a dynamic dimension.
// A Max of -1 means there is no declared upper bound.
type DimRange struct {
	Min, Max int64
}

// UnboundedRange is the conventional "no declared bound" range, (1, -1).
func UnboundedRange() DimRange { return DimRange{Min: 1, Max: -1} }

// FixedRange returns the range of a dimension known to be exactly dim.
func FixedRange(dim int64) DimRange { return DimRange{Min: dim, Max: dim} }

// Unbounded returns whether the range declares no upper bound.
//
// Both the -1 sentinel and math.MaxInt64 are accepted as "no bound", and the lower bound
// must not exceed 1.
func (r DimRange) Unbounded() bool {
	return r.Min <= 1 && (r.Max == -1 || r.Max == math.MaxInt64)
}

// String implements fmt.Stringer.
func (r DimRange) String() string {
	return fmt.Sprintf("(%d,%d)", r.Min, r.Max)
}

// TensorDesc describes one input or output tensor of a node.
//
// Dims is the shape in the hardware layout given by Format, OriginDims the logical shape in
// OriginFormat. Their ranks can differ: NCHW -> NC1HWC0 adds an axis.
type TensorDesc struct {
	Dims         []int
	OriginDims   []int
	Format       Format
	OriginFormat Format
	DType        dtypes.DType

	// ShapeRange, if set, has one entry per axis of Dims.
	ShapeRange []DimRange
}

// NewDesc creates a descriptor whose origin shape and format are the same as its shape and format.
func NewDesc(dtype dtypes.DType, format Format, dims ...int) *TensorDesc {
	return &TensorDesc{
		Dims:         slices.Clone(dims),
		OriginDims:   slices.Clone(dims),
		Format:       format,
		OriginFormat: format,
		DType:        dtype,
	}
}

// WithRange sets the shape range and returns the descriptor, so it can be chained after NewDesc.
func (d *TensorDesc) WithRange(ranges ...DimRange) *TensorDesc {
	d.ShapeRange = slices.Clone(ranges)
	return d
}

// WithOrigin sets the origin format and shape and returns the descriptor.
func (d *TensorDesc) WithOrigin(format Format, dims ...int) *TensorDesc {
	d.OriginFormat = format
	d.OriginDims = slices.Clone(dims)
	return d
}

// Clone returns a deep copy of the descriptor.
func (d *TensorDesc) Clone() *TensorDesc {
	if d == nil {
		return nil
	}
	return &TensorDesc{
		Dims:         slices.Clone(d.Dims),
		OriginDims:   slices.Clone(d.OriginDims),
		Format:       d.Format,
		OriginFormat: d.OriginFormat,
		DType:        d.DType,
		ShapeRange:   slices.Clone(d.ShapeRange),
	}
}

// Equal compares all fields of both descriptors.
func (d *TensorDesc) Equal(d2 *TensorDesc) bool {
	if d == nil || d2 == nil {
		return d == d2
	}
	return d.DType == d2.DType && d.Format == d2.Format && d.OriginFormat == d2.OriginFormat &&
		slices.Equal(d.Dims, d2.Dims) && slices.Equal(d.OriginDims, d2.OriginDims) &&
		slices.Equal(d.ShapeRange, d2.ShapeRange)
}

// Rank of the hardware shape.
func (d *TensorDesc) Rank() int { return len(d.Dims) }

// IsDynamic returns whether any dimension of the shape is unknown.
func (d *TensorDesc) IsDynamic() bool {
	return slices.ContainsFunc(d.Dims, func(dim int) bool { return dim < 0 })
}

// Size returns the number of elements, or -1 if the shape is dynamic.
func (d *TensorDesc) Size() int {
	size := 1
	for _, dim := range d.Dims {
		if dim < 0 {
			return -1
		}
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to hold the tensor, and false if the shape is dynamic.
func (d *TensorDesc) Memory() (uint64, bool) {
	size := d.Size()
	if size < 0 {
		return 0, false
	}
	return uint64(d.DType.Memory()) * uint64(size), true
}

// HasUnboundedRange returns whether every declared range entry, except the ones listed in skipAxes,
// is unbounded. A descriptor without shape range is considered unbounded.
func (d *TensorDesc) HasUnboundedRange(skipAxes ...int) bool {
	for axis, r := range d.ShapeRange {
		if slices.Contains(skipAxes, axis) {
			continue
		}
		if !r.Unbounded() {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (d *TensorDesc) String() string {
	if d == nil {
		return "<nil desc>"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "(%s)%s%s", d.DType, dimsString(d.Dims), d.Format)
	if d.OriginFormat != d.Format || !slices.Equal(d.OriginDims, d.Dims) {
		fmt.Fprintf(&sb, " origin=%s%s", dimsString(d.OriginDims), d.OriginFormat)
	}
	if len(d.ShapeRange) > 0 {
		parts := make([]string, len(d.ShapeRange))
		for ii, r := range d.ShapeRange {
			parts[ii] = r.String()
		}
		fmt.Fprintf(&sb, " range=[%s]", strings.Join(parts, ","))
	}
	if mem, ok := d.Memory(); ok {
		fmt.Fprintf(&sb, " %s", humanize.Bytes(mem))
	}
	return sb.String()
}

func dimsString(dims []int) string {
	parts := make([]string, len(dims))
	for ii, dim := range dims {
		if dim < 0 {
			parts[ii] = "?"
		} else {
			parts[ii] = strconv.Itoa(dim)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func itoa(v int) string { return strconv.Itoa(v) }
