// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package surgery

import (
	"slices"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/gopjrt/dtypes"
)

type cloneConfig struct {
	desc     *ir.TensorDesc
	reshaped bool
	hasRange bool
}

// DescOption overrides one field of the descriptor created by CloneDesc.
type DescOption func(c *cloneConfig)

// WithDims overrides the shape. Unless WithShapeRange is also given, the shape range is dropped.
func WithDims(dims ...int) DescOption {
	return func(c *cloneConfig) {
		c.desc.Dims = slices.Clone(dims)
		c.reshaped = true
	}
}

// WithOriginDims overrides the logical (origin) shape.
func WithOriginDims(dims ...int) DescOption {
	return func(c *cloneConfig) { c.desc.OriginDims = slices.Clone(dims) }
}

// WithFormat overrides the format. Unless WithShapeRange is also given, the shape range is dropped.
func WithFormat(format ir.Format) DescOption {
	return func(c *cloneConfig) {
		c.desc.Format = format
		c.reshaped = true
	}
}

// WithOriginFormat overrides the logical (origin) format.
func WithOriginFormat(format ir.Format) DescOption {
	return func(c *cloneConfig) { c.desc.OriginFormat = format }
}

// WithDType overrides the dtype.
func WithDType(dtype dtypes.DType) DescOption {
	return func(c *cloneConfig) { c.desc.DType = dtype }
}

// WithShapeRange sets the shape range of the new descriptor. Passing no ranges clears it.
func WithShapeRange(ranges ...ir.DimRange) DescOption {
	return func(c *cloneConfig) {
		c.desc.ShapeRange = slices.Clone(ranges)
		c.hasRange = true
	}
}

// CloneDesc derives the descriptor of a new node from template, changing only the given fields.
// With no overrides the result is deep-equal to template.
//
// Changing the shape or the format makes the template's shape range meaningless: it is dropped,
// unless an updated one is given with WithShapeRange.
func CloneDesc(template *ir.TensorDesc, overrides ...DescOption) *ir.TensorDesc {
	c := &cloneConfig{desc: template.Clone()}
	if c.desc == nil {
		c.desc = &ir.TensorDesc{}
	}
	for _, opt := range overrides {
		opt(c)
	}
	if c.reshaped && !c.hasRange {
		c.desc.ShapeRange = nil
	}
	return c.desc
}
