// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Format is the memory layout of a tensor, as seen by the hardware (TensorDesc.Format) or
// as seen by the framework (TensorDesc.OriginFormat).
type Format int

const (
	FormatND Format = iota
	FormatNCHW
	FormatNHWC
	FormatHWCN
	FormatNC1HWC0
	FormatFractalZ
	FormatFractalNZ
	FormatNCDHW
	FormatNDHWC
	FormatNDC1HWC0
)

var formatNames = [...]string{
	FormatND:        "ND",
	FormatNCHW:      "NCHW",
	FormatNHWC:      "NHWC",
	FormatHWCN:      "HWCN",
	FormatNC1HWC0:   "NC1HWC0",
	FormatFractalZ:  "FRACTAL_Z",
	FormatFractalNZ: "FRACTAL_NZ",
	FormatNCDHW:     "NCDHW",
	FormatNDHWC:     "NDHWC",
	FormatNDC1HWC0:  "NDC1HWC0",
}

// String implements fmt.Stringer.
func (f Format) String() string {
	if f < 0 || int(f) >= len(formatNames) {
		return "Format(" + itoa(int(f)) + ")"
	}
	return formatNames[f]
}

// ParseFormat converts the name of a format (case-insensitive) back to a Format.
func ParseFormat(name string) (Format, error) {
	for f, fName := range formatNames {
		if strings.EqualFold(fName, name) {
			return Format(f), nil
		}
	}
	return FormatND, errors.Errorf("unknown tensor format %q", name)
}

// IsBlocked returns whether the format splits the channel axis into C1 blocks of C0 elements.
func (f Format) IsBlocked() bool {
	switch f {
	case FormatNC1HWC0, FormatNDC1HWC0, FormatFractalZ, FormatFractalNZ:
		return true
	}
	return false
}

// ChannelAxis returns the axis of the channel ("C") dimension of a logical layout, or -1 if
// the format has no channel axis.
func (f Format) ChannelAxis() int {
	switch f {
	case FormatNCHW, FormatNCDHW:
		return 1
	case FormatNHWC:
		return 3
	case FormatNDHWC:
		return 4
	case FormatHWCN:
		return 2
	}
	return -1
}

// C0For returns the size of the innermost C0 block used by blocked formats for the given dtype.
func C0For(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Int8, dtypes.Uint8:
		return 32
	}
	return 16
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
// An unknown dimension (negative a) stays unknown.
func CeilDiv[T constraints.Integer](a, b T) T {
	if a < 0 {
		return a
	}
	return (a + b - 1) / b
}

// AlignUp rounds a up to the next multiple of align.
// An unknown dimension (negative a) stays unknown.
func AlignUp[T constraints.Integer](a, align T) T {
	if a < 0 {
		return a
	}
	return CeilDiv(a, align) * align
}
