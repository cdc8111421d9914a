// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimRangeUnbounded(t *testing.T) {
	tests := []struct {
		r    DimRange
		want bool
	}{
		{UnboundedRange(), true},
		{DimRange{1, math.MaxInt64}, true},
		{DimRange{0, -1}, true},
		{DimRange{1, 8}, false},
		{DimRange{2, -1}, false},
		{FixedRange(16), false},
	}
	for _, tt := range tests {
		t.Run(tt.r.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.r.Unbounded())
		})
	}
}

func TestTensorDesc(t *testing.T) {
	d := NewDesc(dtypes.Float16, FormatNC1HWC0, -1, -1, -1, -1, 16).
		WithOrigin(FormatNCHW, -1, -1, -1, -1).
		WithRange(UnboundedRange(), UnboundedRange(), UnboundedRange(), UnboundedRange(), FixedRange(16))
	assert.True(t, d.IsDynamic())
	assert.Equal(t, 5, d.Rank())
	assert.Equal(t, -1, d.Size())
	_, ok := d.Memory()
	assert.False(t, ok)
	assert.True(t, d.HasUnboundedRange(4))
	assert.False(t, d.HasUnboundedRange())
	assert.Contains(t, d.String(), "origin=[? ? ? ?]NCHW")

	c := d.Clone()
	if diff := cmp.Diff(d, c); diff != "" {
		t.Fatalf("Clone() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, d.Equal(c))
	c.ShapeRange[0] = DimRange{1, 8}
	assert.False(t, d.Equal(c))
	assert.False(t, c.HasUnboundedRange(4))

	static := NewDesc(dtypes.Float32, FormatND, 2, 3)
	assert.False(t, static.IsDynamic())
	mem, ok := static.Memory()
	require.True(t, ok)
	assert.Equal(t, uint64(24), mem)
	assert.Contains(t, static.String(), "24 B")

	var nilDesc *TensorDesc
	assert.Nil(t, nilDesc.Clone())
	assert.True(t, nilDesc.Equal(nil))
	assert.False(t, nilDesc.Equal(static))
}

func TestFormat(t *testing.T) {
	for f := FormatND; f <= FormatNDC1HWC0; f++ {
		parsed, err := ParseFormat(f.String())
		require.NoError(t, err)
		assert.Equal(t, f, parsed)
	}
	_, err := ParseFormat("NCWH")
	assert.Error(t, err)
	f, err := ParseFormat("nc1hwc0")
	require.NoError(t, err)
	assert.True(t, f.IsBlocked())
	assert.False(t, FormatNCHW.IsBlocked())
	assert.Equal(t, 1, FormatNCHW.ChannelAxis())
	assert.Equal(t, 3, FormatNHWC.ChannelAxis())
	assert.Equal(t, -1, FormatND.ChannelAxis())
	assert.Equal(t, "Format(99)", Format(99).String())

	assert.Equal(t, 2, CeilDiv(17, 16))
	assert.Equal(t, 1, CeilDiv(16, 16))
	assert.Equal(t, -1, CeilDiv(-1, 16))
	assert.Equal(t, int64(32), AlignUp(int64(17), 16))
	assert.Equal(t, 16, C0For(dtypes.Float16))
	assert.Equal(t, 32, C0For(dtypes.Int8))
}
