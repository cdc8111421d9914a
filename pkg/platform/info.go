// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package platform describes the hardware target fusion passes are compiling for: SoC version, number
// of AI cores, which dtypes each hardware intrinsic supports, cache sizes and memory bandwidth.
//
// Passes query it through a Provider, read-only, at most once per rewrite. Failing to get the
// information means the hardware-specific fusion is not applicable: it is never a fatal error.
package platform

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
)

// DefaultMaxConcatInputs is the maximum number of inputs of a concatenation kernel when the platform
// doesn't say otherwise.
const DefaultMaxConcatInputs = 63

// SocFamilies are the known SoC families, used by Info.SocFamily.
var SocFamilies = []string{
	"Ascend310", "Ascend310B", "Ascend310P",
	"Ascend610", "Ascend910", "Ascend910B", "Ascend910_93",
}

// Info is the description of a hardware target.
type Info struct {
	// SocVersion is the full SoC version, e.g.: "Ascend910B3".
	SocVersion string

	// AICoreCount is the number of AI cores, 0 if unknown.
	AICoreCount int

	// IntrinsicDTypes maps each hardware intrinsic (e.g. "Conv2D", "MatMul") to the dtypes it supports.
	IntrinsicDTypes map[string]sets.Set[dtypes.DType]

	// L2CacheSize in bytes.
	L2CacheSize uint64

	// Bandwidth in GB/s, per memory ("hbm", "l2").
	Bandwidth map[string]float64

	// MaxConcatInputs is the maximum number of inputs of one concatenation, 0 to use DefaultMaxConcatInputs.
	MaxConcatInputs int
}

// Clone makes a deep copy of the Info.
func (i *Info) Clone() *Info {
	i2 := *i
	i2.IntrinsicDTypes = make(map[string]sets.Set[dtypes.DType], len(i.IntrinsicDTypes))
	for name, dtypeSet := range i.IntrinsicDTypes {
		i2.IntrinsicDTypes[name] = dtypeSet.Clone()
	}
	i2.Bandwidth = maps.Clone(i.Bandwidth)
	return &i2
}

// HasIntrinsic returns whether the dtypes supported by the intrinsic are known.
func (i *Info) HasIntrinsic(intrinsic string) bool {
	_, found := i.IntrinsicDTypes[intrinsic]
	return found
}

// SupportsDType returns whether the intrinsic is known to support dtype.
func (i *Info) SupportsDType(intrinsic string, dtype dtypes.DType) bool {
	return i.IntrinsicDTypes[intrinsic].Has(dtype)
}

// SocFamily returns the longest known family that prefixes the SoC version, or the SoC version
// itself if none does.
func (i *Info) SocFamily() string {
	family := ""
	for _, f := range SocFamilies {
		if strings.HasPrefix(i.SocVersion, f) && len(f) > len(family) {
			family = f
		}
	}
	if family == "" {
		return i.SocVersion
	}
	return family
}

// ConcatLimit returns MaxConcatInputs, or DefaultMaxConcatInputs if it is not set.
func (i *Info) ConcatLimit() int {
	if i.MaxConcatInputs > 0 {
		return i.MaxConcatInputs
	}
	return DefaultMaxConcatInputs
}

// String implements fmt.Stringer.
func (i *Info) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (family %s): %d AI cores, L2 %s", i.SocVersion, i.SocFamily(), i.AICoreCount,
		humanize.IBytes(i.L2CacheSize))
	for _, name := range slices.Sorted(maps.Keys(i.Bandwidth)) {
		fmt.Fprintf(&sb, ", %s %.0fGB/s", name, i.Bandwidth[name])
	}
	for _, name := range slices.Sorted(maps.Keys(i.IntrinsicDTypes)) {
		dtypeNames := make([]string, 0, len(i.IntrinsicDTypes[name]))
		for dtype := range i.IntrinsicDTypes[name] {
			dtypeNames = append(dtypeNames, dtype.String())
		}
		slices.Sort(dtypeNames)
		fmt.Fprintf(&sb, ", %s%v", name, dtypeNames)
	}
	return sb.String()
}
