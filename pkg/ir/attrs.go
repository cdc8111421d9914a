// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"maps"
	"slices"
)

// Well-known attribute names written by fusion passes.
const (
	// AttrFusionOpType names the fused operator the tagged cluster is to be replaced with.
	AttrFusionOpType = "fusion_op_type"

	// AttrFusionScope groups nodes that must be compiled as a single fused kernel.
	AttrFusionScope = "fusion_scope"
)

// AttrValue enumerates the Go types an attribute may hold.
type AttrValue interface {
	bool | int64 | float64 | string | []int64
}

// SetAttr sets the named attribute of the node. Slices are copied.
func SetAttr[T AttrValue](n *Node, name string, value T) {
	if n.attrs == nil {
		n.attrs = make(map[string]any)
	}
	if list, ok := any(value).([]int64); ok {
		n.attrs[name] = slices.Clone(list)
		return
	}
	n.attrs[name] = value
}

// GetAttr returns the named attribute, and false if it is not set or holds a different type.
func GetAttr[T AttrValue](n *Node, name string) (value T, found bool) {
	raw, ok := n.attrs[name]
	if !ok {
		return
	}
	value, found = raw.(T)
	if list, ok := any(value).([]int64); ok && found {
		value = any(slices.Clone(list)).(T)
	}
	return
}

// GetAttrOr returns the named attribute or defaultValue if it is not set.
func GetAttrOr[T AttrValue](n *Node, name string, defaultValue T) T {
	if v, found := GetAttr[T](n, name); found {
		return v
	}
	return defaultValue
}

// HasAttr returns whether the attribute is set, regardless of its type.
func (n *Node) HasAttr(name string) bool {
	_, found := n.attrs[name]
	return found
}

// DeleteAttr removes the attribute, if set.
func (n *Node) DeleteAttr(name string) {
	delete(n.attrs, name)
}

// AttrNames returns the sorted names of all attributes set.
func (n *Node) AttrNames() []string {
	return slices.Sorted(maps.Keys(n.attrs))
}

// SameAttrs returns whether both nodes have exactly the same attributes, with equal values.
func (n *Node) SameAttrs(other *Node) bool {
	if len(n.attrs) != len(other.attrs) {
		return false
	}
	for name, v := range n.attrs {
		v2, found := other.attrs[name]
		if !found || !attrEqual(v, v2) {
			return false
		}
	}
	return true
}

// CopyAttrsFrom sets on n all the attributes of src, replacing the ones with the same name.
func (n *Node) CopyAttrsFrom(src *Node) {
	if len(src.attrs) == 0 {
		return
	}
	if n.attrs == nil {
		n.attrs = make(map[string]any, len(src.attrs))
	}
	maps.Copy(n.attrs, cloneAttrs(src.attrs))
}

func attrEqual(a, b any) bool {
	if la, ok := a.([]int64); ok {
		lb, ok := b.([]int64)
		return ok && slices.Equal(la, lb)
	}
	return a == b
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	c := make(map[string]any, len(attrs))
	for name, v := range attrs {
		if list, ok := v.([]int64); ok {
			v = slices.Clone(list)
		}
		c[name] = v
	}
	return c
}
