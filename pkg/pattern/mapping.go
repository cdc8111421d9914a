// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/support/sets"
)

// Mapping is one match of a Pattern: for each bound role, the ordered list of nodes bound to it.
// Absent optional roles are not in the mapping.
//
// A Mapping is only valid until the graph is changed by a rewrite that is not its own.
type Mapping struct {
	pattern *Pattern
	nodes   map[string][]ir.NodeID
}

func newMapping(p *Pattern) *Mapping {
	return &Mapping{pattern: p, nodes: make(map[string][]ir.NodeID)}
}

// Pattern that produced the mapping.
func (m *Mapping) Pattern() *Pattern { return m.pattern }

// Node returns the first node bound to role, and false if the role is absent.
func (m *Mapping) Node(role string) (ir.NodeID, bool) {
	ids := m.nodes[role]
	if len(ids) == 0 {
		return ir.InvalidNodeID, false
	}
	return ids[0], true
}

// Nodes returns all nodes bound to role (nil if absent), ordered by NodeID.
func (m *Mapping) Nodes(role string) []ir.NodeID {
	return slices.Clone(m.nodes[role])
}

// Has returns whether at least one node is bound to role.
func (m *Mapping) Has(role string) bool { return len(m.nodes[role]) > 0 }

// All returns all nodes of the mapping, sorted by NodeID.
func (m *Mapping) All() []ir.NodeID {
	all := sets.Make[ir.NodeID]()
	for _, ids := range m.nodes {
		all.Insert(ids...)
	}
	return sets.Sorted(all)
}

// Group returns the nodes bound to roles of the given group id, in role declaration order.
func (m *Mapping) Group(id int) []ir.NodeID {
	var ids []ir.NodeID
	for _, r := range m.pattern.roles {
		if r.group == id {
			ids = append(ids, m.nodes[r.name]...)
		}
	}
	return ids
}

// Roles returns the names of the bound roles, in declaration order.
func (m *Mapping) Roles() []string {
	var names []string
	for _, r := range m.pattern.roles {
		if m.Has(r.name) {
			names = append(names, r.name)
		}
	}
	return names
}

// Contains returns whether the node is bound to any role.
func (m *Mapping) Contains(id ir.NodeID) bool {
	for _, ids := range m.nodes {
		if slices.Contains(ids, id) {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	parts := make([]string, 0, len(m.nodes))
	for _, name := range m.Roles() {
		parts = append(parts, fmt.Sprintf("%s=%v", name, m.nodes[name]))
	}
	return fmt.Sprintf("%s{%s}", m.pattern.name, strings.Join(parts, ", "))
}

func (m *Mapping) bind(r *Role, ids ...ir.NodeID) {
	m.nodes[r.name] = append(m.nodes[r.name], ids...)
}

func (m *Mapping) unbind(r *Role) {
	delete(m.nodes, r.name)
}

func (m *Mapping) clone() *Mapping {
	m2 := newMapping(m.pattern)
	for name, ids := range m.nodes {
		m2.nodes[name] = slices.Clone(ids)
	}
	return m2
}
