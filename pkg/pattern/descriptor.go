// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern declares structural patterns over an ir.Graph and finds the subgraphs that match them.
//
// A pattern is built with a Descriptor: a set of named roles (which operator types a role accepts,
// how many nodes may bind to it), the head roles matching starts from, and the directed edges between
// roles. Descriptor.Compile validates it into an immutable Pattern, which Match uses to return one
// Mapping (role name -> bound nodes) per disjoint match in the graph.
//
// Example:
//
//	p, err := pattern.New("matmul_biasadd").
//		AddRole("matmul", []string{"MatMulV2"}, 1, 1).
//		AddRole("bias_add", []string{"BiasAdd"}, 1, 1).
//		SetHead("matmul").
//		SetOutputs("matmul", []string{"bias_add"}, pattern.BranchSingle, true).
//		Compile()
//	for _, m := range pattern.Match(p, g) {
//		matmul, _ := m.Node("matmul")
//		...
//	}
package pattern

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrMalformedPattern is wrapped by every error returned by Descriptor.Compile.
var ErrMalformedPattern = errors.New("malformed pattern")

// Many can be used as the maximum count of a repeatable role to mean "no upper limit".
const Many = math.MaxInt

// ShapeConstraint restricts a role to nodes with dynamic or static shapes.
type ShapeConstraint int

const (
	ShapeAny ShapeConstraint = iota
	ShapeDynamic
	ShapeStatic
)

// String implements fmt.Stringer.
func (c ShapeConstraint) String() string {
	switch c {
	case ShapeAny:
		return "ShapeAny"
	case ShapeDynamic:
		return "ShapeDynamic"
	case ShapeStatic:
		return "ShapeStatic"
	}
	return fmt.Sprintf("ShapeConstraint(%d)", int(c))
}

// BranchMode tells how many consumers the node bound to a role may have.
type BranchMode int

const (
	// BranchAny accepts any number of consumers.
	BranchAny BranchMode = iota

	// BranchSingle requires exactly one consumer node.
	BranchSingle
)

// String implements fmt.Stringer.
func (b BranchMode) String() string {
	switch b {
	case BranchAny:
		return "BranchAny"
	case BranchSingle:
		return "BranchSingle"
	}
	return fmt.Sprintf("BranchMode(%d)", int(b))
}

// Role is one named position of a pattern.
type Role struct {
	name       string
	types      sets.Set[string]
	min, max   int
	group      int
	shape      ShapeConstraint
	repeatable bool

	// Declared outgoing edges.
	successors []string
	mode       BranchMode
	strict     bool
	hasOutputs bool
}

// Name of the role.
func (r *Role) Name() string { return r.name }

// IsWildcard returns whether the role accepts any operator type.
func (r *Role) IsWildcard() bool { return len(r.types) == 0 }

// IsOptional returns whether the role may be absent from a match.
func (r *Role) IsOptional() bool { return r.min == 0 }

// IsRepeatable returns whether more than one node can bind to the role.
func (r *Role) IsRepeatable() bool { return r.repeatable }

// Group is the group id given with the Group option, or 0.
func (r *Role) Group() int { return r.group }

// Accepts returns whether the node could bind to this role, considering only the node itself.
func (r *Role) Accepts(n *ir.Node) bool {
	if n == nil {
		return false
	}
	if !r.IsWildcard() && !r.types.Has(n.OpType()) {
		return false
	}
	switch r.shape {
	case ShapeDynamic:
		return n.IsDynamic()
	case ShapeStatic:
		return !n.IsDynamic()
	}
	return true
}

// RoleOption configures optional properties of a role in Descriptor.AddRole.
type RoleOption func(r *Role)

// Group assigns the role to a group, so its nodes can be retrieved together with Mapping.Group.
func Group(id int) RoleOption {
	return func(r *Role) { r.group = id }
}

// Shape restricts the role to nodes with dynamic or static shapes.
func Shape(constraint ShapeConstraint) RoleOption {
	return func(r *Role) { r.shape = constraint }
}

// Repeatable allows more than one node (up to the role's maximum count) to bind to the role.
// All the candidates found for the role are bound together.
func Repeatable() RoleOption {
	return func(r *Role) { r.repeatable = true }
}

// Descriptor is the builder of a pattern. Its methods can be chained, and problems are only
// reported by Compile.
type Descriptor struct {
	name     string
	roles    []*Role
	byName   map[string]*Role
	heads    []string
	output   string
	problems error
}

// New creates an empty pattern descriptor.
func New(name string) *Descriptor {
	return &Descriptor{name: name, byName: make(map[string]*Role)}
}

// Name of the pattern.
func (d *Descriptor) Name() string { return d.name }

func (d *Descriptor) problemf(format string, args ...any) {
	d.problems = multierr.Append(d.problems, errors.Errorf(format, args...))
}

// AddRole declares a role accepting nodes of any of the given operator types (empty means any type),
// bound to between minCount and maxCount nodes in a match.
//
// A role with minCount 0 is optional. A maxCount above 1 requires the Repeatable option.
func (d *Descriptor) AddRole(name string, acceptedTypes []string, minCount, maxCount int, opts ...RoleOption) *Descriptor {
	if _, found := d.byName[name]; found {
		d.problemf("role %q declared more than once", name)
		return d
	}
	r := &Role{
		name:  name,
		types: sets.MakeWith(acceptedTypes...),
		min:   minCount,
		max:   maxCount,
	}
	for _, opt := range opts {
		opt(r)
	}
	d.roles = append(d.roles, r)
	d.byName[name] = r
	return d
}

// SetHead declares the roles matching starts from. Matching is seeded with the nodes of the first one.
func (d *Descriptor) SetHead(roleNames ...string) *Descriptor {
	d.heads = append(d.heads, roleNames...)
	return d
}

// SetOutputs declares edges from role to each of the successors: nodes bound to role feed the
// nodes bound to the successors.
//
// The mode restricts the number of consumers of the role's nodes, and strict requires that all
// their consumers belong to the successor roles, so no value needed elsewhere is fused away.
// Calling it again for the same role adds successors, but mode and strict must not change.
func (d *Descriptor) SetOutputs(role string, successors []string, mode BranchMode, strict bool) *Descriptor {
	r, found := d.byName[role]
	if !found {
		d.problemf("SetOutputs: unknown role %q", role)
		return d
	}
	if r.hasOutputs && (r.mode != mode || r.strict != strict) {
		d.problemf("SetOutputs(%q): conflicting branch mode or strict flag", role)
	}
	r.successors = append(r.successors, successors...)
	r.mode, r.strict, r.hasOutputs = mode, strict, true
	return d
}

// SetOutput declares the role that is the exit point of the pattern. If not set, it is the
// unique role without successors.
func (d *Descriptor) SetOutput(role string) *Descriptor {
	d.output = role
	return d
}

// Pattern is a compiled, validated and immutable pattern. It is safe to reuse across graphs.
type Pattern struct {
	name   string
	roles  []*Role
	byName map[string]*Role
	heads  []*Role
	output *Role

	// preds lists, for each role name, the roles with an edge into it.
	preds map[string][]*Role

	// order is the search order: the first head, then every role adjacent to an earlier one.
	order []*Role
}

// Name of the pattern.
func (p *Pattern) Name() string { return p.name }

// Role returns the role with the given name, or nil.
func (p *Pattern) Role(name string) *Role { return p.byName[name] }

// Output returns the name of the exit role.
func (p *Pattern) Output() string { return p.output.name }

// Heads returns the names of the head roles.
func (p *Pattern) Heads() []string {
	names := make([]string, len(p.heads))
	for ii, r := range p.heads {
		names[ii] = r.name
	}
	return names
}

// Compile validates the descriptor and returns the compiled Pattern.
// All problems found are reported together, wrapping ErrMalformedPattern.
func (d *Descriptor) Compile() (*Pattern, error) {
	err := d.problems
	p := &Pattern{
		name:   d.name,
		roles:  make([]*Role, len(d.roles)),
		byName: make(map[string]*Role, len(d.roles)),
		preds:  make(map[string][]*Role),
	}
	for ii, r := range d.roles {
		// Copied, so changes to the descriptor don't affect the compiled pattern.
		r2 := *r
		r2.types = r.types.Clone()
		r2.successors = slices.Clone(r.successors)
		p.roles[ii] = &r2
		p.byName[r.name] = &r2
	}
	appendf := func(format string, args ...any) {
		err = multierr.Append(err, errors.Errorf(format, args...))
	}

	for _, r := range p.roles {
		switch {
		case r.min < 0:
			appendf("role %q: negative min count %d", r.name, r.min)
		case r.max <= 0:
			appendf("role %q: max count must be positive, got %d", r.name, r.max)
		case r.max < r.min:
			appendf("role %q: max count %d < min count %d", r.name, r.max, r.min)
		case r.max > 1 && !r.repeatable:
			appendf("role %q: max count %d requires the role to be repeatable", r.name, r.max)
		}
		for _, succ := range r.successors {
			_, found := p.byName[succ]
			switch {
			case !found:
				appendf("role %q: unknown successor role %q", r.name, succ)
			case succ == r.name:
				appendf("role %q: self edge", r.name)
			case !slices.Contains(p.preds[succ], r):
				p.preds[succ] = append(p.preds[succ], r)
			}
		}
	}

	if len(d.heads) == 0 {
		appendf("no head role")
	}
	for _, name := range d.heads {
		r, found := p.byName[name]
		if !found {
			appendf("unknown head role %q", name)
			continue
		}
		if r.IsOptional() || r.repeatable {
			appendf("head role %q must bind exactly one node", name)
		}
		if !slices.Contains(p.heads, r) {
			p.heads = append(p.heads, r)
		}
	}

	if d.output != "" {
		r, found := p.byName[d.output]
		if !found {
			appendf("unknown output role %q", d.output)
		}
		p.output = r
	} else {
		var sinks []string
		for _, r := range p.roles {
			if len(r.successors) == 0 {
				sinks = append(sinks, r.name)
			}
		}
		switch len(sinks) {
		case 0:
			appendf("no output role: every role has successors")
		case 1:
			p.output = p.byName[sinks[0]]
		default:
			appendf("ambiguous output role, candidates are %q: use SetOutput", sinks)
		}
	}

	if len(p.heads) > 0 {
		p.order = p.searchOrder()
		if len(p.order) != len(p.roles) {
			for _, r := range p.roles {
				if !slices.Contains(p.order, r) {
					appendf("role %q is not connected to the head roles", r.name)
				}
			}
		}
		if p.output != nil && !p.reachableFromHeads(p.output) {
			appendf("output role %q is not reachable from a head role", p.output.name)
		}
	}

	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPattern, "pattern %q: %v", d.name, err)
	}
	return p, nil
}

// neighbours returns the roles adjacent to r, in either direction.
func (p *Pattern) neighbours(r *Role) []*Role {
	var adjacent []*Role
	for _, succ := range r.successors {
		if s, found := p.byName[succ]; found && s != r {
			adjacent = append(adjacent, s)
		}
	}
	return append(adjacent, p.preds[r.name]...)
}

// searchOrder starts with the first head and repeatedly appends the first declared role adjacent
// to an already ordered one. Roles unreachable from the head are left out.
func (p *Pattern) searchOrder() []*Role {
	order := []*Role{p.heads[0]}
	inOrder := sets.MakeWith(p.heads[0].name)
	for {
		added := false
		for _, r := range p.roles {
			if inOrder.Has(r.name) {
				continue
			}
			if slices.ContainsFunc(p.neighbours(r), func(n *Role) bool { return inOrder.Has(n.name) }) {
				order = append(order, r)
				inOrder.Insert(r.name)
				added = true
				break
			}
		}
		if !added {
			return order
		}
	}
}

// reachableFromHeads follows the declared edges forward from every head.
func (p *Pattern) reachableFromHeads(target *Role) bool {
	visited := sets.Make[string]()
	queue := slices.Clone(p.heads)
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if r == target {
			return true
		}
		if visited.Has(r.name) {
			continue
		}
		visited.Insert(r.name)
		for _, succ := range r.successors {
			if s, found := p.byName[succ]; found {
				queue = append(queue, s)
			}
		}
	}
	return false
}

// String describes the compiled pattern, one role per line.
func (p *Pattern) String() string {
	s := fmt.Sprintf("Pattern %q (heads=%v, output=%q):", p.name, p.Heads(), p.output.name)
	for _, r := range p.roles {
		types := "*"
		if !r.IsWildcard() {
			types = fmt.Sprintf("%v", sets.Sorted(r.types))
		}
		maxCount := fmt.Sprint(r.max)
		if r.max == Many {
			maxCount = "*"
		}
		s += fmt.Sprintf("\n  %s%s [%d,%s]", r.name, types, r.min, maxCount)
		if len(r.successors) > 0 {
			s += fmt.Sprintf(" -> %v %s", r.successors, r.mode)
			if r.strict {
				s += " strict"
			}
		}
	}
	return s
}
