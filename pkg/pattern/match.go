// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Match returns one Mapping for each match of the pattern in the graph.
//
// Seeds are the live nodes accepted by the first head role, in NodeID order. Every node bound to a
// non-wildcard role is claimed by its mapping and is not considered again, so the returned mappings
// are disjoint. Nodes bound to wildcard roles (typically opaque inputs) may appear in more than one
// mapping.
//
// A seed for which some required role cannot be bound yields no mapping: that is not an error.
func Match(p *Pattern, g *ir.Graph) []*Mapping {
	claimed := sets.Make[ir.NodeID]()
	head := p.order[0]
	var mappings []*Mapping
	for _, n := range g.Nodes() {
		// A wildcard head is not claimed, so the same seed can start more than one match.
		for head.Accepts(n) && (head.IsWildcard() || !claimed.Has(n.ID())) {
			m, found := newSearch(p, g, claimed).run(n.ID())
			if !found {
				break
			}
			mappings = append(mappings, m)
			if !claim(claimed, m) {
				break
			}
		}
	}
	if klog.V(2).Enabled() {
		klog.Infof("pattern %q: %d match(es) in graph %q", p.name, len(mappings), g.Name())
	}
	return mappings
}

// claim marks the nodes bound to non-wildcard roles as claimed, and returns whether any was.
func claim(claimed sets.Set[ir.NodeID], m *Mapping) bool {
	newClaims := false
	for _, r := range m.pattern.roles {
		if r.IsWildcard() {
			continue
		}
		for _, id := range m.nodes[r.name] {
			if !claimed.Has(id) {
				claimed.Insert(id)
				newClaims = true
			}
		}
	}
	return newClaims
}

// MatchFrom attempts a single match with the first head role bound to seed.
// It ignores matches found before: no node is considered claimed.
func MatchFrom(p *Pattern, g *ir.Graph, seed ir.NodeID) (*Mapping, bool) {
	if !p.order[0].Accepts(g.Node(seed)) {
		return nil, false
	}
	return newSearch(p, g, nil).run(seed)
}

// search is the state of one backtracking search from a seed.
type search struct {
	p       *Pattern
	g       *ir.Graph
	claimed sets.Set[ir.NodeID]

	m    *Mapping
	used sets.Set[ir.NodeID]
}

func newSearch(p *Pattern, g *ir.Graph, claimed sets.Set[ir.NodeID]) *search {
	return &search{p: p, g: g, claimed: claimed, m: newMapping(p), used: sets.Make[ir.NodeID]()}
}

func (s *search) run(seed ir.NodeID) (*Mapping, bool) {
	s.bind(s.p.order[0], seed)
	if !s.step(1) {
		if klog.V(3).Enabled() {
			klog.Infof("pattern %q: no match from seed %s", s.p.name, s.g.Node(seed))
		}
		return nil, false
	}
	return s.m.clone(), true
}

func (s *search) bind(r *Role, ids ...ir.NodeID) {
	s.m.bind(r, ids...)
	s.used.Insert(ids...)
}

func (s *search) unbind(r *Role) {
	s.used.Remove(s.m.nodes[r.name]...)
	s.m.unbind(r)
}

// step binds the role at position idx of the search order and recurses.
// Non-repeatable roles try each candidate in turn, and finally (if optional) the role being absent.
// Repeatable roles bind all their candidates at once.
func (s *search) step(idx int) bool {
	if idx == len(s.p.order) {
		err := s.p.Verify(s.g, s.m)
		if err != nil && klog.V(3).Enabled() {
			klog.Infof("pattern %q: candidate %s rejected: %v", s.p.name, s.m, err)
		}
		return err == nil
	}
	r := s.p.order[idx]
	candidates := s.candidates(r)
	if r.repeatable {
		if len(candidates) == 0 {
			return r.IsOptional() && s.step(idx+1)
		}
		if len(candidates) < r.min || len(candidates) > r.max {
			return false
		}
		s.bind(r, candidates...)
		if s.step(idx + 1) {
			return true
		}
		s.unbind(r)
		return false
	}
	for _, id := range candidates {
		s.bind(r, id)
		if s.step(idx + 1) {
			return true
		}
		s.unbind(r)
	}
	return r.IsOptional() && s.step(idx+1)
}

// candidates returns the nodes that could bind to r given the roles already bound: the consumers
// of bound predecessor roles and the producers of bound successor roles (all of them must agree),
// accepted by r and not yet used or claimed. Sorted by NodeID.
func (s *search) candidates(r *Role) []ir.NodeID {
	var found sets.Set[ir.NodeID]
	restrict := func(ids sets.Set[ir.NodeID]) {
		if found == nil {
			found = ids
			return
		}
		for id := range found {
			if !ids.Has(id) {
				found.Remove(id)
			}
		}
	}
	for _, pred := range s.p.preds[r.name] {
		predIDs := s.m.nodes[pred.name]
		if len(predIDs) == 0 {
			continue
		}
		consumers := sets.Make[ir.NodeID]()
		for _, id := range predIDs {
			consumers.Insert(s.g.Node(id).DataConsumers()...)
		}
		restrict(consumers)
	}
	for _, succ := range r.successors {
		succIDs := s.m.nodes[succ]
		if len(succIDs) == 0 {
			continue
		}
		producers := sets.Make[ir.NodeID]()
		for _, id := range succIDs {
			producers.Insert(s.g.Node(id).DataProducers()...)
		}
		restrict(producers)
	}

	var candidates []ir.NodeID
	for _, id := range sets.Sorted(found) {
		if s.used.Has(id) || (!r.IsWildcard() && s.claimed.Has(id)) {
			continue
		}
		if r.Accepts(s.g.Node(id)) {
			candidates = append(candidates, id)
		}
	}
	return candidates
}

// Verify checks that the mapping satisfies every constraint of the pattern in the current graph:
// the bound nodes are live and accepted by their roles, role counts are within bounds, each
// declared edge between bound roles exists in the graph (every node of the source role feeds a
// node of the destination role, and every node of the destination role is fed by one of the
// source role), branch modes and strict flags hold.
//
// The pass driver calls it again right before each rewrite, since earlier rewrites may have
// invalidated the mapping.
func (p *Pattern) Verify(g *ir.Graph, m *Mapping) error {
	if m.pattern != p {
		return errors.Errorf("mapping of pattern %q verified against pattern %q", m.pattern.name, p.name)
	}
	for name := range m.nodes {
		if _, found := p.byName[name]; !found {
			return errors.Errorf("pattern %q has no role %q", p.name, name)
		}
	}
	seen := sets.Make[ir.NodeID]()
	for _, r := range p.roles {
		ids := m.nodes[r.name]
		if len(ids) < r.min || len(ids) > r.max {
			return errors.Errorf("role %q: %d nodes bound, want between %d and %d", r.name, len(ids), r.min, r.max)
		}
		for _, id := range ids {
			n := g.Node(id)
			if n == nil {
				return errors.Errorf("role %q: node #%d is no longer in the graph", r.name, id)
			}
			if !r.Accepts(n) {
				return errors.Errorf("role %q doesn't accept %s", r.name, n)
			}
			if seen.Has(id) {
				return errors.Errorf("role %q: %s bound more than once", r.name, n)
			}
			seen.Insert(id)
		}
	}

	for _, r := range p.roles {
		ids := m.nodes[r.name]
		if len(ids) == 0 {
			continue
		}
		downstream := sets.Make[ir.NodeID]()
		for _, succ := range r.successors {
			succIDs := m.nodes[succ]
			downstream.Insert(succIDs...)
			if len(succIDs) == 0 {
				continue
			}
			for _, id := range ids {
				if !feedsAny(g, id, succIDs) {
					return errors.Errorf("edge %q -> %q: %s feeds no node of %q", r.name, succ, g.Node(id), succ)
				}
			}
			for _, succID := range succIDs {
				if !fedByAny(g, succID, ids) {
					return errors.Errorf("edge %q -> %q: %s is not fed by %q", r.name, succ, g.Node(succID), r.name)
				}
			}
		}
		for _, id := range ids {
			n := g.Node(id)
			consumers := n.DataConsumers()
			if r.mode == BranchSingle && len(consumers) != 1 {
				return errors.Errorf("role %q: %s must have exactly one consumer, it has %d", r.name, n, len(consumers))
			}
			if r.strict {
				for _, c := range consumers {
					if !downstream.Has(c) {
						return errors.Errorf("role %q: %s has consumer %s outside the pattern", r.name, n, g.Node(c))
					}
				}
			}
		}
	}
	return nil
}

func feedsAny(g *ir.Graph, from ir.NodeID, to []ir.NodeID) bool {
	for _, id := range to {
		if g.Feeds(from, id) {
			return true
		}
	}
	return false
}

func fedByAny(g *ir.Graph, to ir.NodeID, from []ir.NodeID) bool {
	for _, id := range from {
		if g.Feeds(id, to) {
			return true
		}
	}
	return false
}
