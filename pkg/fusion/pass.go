// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion defines the contract of a fusion pass, the explicit table passes are registered in,
// and a Driver that runs the registered passes over a graph.
//
// A pass declares patterns (see package pattern). For each match the Driver re-verifies the mapping
// and calls the pass' Rewrite, which checks its preconditions and then (and only then) changes the
// graph with the primitives of package surgery. The result of a rewrite is an Outcome.
package fusion

import (
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/platform"
	"github.com/gomlx/fusion/pkg/shapeinference"
)

// Pass is a graph rewrite driven by patterns.
type Pass interface {
	// Name of the pass, as registered.
	Name() string

	// Patterns returns the descriptors of the patterns to match. Patterns that fail to compile
	// are dropped by the Driver, which logs them.
	Patterns() []*pattern.Descriptor

	// Rewrite is called for each match. It must check all its preconditions before changing the graph:
	// if any fails it returns NotApplicable with the graph untouched.
	Rewrite(rc *RewriteContext, m *pattern.Mapping) Outcome
}

// RewriteContext is what a pass has access to during Rewrite.
type RewriteContext struct {
	Graph    *ir.Graph
	Platform platform.Provider
	Shapes   *shapeinference.Registry
}

// Node returns the node bound to role, or nil if the role is absent.
func (rc *RewriteContext) Node(m *pattern.Mapping, role string) *ir.Node {
	id, found := m.Node(role)
	if !found {
		return nil
	}
	return rc.Graph.Node(id)
}
