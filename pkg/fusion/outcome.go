// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"

	"github.com/gomlx/fusion/pkg/ir"
)

// OutcomeKind is the kind of result of a rewrite.
type OutcomeKind int

const (
	// OutcomeApplied means the graph was rewritten.
	OutcomeApplied OutcomeKind = iota

	// OutcomeNotApplicable means a precondition was not met, and the graph is untouched.
	OutcomeNotApplicable

	// OutcomeFailed means the rewrite could not be completed: the graph may be inconsistent, and
	// the compilation must stop.
	OutcomeFailed
)

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApplied:
		return "Applied"
	case OutcomeNotApplicable:
		return "NotApplicable"
	case OutcomeFailed:
		return "Failed"
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// Outcome of one Pass.Rewrite call.
type Outcome struct {
	Kind OutcomeKind

	// NewNodes created by an applied rewrite.
	NewNodes []ir.NodeID

	// Reason why the rewrite was not applicable.
	Reason string

	// Err is the cause of a failed rewrite.
	Err error
}

// Applied returns the outcome of a successful rewrite, listing the nodes it created.
func Applied(newNodes ...ir.NodeID) Outcome {
	return Outcome{Kind: OutcomeApplied, NewNodes: newNodes}
}

// NotApplicable returns the outcome of a rewrite whose preconditions were not met.
func NotApplicable(format string, args ...any) Outcome {
	return Outcome{Kind: OutcomeNotApplicable, Reason: fmt.Sprintf(format, args...)}
}

// Failed returns the outcome of a rewrite that could not complete.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeApplied:
		return fmt.Sprintf("Applied(new nodes %v)", o.NewNodes)
	case OutcomeNotApplicable:
		return fmt.Sprintf("NotApplicable(%s)", o.Reason)
	case OutcomeFailed:
		return fmt.Sprintf("Failed(%v)", o.Err)
	}
	return o.Kind.String()
}
