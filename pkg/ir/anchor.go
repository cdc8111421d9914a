// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "fmt"

// OutAnchor is an output slot of a node: the source end of a data edge.
type OutAnchor struct {
	Node  NodeID
	Index int
}

// InAnchor is an input slot of a node: the destination end of a data edge.
type InAnchor struct {
	Node  NodeID
	Index int
}

// noProducer marks an input slot without incoming edge.
var noProducer = OutAnchor{Node: InvalidNodeID}

// Valid returns whether the anchor refers to a node at all. It doesn't check liveness.
func (a OutAnchor) Valid() bool { return a.Node != InvalidNodeID && a.Index >= 0 }

// Valid returns whether the anchor refers to a node at all. It doesn't check liveness.
func (a InAnchor) Valid() bool { return a.Node != InvalidNodeID && a.Index >= 0 }

func (a OutAnchor) String() string { return fmt.Sprintf("#%d:out%d", a.Node, a.Index) }

func (a InAnchor) String() string { return fmt.Sprintf("#%d:in%d", a.Node, a.Index) }
