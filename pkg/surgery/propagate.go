// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package surgery

import (
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/shapeinference"
	"k8s.io/klog/v2"
)

// PropagateShape pushes the output descriptors of start down the single-consumer path that leads
// to end: at each step the producer's output descriptors are copied into the inputs of its only
// consumer, and the consumer's shape inference is run. It stops after end is inferred.
//
// The path must be a chain: a node with zero or more than one consumer before reaching end is an
// error, as is any inference failure. Nodes already updated are not restored on error.
func PropagateShape(g *ir.Graph, reg *shapeinference.Registry, start, end ir.NodeID) error {
	const op = "PropagateShape"
	cur, err := liveNode(g, start, op)
	if err != nil {
		return err
	}
	if _, err := liveNode(g, end, op); err != nil {
		return err
	}
	for steps := 0; cur.ID() != end; steps++ {
		if steps >= g.NumNodes() {
			return surgeryErrorf("%s: no path from #%d to #%d", op, start, end)
		}
		consumers := cur.DataConsumers()
		if len(consumers) != 1 {
			return surgeryErrorf("%s: %s has %d consumers, expected a single-consumer path to #%d",
				op, cur, len(consumers), end)
		}
		next := g.Node(consumers[0])
		for ii := range next.NumInputs() {
			src, connected := next.Producer(ii)
			if connected && src.Node == cur.ID() {
				next.SetInputDesc(ii, cur.OutputDesc(src.Index).Clone())
			}
		}
		if err := reg.Infer(next); err != nil {
			return surgeryWrapf(err, "%s", op)
		}
		if klog.V(3).Enabled() {
			klog.Infof("%s: %s -> %s", op, next, next.OutputDescs())
		}
		cur = next
	}
	return nil
}
