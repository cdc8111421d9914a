// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir_test

import (
	"testing"

	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f32(dims ...int) *ir.TensorDesc { return ir.NewDesc(dtypes.Float32, ir.FormatND, dims...) }

func TestConnectAndQueries(t *testing.T) {
	b := irtest.New("queries")
	x := b.Input("x", f32(2, 3))
	relu := b.Op("relu", "Relu", f32(2, 3), irtest.Out(x))
	sig := b.Op("sig", "Sigmoid", f32(2, 3), irtest.Out(x))
	add := b.Op("add", "Add", f32(2, 3), irtest.Out(relu), irtest.Out(sig))
	b.Output("out", irtest.Out(add))
	g := b.G

	require.NoError(t, g.Validate())
	assert.Equal(t, 5, g.NumNodes())
	data, control := g.NumEdges()
	assert.Equal(t, 5, data)
	assert.Equal(t, 0, control)

	xNode := g.Node(x)
	assert.Equal(t, []ir.NodeID{relu, sig}, xNode.DataConsumers())
	assert.Len(t, xNode.Consumers(0), 2)
	assert.Equal(t, []ir.NodeID{relu, sig}, g.Node(add).DataProducers())
	src, ok := g.Node(add).Producer(1)
	require.True(t, ok)
	assert.Equal(t, ir.OutAnchor{Node: sig, Index: 0}, src)
	assert.True(t, g.Feeds(relu, add))
	assert.False(t, g.Feeds(add, relu))

	assert.Len(t, g.NodesOfType("Relu", "Sigmoid"), 2)
	assert.Equal(t, relu, g.NodeByName("relu").ID())
}

func TestConnectErrors(t *testing.T) {
	b := irtest.New("errors")
	x := b.Input("x", f32(4))
	y := b.Input("y", f32(4))
	neg := b.Op("neg", "Neg", f32(4), irtest.Out(x))
	g := b.G

	// Input slot already taken.
	require.Error(t, g.Connect(irtest.Out(y), irtest.In(neg, 0)))
	// Out of range slots.
	require.Error(t, g.Connect(ir.OutAnchor{Node: y, Index: 1}, irtest.In(neg, 0)))
	require.Error(t, g.Connect(irtest.Out(y), irtest.In(neg, 3)))
	// Unknown nodes.
	require.Error(t, g.Connect(irtest.Out(ir.NodeID(42)), irtest.In(neg, 0)))
	// Missing edge.
	require.Error(t, g.Disconnect(irtest.Out(y), irtest.In(neg, 0)))
	require.NoError(t, g.Validate())
}

func TestRemoveNode(t *testing.T) {
	b := irtest.New("remove")
	x := b.Input("x", f32(4))
	neg := b.Op("neg", "Neg", f32(4), irtest.Out(x))
	out := b.Output("out", irtest.Out(neg))
	g := b.G
	require.NoError(t, g.AddControlEdge(x, out))

	// Still connected.
	require.Error(t, g.RemoveNode(neg))

	require.NoError(t, g.Unlink(neg))
	require.NoError(t, g.RemoveNode(neg))
	assert.False(t, g.IsLive(neg))
	assert.Nil(t, g.Node(neg))
	assert.Nil(t, g.NodeByName("neg"))
	assert.False(t, g.References(neg))
	assert.Equal(t, 2, g.NumNodes())
	require.NoError(t, g.Validate())

	// Removing twice fails, and ids are not reused.
	require.Error(t, g.RemoveNode(neg))
	n := g.AddNode("neg", "Neg", []*ir.TensorDesc{f32(4)}, []*ir.TensorDesc{f32(4)})
	assert.NotEqual(t, neg, n.ID())
	assert.Equal(t, "neg", n.Name())

	// Control edges.
	_, control := g.NumEdges()
	assert.Equal(t, 1, control)
	require.NoError(t, g.RemoveControlEdge(x, out))
	require.Error(t, g.RemoveControlEdge(x, out))
}

func TestUniqueNames(t *testing.T) {
	g := ir.NewGraph("")
	assert.NotEmpty(t, g.Name())
	a := g.AddNode("", "Relu", nil, nil)
	b := g.AddNode("", "Relu", nil, nil)
	c := g.AddNode("Relu", "Relu", nil, nil)
	assert.Equal(t, "Relu", a.Name())
	assert.Equal(t, "Relu_1", b.Name())
	assert.Equal(t, "Relu_2", c.Name())
}

func TestCloneAndString(t *testing.T) {
	b := irtest.New("clone")
	x := b.Input("x", f32(2, 2))
	cast := b.Op("cast", "Cast", ir.NewDesc(dtypes.Float16, ir.FormatND, 2, 2), irtest.Out(x))
	b.Output("out", irtest.Out(cast))
	g := b.G
	ir.SetAttr(g.Node(cast), "dst_type", "Float16")
	ir.SetAttr(g.Node(cast), "axes", []int64{0, 1})

	g2 := g.Clone()
	assert.Equal(t, g.String(), g2.String())
	assert.NotEqual(t, g.ID(), g2.ID())
	require.NoError(t, g2.Validate())

	// Mutating the clone doesn't affect the original.
	g2.Node(cast).OutputDesc(0).Dims[0] = 7
	ir.SetAttr(g2.Node(cast), "dst_type", "BFloat16")
	assert.Equal(t, 2, g.Node(cast).OutputDesc(0).Dims[0])
	assert.Equal(t, "Float16", ir.GetAttrOr(g.Node(cast), "dst_type", ""))
	assert.NotEqual(t, g.String(), g2.String())
}

func TestAttrs(t *testing.T) {
	g := ir.NewGraph("attrs")
	n := g.AddNode("n", "Conv2D", nil, nil)
	m := g.AddNode("m", "Conv2D", nil, nil)

	perm := []int64{0, 2, 1}
	ir.SetAttr(n, "perm", perm)
	perm[0] = 9
	got, found := ir.GetAttr[[]int64](n, "perm")
	require.True(t, found)
	assert.Equal(t, []int64{0, 2, 1}, got)

	ir.SetAttr(n, "training", true)
	ir.SetAttr(n, "alpha", 0.5)
	_, found = ir.GetAttr[string](n, "alpha")
	assert.False(t, found, "wrong type must not be found")
	assert.Equal(t, int64(3), ir.GetAttrOr(n, "groups", int64(3)))
	assert.Equal(t, []string{"alpha", "perm", "training"}, n.AttrNames())

	assert.False(t, n.SameAttrs(m))
	ir.SetAttr(m, "perm", []int64{0, 2, 1})
	ir.SetAttr(m, "training", true)
	ir.SetAttr(m, "alpha", 0.5)
	assert.True(t, n.SameAttrs(m))

	n.DeleteAttr("training")
	assert.False(t, n.HasAttr("training"))

	c := g.AddNode("c", "Conv2D", nil, nil)
	ir.SetAttr(c, "alpha", 1.0)
	c.CopyAttrsFrom(m)
	assert.True(t, c.SameAttrs(m))
	ir.SetAttr(m, "perm", []int64{1})
	assert.Equal(t, []int64{0, 2, 1}, ir.GetAttrOr(c, "perm", []int64(nil)), "copied slices are not shared")
}

func TestAccessorPanics(t *testing.T) {
	g := ir.NewGraph("panics")
	n := g.AddNode("n", "Relu", []*ir.TensorDesc{f32(1)}, []*ir.TensorDesc{f32(1)})
	assert.Panics(t, func() { n.InputDesc(1) })
	assert.Panics(t, func() { n.Out(-1) })
	assert.Panics(t, func() { g.AddNode("bad", "Relu", []*ir.TensorDesc{nil}, nil) })
}
