// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion_test

import (
	"flag"
	"os"
	"testing"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/fusion/pkg/fusion"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/ir/irtest"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/platform"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/gomlx/fusion/pkg/surgery"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func TestMain(m *testing.M) {
	klog.InitFlags(nil)
	flag.Parse()
	os.Exit(m.Run())
}

// testPass is a configurable Pass matching single Relu nodes.
type testPass struct {
	name     string
	patterns []*pattern.Descriptor
	rewrite  func(rc *RewriteContext, m *pattern.Mapping) Outcome
}

func (p *testPass) Name() string                    { return p.name }
func (p *testPass) Patterns() []*pattern.Descriptor { return p.patterns }
func (p *testPass) Rewrite(rc *RewriteContext, m *pattern.Mapping) Outcome {
	return p.rewrite(rc, m)
}

func reluPattern() *pattern.Descriptor {
	return pattern.New("relu").AddRole("relu", []string{"Relu"}, 1, 1).SetHead("relu")
}

func register(t *testing.T, reg *Registry, name string, stage Stage, priority int,
	rewrite func(rc *RewriteContext, m *pattern.Mapping) Outcome, patterns ...*pattern.Descriptor) {
	if len(patterns) == 0 {
		patterns = []*pattern.Descriptor{reluPattern()}
	}
	require.NoError(t, reg.Register(name, stage, priority, func() Pass {
		return &testPass{name: name, patterns: patterns, rewrite: rewrite}
	}))
}

// reluChain builds x -> relu x n -> out.
func reluChain(n int) (*irtest.Builder, []ir.NodeID) {
	b := irtest.New("relus")
	prev := b.Input("x", ir.NewDesc(dtypes.Float32, ir.FormatND, 4))
	var relus []ir.NodeID
	for range n {
		prev = b.Op("", "Relu", ir.NewDesc(dtypes.Float32, ir.FormatND, 4), irtest.Out(prev))
		relus = append(relus, prev)
	}
	b.Output("out", irtest.Out(prev))
	return b, relus
}

func newDriver(t *testing.T, reg *Registry, opts ...Option) *Driver {
	opts = append([]Option{WithPlatform(platform.Unavailable(platform.ErrNoPlatform))}, opts...)
	d, err := NewDriver(reg, opts...)
	require.NoError(t, err)
	return d
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := func(rc *RewriteContext, m *pattern.Mapping) Outcome { return Applied() }
	register(t, reg, "b", StageFirstRound, 10, noop)
	register(t, reg, "a", StageFirstRound, 10, noop)
	register(t, reg, "c", StageFirstRound, 20, noop)
	register(t, reg, "d", StageSecondRound, 0, noop)

	assert.Error(t, reg.Register("a", StageSecondRound, 0, func() Pass { return nil }), "duplicate name")
	assert.Error(t, reg.Register("", StageFirstRound, 0, func() Pass { return nil }))
	assert.Error(t, reg.Register("e", StageFirstRound, 0, nil))
	assert.Error(t, reg.Register("e", Stage(7), 0, func() Pass { return nil }))

	var names []string
	for _, r := range reg.Passes(StageFirstRound) {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"c", "a", "b"}, names)
	assert.Len(t, reg.Passes(StageSecondRound), 1)
	assert.Equal(t, []string{"a", "b", "c", "d"}, reg.Names())
	assert.Equal(t, StageSecondRound, reg.Lookup("d").Stage)
	assert.Nil(t, reg.Lookup("zz"))
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig(" disable = A, B ; validate ")
	require.NoError(t, err)
	assert.Equal(t, sets.MakeWith("A", "B"), cfg.Disabled)
	assert.True(t, cfg.Validate)

	cfg, err = ParseConfig("validate=false")
	require.NoError(t, err)
	assert.False(t, cfg.Validate)
	assert.Empty(t, cfg.Disabled)

	_, err = ParseConfig("validate=maybe")
	assert.Error(t, err)
	_, err = ParseConfig("parallel=4")
	assert.Error(t, err)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "Applied(new nodes [3 4])", Applied(3, 4).String())
	assert.Equal(t, "NotApplicable(dim 0 is 8)", NotApplicable("dim %d is %d", 0, 8).String())
	assert.Equal(t, "Failed(boom)", Failed(errors.New("boom")).String())
	assert.Equal(t, OutcomeNotApplicable, NotApplicable("x").Kind)
}

func TestDriverRun(t *testing.T) {
	reg := NewRegistry()
	var order []string
	tag := func(name string) func(rc *RewriteContext, m *pattern.Mapping) Outcome {
		return func(rc *RewriteContext, m *pattern.Mapping) Outcome {
			order = append(order, name)
			n := rc.Node(m, "relu")
			if ir.GetAttrOr(n, "tagged_by", "") != "" {
				return NotApplicable("%s already tagged", n)
			}
			ir.SetAttr(n, "tagged_by", name)
			return Applied()
		}
	}
	register(t, reg, "second", StageSecondRound, 100, tag("second"))
	register(t, reg, "first", StageFirstRound, 0, tag("first"))
	register(t, reg, "disabled", StageFirstRound, 1, tag("disabled"))
	malformed := pattern.New("bad").AddRole("x", []string{"Relu"}, 0, 1).SetHead("x")
	register(t, reg, "partly_malformed", StageFirstRound, -1,
		func(rc *RewriteContext, m *pattern.Mapping) Outcome { return NotApplicable("never") },
		malformed, reluPattern())

	b, relus := reluChain(2)
	d := newDriver(t, reg, WithConfig(Config{Disabled: sets.MakeWith("disabled"), Validate: true}))
	report, err := d.Run(b.G)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "first", "second", "second"}, order)
	for _, id := range relus {
		assert.Equal(t, "first", ir.GetAttrOr(b.G.Node(id), "tagged_by", ""))
	}

	assert.Equal(t, b.G.ID(), report.Graph)
	assert.Nil(t, report.Pass("disabled"))
	first := report.Pass("first")
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Applied)
	second := report.Pass("second")
	assert.Equal(t, 2, second.Matches)
	assert.Equal(t, 2, second.NotApplicable)
	partly := report.Pass("partly_malformed")
	assert.Equal(t, 1, partly.Dropped)
	assert.Equal(t, 1, partly.Patterns)
	assert.Equal(t, 2, partly.NotApplicable)
	assert.Equal(t, 2, report.Applied())
	assert.Contains(t, report.String(), "FirstRound/first: 2 matches, 2 applied")
}

func TestDriverStaleMatches(t *testing.T) {
	reg := NewRegistry()
	// Merges each Relu with the Relu consuming it, invalidating the following match.
	register(t, reg, "merge", StageFirstRound, 0, func(rc *RewriteContext, m *pattern.Mapping) Outcome {
		n := rc.Node(m, "relu")
		consumers := n.DataConsumers()
		if len(consumers) != 1 || rc.Graph.Node(consumers[0]).OpType() != "Relu" {
			return NotApplicable("no Relu consumer")
		}
		next := consumers[0]
		if err := surgery.RedirectConsumers(rc.Graph, ir.OutAnchor{Node: next}, n.Out(0)); err != nil {
			return Failed(err)
		}
		if err := surgery.RemoveNodeSet(rc.Graph, next); err != nil {
			return Failed(err)
		}
		return Applied()
	})
	b, relus := reluChain(3)
	report, err := newDriver(t, reg).Run(b.G)
	require.NoError(t, err)
	pr := report.Pass("merge")
	assert.Equal(t, 3, pr.Matches)
	assert.Equal(t, 1, pr.Applied)
	assert.Equal(t, 1, pr.Stale)
	assert.Equal(t, 1, pr.NotApplicable)
	assert.False(t, b.G.IsLive(relus[1]))
	require.NoError(t, b.G.Validate())
}

func TestDriverFailures(t *testing.T) {
	tests := []struct {
		name    string
		rewrite func(rc *RewriteContext, m *pattern.Mapping) Outcome
		want    string
	}{
		{"failed", func(rc *RewriteContext, m *pattern.Mapping) Outcome {
			return Failed(errors.New("slot mismatch"))
		}, "slot mismatch"},
		{"panic error", func(rc *RewriteContext, m *pattern.Mapping) Outcome {
			exceptions.Panicf("out of nodes")
			return Applied()
		}, "out of nodes"},
		{"panic value", func(rc *RewriteContext, m *pattern.Mapping) Outcome {
			panic(42)
		}, "panic during rewrite: 42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			register(t, reg, "broken", StageFirstRound, 0, tt.rewrite)
			register(t, reg, "later", StageSecondRound, 0, func(rc *RewriteContext, m *pattern.Mapping) Outcome {
				t.Fatal("passes after a failure must not run")
				return Applied()
			})
			b, relus := reluChain(1)
			report, err := newDriver(t, reg).Run(b.G)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), `fusion pass "broken"`)
			assert.Contains(t, err.Error(), "[1]")
			require.NotNil(t, report)
			assert.Nil(t, report.Pass("later"))
			assert.Equal(t, relus[0], ir.NodeID(1))
		})
	}
}

func TestDriverEnvConfig(t *testing.T) {
	reg := NewRegistry()
	register(t, reg, "first", StageFirstRound, 0, func(rc *RewriteContext, m *pattern.Mapping) Outcome {
		return Applied()
	})
	t.Setenv(FUSION_PASSES, "disable=first")
	b, _ := reluChain(1)
	report, err := newDriver(t, reg).Run(b.G)
	require.NoError(t, err)
	assert.Empty(t, report.Passes)

	t.Setenv(FUSION_PASSES, "bogus")
	_, err = NewDriver(reg)
	assert.Error(t, err)
}
