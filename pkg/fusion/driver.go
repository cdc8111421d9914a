// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"fmt"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/fusion/pkg/ir"
	"github.com/gomlx/fusion/pkg/pattern"
	"github.com/gomlx/fusion/pkg/platform"
	"github.com/gomlx/fusion/pkg/shapeinference"
	"github.com/gomlx/fusion/pkg/support/sets"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Driver runs the passes of a Registry over graphs.
type Driver struct {
	registry  *Registry
	config    Config
	hasConfig bool
	platform  platform.Provider
	shapes    *shapeinference.Registry
}

// Option configures a Driver.
type Option func(d *Driver)

// WithConfig sets the Driver configuration. Without it the configuration is read from the environment
// variable FUSION_PASSES.
func WithConfig(config Config) Option {
	return func(d *Driver) {
		d.config = config
		d.hasConfig = true
	}
}

// WithPlatform sets the platform information provider. The default is platform.New().
func WithPlatform(p platform.Provider) Option {
	return func(d *Driver) { d.platform = p }
}

// WithShapeInference sets the shape inference registry. The default is shapeinference.Default().
func WithShapeInference(reg *shapeinference.Registry) Option {
	return func(d *Driver) { d.shapes = reg }
}

// NewDriver creates a Driver for the passes in registry.
func NewDriver(registry *Registry, opts ...Option) (*Driver, error) {
	d := &Driver{registry: registry}
	for _, opt := range opts {
		opt(d)
	}
	if !d.hasConfig {
		d.config = Config{Disabled: sets.Make[string]()}
		if envConfig, found := os.LookupEnv(FUSION_PASSES); found {
			var err error
			d.config, err = ParseConfig(envConfig)
			if err != nil {
				return nil, errors.WithMessagef(err, "environment variable %s", FUSION_PASSES)
			}
		}
	}
	if d.platform == nil {
		d.platform = platform.New()
	}
	if d.shapes == nil {
		d.shapes = shapeinference.Default()
	}
	return d, nil
}

// PassReport counts what happened while running one pass.
type PassReport struct {
	Name  string
	Stage Stage

	// Patterns is the number of patterns compiled, Dropped the number that failed to compile.
	Patterns, Dropped int

	// Matches found, and how they ended up. Stale matches were invalidated by an earlier rewrite.
	Matches, Applied, NotApplicable, Stale int

	// NewNodes created by the applied rewrites.
	NewNodes []ir.NodeID
}

// Report of a Driver.Run.
type Report struct {
	Graph  uuid.UUID
	Passes []*PassReport
}

// Pass returns the report of the named pass, or nil if it didn't run.
func (r *Report) Pass(name string) *PassReport {
	for _, pr := range r.Passes {
		if pr.Name == name {
			return pr
		}
	}
	return nil
}

// Applied returns the total number of rewrites applied.
func (r *Report) Applied() int {
	total := 0
	for _, pr := range r.Passes {
		total += pr.Applied
	}
	return total
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "fusion report for graph %s:", r.Graph)
	for _, pr := range r.Passes {
		fmt.Fprintf(&sb, "\n  %s/%s: %d matches, %d applied, %d not applicable, %d stale",
			pr.Stage, pr.Name, pr.Matches, pr.Applied, pr.NotApplicable, pr.Stale)
		if pr.Dropped > 0 {
			fmt.Fprintf(&sb, ", %d pattern(s) dropped", pr.Dropped)
		}
	}
	return sb.String()
}

// Run runs all enabled passes over the graph, stage by stage.
//
// A Failed rewrite stops the run and returns an error naming the pass and the nodes of the match.
// The graph may be left partially rewritten in that case. The report is returned in any case.
func (d *Driver) Run(g *ir.Graph) (*Report, error) {
	report := &Report{Graph: g.ID()}
	for _, stage := range Stages {
		for _, reg := range d.registry.Passes(stage) {
			if d.config.Disabled.Has(reg.Name) {
				klog.V(1).Infof("fusion: pass %q disabled", reg.Name)
				continue
			}
			pr := &PassReport{Name: reg.Name, Stage: stage}
			report.Passes = append(report.Passes, pr)
			if err := d.runPass(g, reg.Factory(), pr); err != nil {
				return report, err
			}
			if d.config.Validate {
				if err := g.Validate(); err != nil {
					return report, errors.WithMessagef(err, "graph %q invalid after pass %q", g.Name(), reg.Name)
				}
			}
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s", report)
	}
	return report, nil
}

func (d *Driver) runPass(g *ir.Graph, pass Pass, pr *PassReport) error {
	rc := &RewriteContext{Graph: g, Platform: d.platform, Shapes: d.shapes}
	for _, desc := range pass.Patterns() {
		p, err := desc.Compile()
		if err != nil {
			klog.Warningf("fusion: pass %q: dropping pattern: %v", pr.Name, err)
			pr.Dropped++
			continue
		}
		pr.Patterns++
		for _, m := range pattern.Match(p, g) {
			pr.Matches++
			if err := p.Verify(g, m); err != nil {
				klog.V(2).Infof("fusion: pass %q: match %s is stale: %v", pr.Name, m, err)
				pr.Stale++
				continue
			}
			outcome := rewrite(pass, rc, m)
			switch outcome.Kind {
			case OutcomeApplied:
				pr.Applied++
				pr.NewNodes = append(pr.NewNodes, outcome.NewNodes...)
				klog.V(2).Infof("fusion: pass %q applied to %s", pr.Name, m)
			case OutcomeNotApplicable:
				pr.NotApplicable++
				klog.V(2).Infof("fusion: pass %q not applicable to %s: %s", pr.Name, m, outcome.Reason)
			default:
				err := outcome.Err
				if err == nil {
					err = errors.New("unknown error")
				}
				klog.Errorf("fusion: pass %q failed on %s in graph %q (%s): %v", pr.Name, m, g.Name(), g.ID(), err)
				return errors.WithMessagef(err, "fusion pass %q failed rewriting nodes %v of graph %q",
					pr.Name, m.All(), g.Name())
			}
		}
	}
	return nil
}

// rewrite calls pass.Rewrite, converting a panic into a Failed outcome.
func rewrite(pass Pass, rc *RewriteContext, m *pattern.Mapping) (outcome Outcome) {
	exception := exceptions.Try(func() { outcome = pass.Rewrite(rc, m) })
	if exception == nil {
		return outcome
	}
	if err, ok := exception.(error); ok {
		return Failed(errors.WithMessage(err, "panic during rewrite"))
	}
	return Failed(errors.Errorf("panic during rewrite: %v", exception))
}
