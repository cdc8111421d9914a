// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"cmp"
	"fmt"
	"maps"
	"slices"

	"github.com/pkg/errors"
)

// Stage in which a pass runs. All passes of a stage run before the passes of the next one.
type Stage int

const (
	StageFirstRound Stage = iota
	StageSecondRound
)

// Stages in the order they run.
var Stages = []Stage{StageFirstRound, StageSecondRound}

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageFirstRound:
		return "FirstRound"
	case StageSecondRound:
		return "SecondRound"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// Factory creates a new instance of a pass.
type Factory func() Pass

// Registration of a pass in a Registry.
type Registration struct {
	Name     string
	Stage    Stage
	Priority int
	Factory  Factory
}

// Registry is the table of passes a Driver runs. There is no global registry: create one,
// register the passes and hand it to NewDriver.
type Registry struct {
	registrations map[string]*Registration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{registrations: make(map[string]*Registration)}
}

// Register adds a pass under a unique name. Within a stage, passes with higher priority run first,
// ties broken by name.
func (r *Registry) Register(name string, stage Stage, priority int, factory Factory) error {
	if name == "" || factory == nil {
		return errors.Errorf("Register(%q): pass name and factory are required", name)
	}
	if !slices.Contains(Stages, stage) {
		return errors.Errorf("Register(%q): invalid stage %s", name, stage)
	}
	if _, found := r.registrations[name]; found {
		return errors.Errorf("Register(%q): a pass with this name is already registered", name)
	}
	r.registrations[name] = &Registration{Name: name, Stage: stage, Priority: priority, Factory: factory}
	return nil
}

// Lookup returns the registration of the named pass, or nil.
func (r *Registry) Lookup(name string) *Registration {
	return r.registrations[name]
}

// Names of all registered passes, sorted.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.registrations))
}

// Passes returns the registrations of a stage in the order they run.
func (r *Registry) Passes(stage Stage) []*Registration {
	var regs []*Registration
	for _, reg := range r.registrations {
		if reg.Stage == stage {
			regs = append(regs, reg)
		}
	}
	slices.SortFunc(regs, func(a, b *Registration) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return regs
}
