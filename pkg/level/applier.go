// Copyright 2025 The Posture Governor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package level

import (
	"sort"
	"sync"

	"github.com/sec-posture/governor/pkg/types"
)

// Applier receives the full restriction set of the level in force. It is
// called on every transition with the new level's restrictions, replacing any
// previously applied set.
type Applier interface {
	SetRestrictions(restrictions []types.Restriction)
}

// CapabilityGate is the in-memory Applier. It tracks which capability targets
// exist and what restriction, if any, currently applies to each. The wildcard
// target "*" expands to every registered target at apply time and is retained
// so targets the gate has never seen still answer with the wildcard action; an
// explicit entry for a target wins over the wildcard.
type CapabilityGate struct {
	mu        sync.RWMutex
	known     map[string]struct{}
	effective map[string]types.RestrictionAction
	wildcard  types.RestrictionAction
	hasWild   bool
}

// NewCapabilityGate creates a gate over the given capability targets.
func NewCapabilityGate(targets ...string) *CapabilityGate {
	g := &CapabilityGate{
		known:     make(map[string]struct{}),
		effective: make(map[string]types.RestrictionAction),
	}
	g.RegisterTargets(targets...)
	return g
}

// RegisterTargets adds capability targets. A wildcard restriction in force
// covers late-registered targets through the retained wildcard action.
func (g *CapabilityGate) RegisterTargets(targets ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range targets {
		if t != "" && t != "*" {
			g.known[t] = struct{}{}
		}
	}
}

// SetRestrictions replaces the effective restriction set.
func (g *CapabilityGate) SetRestrictions(restrictions []types.Restriction) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.effective = make(map[string]types.RestrictionAction)
	g.hasWild = false
	// Wildcard first so explicit entries override it.
	for _, r := range restrictions {
		if r.Target == "*" {
			g.wildcard = r.Action
			g.hasWild = true
			for t := range g.known {
				g.effective[t] = r.Action
			}
		}
	}
	for _, r := range restrictions {
		if r.Target != "*" {
			g.known[r.Target] = struct{}{}
			g.effective[r.Target] = r.Action
		}
	}
}

// ActionFor returns the restriction currently applied to a target. A target
// without an explicit entry falls back to the wildcard action when one is in
// force.
func (g *CapabilityGate) ActionFor(target string) (types.RestrictionAction, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if a, ok := g.effective[target]; ok {
		return a, true
	}
	if g.hasWild {
		return g.wildcard, true
	}
	return "", false
}

// Allowed reports whether a target is usable, i.e. not disabled or hidden.
func (g *CapabilityGate) Allowed(target string) bool {
	a, ok := g.ActionFor(target)
	if !ok {
		return true
	}
	return a != types.RestrictDisable && a != types.RestrictHide
}

// Snapshot returns the effective restrictions sorted by target.
func (g *CapabilityGate) Snapshot() []types.Restriction {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]types.Restriction, 0, len(g.effective))
	for t, a := range g.effective {
		out = append(out, types.Restriction{Target: t, Action: a})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
