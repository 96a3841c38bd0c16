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

// Package level implements the graduated security posture state machine:
// five ordered levels, trigger-driven escalation, and quiet-period driven
// de-escalation with a manual-only exit from Lockdown.
package level

import (
	"fmt"
	"sync"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// Transition modes, used for metrics and audit records.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Transition describes one completed level change.
type Transition struct {
	From      int
	To        int
	Level     types.SecurityLevel
	Mode      string // auto or manual
	Reason    string
	TriggerID string // set for trigger-driven escalations
	At        time.Time
}

// Listener observes completed transitions. Callbacks run synchronously under
// no machine lock and must not call back into the machine's mutators.
type Listener func(t Transition)

// Machine is the security level state machine. Escalation raises the level
// only; auto de-escalation steps a single rung down after a quiet period and
// never leaves Lockdown. Manual transitions may move in either direction.
type Machine struct {
	mu            sync.Mutex
	levels        map[int]types.SecurityLevel
	triggers      []types.EscalationTrigger
	deescalations map[int]types.DeescalationCondition
	current       int
	changedAt     time.Time
	lastActivity  time.Time // last escalation or trigger firing
	durationTimer clock.Timer
	clk           clock.Clock
	applier       Applier
	listeners     []Listener
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) { m.clk = c }
}

// WithApplier installs the restriction applier.
func WithApplier(a Applier) Option {
	return func(m *Machine) { m.applier = a }
}

// WithListener registers a transition listener.
func WithListener(l Listener) Option {
	return func(m *Machine) { m.listeners = append(m.listeners, l) }
}

// WithTriggers replaces the default escalation trigger catalog.
func WithTriggers(triggers []types.EscalationTrigger) Option {
	return func(m *Machine) { m.triggers = triggers }
}

// WithDeescalations replaces the default de-escalation catalog.
func WithDeescalations(conds []types.DeescalationCondition) Option {
	return func(m *Machine) {
		m.deescalations = make(map[int]types.DeescalationCondition, len(conds))
		for _, c := range conds {
			m.deescalations[c.FromLevel] = c
		}
	}
}

// NewMachine creates a machine over the given level catalog, starting at
// Normal. The catalog must define every level from MinLevel to MaxLevel
// exactly once.
func NewMachine(catalog []types.SecurityLevel, opts ...Option) (*Machine, error) {
	levels := make(map[int]types.SecurityLevel, len(catalog))
	for _, lvl := range catalog {
		if lvl.Level < types.MinLevel || lvl.Level > types.MaxLevel {
			return nil, govErrors.NewValidationError("level", "BAD_CATALOG",
				fmt.Sprintf("level %d outside %d..%d", lvl.Level, types.MinLevel, types.MaxLevel))
		}
		if _, dup := levels[lvl.Level]; dup {
			return nil, govErrors.NewValidationError("level", "BAD_CATALOG",
				fmt.Sprintf("level %d defined twice", lvl.Level))
		}
		levels[lvl.Level] = lvl
	}
	for n := types.MinLevel; n <= types.MaxLevel; n++ {
		if _, ok := levels[n]; !ok {
			return nil, govErrors.NewValidationError("level", "BAD_CATALOG",
				fmt.Sprintf("level %d missing from catalog", n))
		}
	}

	m := &Machine{
		levels:   levels,
		triggers: types.DefaultTriggers(),
		current:  types.LevelNormal,
		clk:      clock.Real{},
	}
	WithDeescalations(types.DefaultDeescalations())(m)
	for _, opt := range opts {
		opt(m)
	}
	m.changedAt = m.clk.Now()
	m.lastActivity = m.changedAt
	metrics.SecurityLevel.Set(float64(m.current))
	return m, nil
}

// Current returns the active level number and its definition.
func (m *Machine) Current() (int, types.SecurityLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.levels[m.current]
}

// Restrictions returns the restrictions of the level in force.
func (m *Machine) Restrictions() []types.Restriction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Restriction(nil), m.levels[m.current].Restrictions...)
}

// Requirements returns the requirements of the level in force.
func (m *Machine) Requirements() []types.Requirement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Requirement(nil), m.levels[m.current].Requirements...)
}

// Evaluate runs every escalation trigger against a registry snapshot and
// escalates to the highest firing target above the current level. Ties on
// target level are broken by trigger declaration order. It returns the
// transition performed, if any.
func (m *Machine) Evaluate(threats []types.Threat) (*Transition, error) {
	m.mu.Lock()

	var best *types.EscalationTrigger
	for i := range m.triggers {
		trg := &m.triggers[i]
		if !trg.AutoEscalate || !m.triggerFires(trg, threats) {
			continue
		}
		// Any firing trigger resets the quiet period, even when it cannot
		// raise the level further.
		m.lastActivity = m.clk.Now()
		if trg.TargetLevel <= m.current {
			continue
		}
		if best == nil || trg.TargetLevel > best.TargetLevel {
			best = trg
		}
	}
	if best == nil {
		m.mu.Unlock()
		return nil, nil
	}
	return m.transitionLocked(best.TargetLevel, ModeAuto, "trigger "+best.ID, best.ID)
}

func (m *Machine) triggerFires(trg *types.EscalationTrigger, threats []types.Threat) bool {
	now := m.clk.Now()
	count := 0
	for i := range threats {
		t := &threats[i]
		if trg.TimeWindow > 0 && now.Sub(t.DetectedAt) > trg.TimeWindow {
			continue
		}
		switch trg.Kind {
		case types.ConditionSeverityPresent:
			if t.Severity.AtLeast(trg.Severity) {
				count++
			}
		case types.ConditionCountThreshold:
			count++
		case types.ConditionTypePresent:
			if t.Type == trg.ThreatType {
				count++
			}
		}
	}
	threshold := trg.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	return count >= threshold
}

// Escalate raises the security level manually. The target must be above the
// current level.
func (m *Machine) Escalate(target int, reason string) (*Transition, error) {
	m.mu.Lock()
	if target <= m.current {
		cur := m.current
		m.mu.Unlock()
		return nil, govErrors.NewTransitionError("level", "NOT_AN_ESCALATION",
			fmt.Sprintf("target %d is not above current level %d", target, cur))
	}
	return m.transitionLocked(target, ModeManual, reason, "")
}

// Deescalate lowers the security level manually. This is the only path out of
// Lockdown. The target must be below the current level.
func (m *Machine) Deescalate(target int, reason string) (*Transition, error) {
	m.mu.Lock()
	if target >= m.current {
		cur := m.current
		m.mu.Unlock()
		return nil, govErrors.NewTransitionError("level", "NOT_A_DEESCALATION",
			fmt.Sprintf("target %d is not below current level %d", target, cur))
	}
	return m.transitionLocked(target, ModeManual, reason, "")
}

// TickDeescalation performs at most one automatic step down when the current
// level permits it and its quiet period has elapsed with no trigger activity.
// Lockdown is never left automatically.
func (m *Machine) TickDeescalation() (*Transition, error) {
	m.mu.Lock()
	cond, _, ok := m.autoDeescalationDueLocked()
	if !ok {
		m.mu.Unlock()
		return nil, nil
	}
	return m.transitionLocked(cond.TargetLevel, ModeAuto,
		fmt.Sprintf("quiet for %s", cond.QuietPeriod), "")
}

// autoDeescalationDueLocked reports whether an automatic step down is due now.
func (m *Machine) autoDeescalationDueLocked() (types.DeescalationCondition, time.Duration, bool) {
	lvl := m.levels[m.current]
	if m.current == types.LevelLockdown || !lvl.AutoDeescalate {
		return types.DeescalationCondition{}, 0, false
	}
	cond, ok := m.deescalations[m.current]
	if !ok {
		return types.DeescalationCondition{}, 0, false
	}
	if cond.TargetLevel >= m.current {
		return types.DeescalationCondition{}, 0, false
	}
	quietFor := m.clk.Now().Sub(m.lastActivity)
	if quietFor < cond.QuietPeriod {
		return cond, cond.QuietPeriod - quietFor, false
	}
	return cond, 0, true
}

// transitionLocked commits the change. It is entered holding m.mu and releases
// it before notifying listeners.
func (m *Machine) transitionLocked(target int, mode, reason, triggerID string) (*Transition, error) {
	if _, ok := m.levels[target]; !ok {
		m.mu.Unlock()
		return nil, govErrors.NewTransitionError("level", "UNKNOWN_LEVEL",
			fmt.Sprintf("no level %d in catalog", target))
	}

	from := m.current
	now := m.clk.Now()
	m.current = target
	m.changedAt = now
	// Every transition restarts the quiet period, so automatic de-escalation
	// steps down one rung at a time.
	m.lastActivity = now
	lvl := m.levels[target]

	if m.durationTimer != nil {
		m.durationTimer.Stop()
		m.durationTimer = nil
	}
	if lvl.Duration > 0 && lvl.AutoDeescalate && target != types.LevelLockdown {
		m.durationTimer = m.clk.AfterFunc(lvl.Duration, m.onDurationExpired)
	}

	applier := m.applier
	listeners := m.listeners
	m.mu.Unlock()

	direction := "up"
	if target < from {
		direction = "down"
	}
	metrics.SecurityLevel.Set(float64(target))
	metrics.LevelTransitions.WithLabelValues(direction, mode).Inc()

	if applier != nil {
		applier.SetRestrictions(lvl.Restrictions)
	}

	logger.Info("security level changed", logger.Fields{
		Component: "level",
		Operation: "transition",
		Level:     target,
		Reason:    reason,
		Additional: map[string]interface{}{
			"from": from,
			"mode": mode,
		},
	})

	t := Transition{
		From:      from,
		To:        target,
		Level:     lvl,
		Mode:      mode,
		Reason:    reason,
		TriggerID: triggerID,
		At:        now,
	}
	for _, l := range listeners {
		l(t)
	}
	return &t, nil
}

// onDurationExpired fires when the current level's duration elapses. The step
// down still requires the quiet period to have passed; otherwise it re-arms
// for the remaining quiet time.
func (m *Machine) onDurationExpired() {
	m.mu.Lock()
	cond, remaining, ok := m.autoDeescalationDueLocked()
	if !ok {
		if remaining > 0 {
			m.durationTimer = m.clk.AfterFunc(remaining, m.onDurationExpired)
		}
		m.mu.Unlock()
		return
	}
	_, _ = m.transitionLocked(cond.TargetLevel, ModeAuto,
		fmt.Sprintf("level duration elapsed, quiet for %s", cond.QuietPeriod), "")
}

// Stop cancels any pending duration timer.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.durationTimer != nil {
		m.durationTimer.Stop()
		m.durationTimer = nil
	}
}
