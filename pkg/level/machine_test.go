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
	"testing"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/types"
)

func newTestMachine(t *testing.T, fake *clock.Fake, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithClock(fake)}, opts...)
	m, err := NewMachine(types.DefaultLevels(), opts...)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func criticalThreat(at time.Time) types.Threat {
	return types.Threat{
		ID:         "t1",
		Type:       types.ThreatMalware,
		Severity:   types.SeverityCritical,
		Status:     types.ThreatDetected,
		DetectedAt: at,
	}
}

func TestNewMachine_RejectsBadCatalog(t *testing.T) {
	levels := types.DefaultLevels()[:4] // level 5 missing
	if _, err := NewMachine(levels); err == nil {
		t.Fatal("expected error for incomplete catalog")
	}

	dup := append(types.DefaultLevels(), types.SecurityLevel{Level: 3, Name: "again"})
	if _, err := NewMachine(dup); err == nil {
		t.Fatal("expected error for duplicate level")
	}
}

func TestEvaluate_CriticalThreatEscalatesToSevere(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	tr, err := m.Evaluate([]types.Threat{criticalThreat(fake.Now())})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if tr == nil {
		t.Fatal("expected a transition")
	}
	if tr.To != types.LevelSevere {
		t.Errorf("critical threat should escalate to %d, got %d", types.LevelSevere, tr.To)
	}
	if tr.Mode != ModeAuto {
		t.Errorf("expected auto transition, got %s", tr.Mode)
	}
}

func TestEvaluate_CriticalBurstEscalatesToLockdown(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	threats := make([]types.Threat, 3)
	for i := range threats {
		threats[i] = criticalThreat(fake.Now())
		threats[i].ID = string(rune('a' + i))
	}
	tr, err := m.Evaluate(threats)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Both critical-threat (target 4) and critical-burst (target 5) fire;
	// the higher target wins.
	if tr == nil || tr.To != types.LevelLockdown {
		t.Fatalf("burst of 3 criticals should reach lockdown, got %+v", tr)
	}
}

func TestEvaluate_NeverEscalatesDownward(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	if _, err := m.Escalate(types.LevelLockdown, "test"); err != nil {
		t.Fatal(err)
	}
	tr, err := m.Evaluate([]types.Threat{criticalThreat(fake.Now())})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if tr != nil {
		t.Errorf("no transition expected when triggers target at or below current, got %+v", tr)
	}
	if cur, _ := m.Current(); cur != types.LevelLockdown {
		t.Errorf("level should stay at lockdown, got %d", cur)
	}
}

func TestEvaluate_IgnoresThreatsOutsideWindow(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	old := criticalThreat(fake.Now())
	fake.Advance(time.Hour)
	tr, err := m.Evaluate([]types.Threat{old})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if tr != nil {
		t.Errorf("stale threat should not fire a trigger, got %+v", tr)
	}
}

func TestManualTransitions(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	if _, err := m.Escalate(types.LevelHigh, "drill"); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if cur, _ := m.Current(); cur != types.LevelHigh {
		t.Fatalf("expected level 3, got %d", cur)
	}

	// Escalating to the same or lower level is invalid.
	if _, err := m.Escalate(types.LevelHigh, "again"); !govErrors.IsInvalidTransition(err) {
		t.Errorf("expected transition error, got %v", err)
	}
	if _, err := m.Deescalate(types.LevelSevere, "up?"); !govErrors.IsInvalidTransition(err) {
		t.Errorf("de-escalating upward should fail, got %v", err)
	}

	if _, err := m.Deescalate(types.LevelNormal, "drill over"); err != nil {
		t.Fatalf("deescalate: %v", err)
	}
	if cur, _ := m.Current(); cur != types.LevelNormal {
		t.Errorf("expected level 1, got %d", cur)
	}
}

func TestLockdown_NoAutoDeescalation(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	if _, err := m.Escalate(types.LevelLockdown, "breach"); err != nil {
		t.Fatal(err)
	}
	fake.Advance(100 * time.Hour)

	tr, err := m.TickDeescalation()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if tr != nil {
		t.Fatal("lockdown must never auto-deescalate")
	}
	if cur, _ := m.Current(); cur != types.LevelLockdown {
		t.Errorf("still lockdown expected, got %d", cur)
	}

	// Manual exit works.
	if _, err := m.Deescalate(types.LevelNormal, "recovered"); err != nil {
		t.Fatalf("manual deescalate from lockdown: %v", err)
	}
}

func TestTickDeescalation_QuietPeriod(t *testing.T) {
	fake := clock.NewFake(time.Now())
	// Quiet period shorter than the level duration so the tick, not the
	// duration timer, performs the step down.
	m := newTestMachine(t, fake, WithDeescalations([]types.DeescalationCondition{
		{FromLevel: types.LevelHigh, TargetLevel: types.LevelElevated, QuietPeriod: 10 * time.Minute},
	}))

	if _, err := m.Escalate(types.LevelHigh, "incident"); err != nil {
		t.Fatal(err)
	}

	fake.Advance(5 * time.Minute)
	if tr, _ := m.TickDeescalation(); tr != nil {
		t.Fatal("de-escalation before quiet period should not happen")
	}

	fake.Advance(6 * time.Minute)
	tr, err := m.TickDeescalation()
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if tr == nil || tr.To != types.LevelElevated {
		t.Fatalf("expected step down to %d, got %+v", types.LevelElevated, tr)
	}
	if tr.Mode != ModeAuto {
		t.Errorf("expected auto mode, got %s", tr.Mode)
	}
}

func TestTriggerActivity_ResetsQuietPeriod(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	if _, err := m.Escalate(types.LevelSevere, "incident"); err != nil {
		t.Fatal(err)
	}

	// A firing trigger inside the quiet period resets it, even though the
	// level cannot go higher than the trigger's target.
	fake.Advance(90 * time.Minute)
	if _, err := m.Evaluate([]types.Threat{criticalThreat(fake.Now())}); err != nil {
		t.Fatal(err)
	}

	// 2h after escalation the duration timer fires, but only 30m have been
	// quiet, so the level must hold.
	fake.Advance(31 * time.Minute)
	if cur, _ := m.Current(); cur != types.LevelSevere {
		t.Fatalf("quiet period should have been reset by trigger activity, level %d", cur)
	}

	// Once a full 2h quiet period passes since the trigger, the re-armed
	// timer steps down one rung.
	fake.Advance(91 * time.Minute)
	if cur, _ := m.Current(); cur != types.LevelHigh {
		t.Errorf("expected step down to %d after full quiet period, got %d", types.LevelHigh, cur)
	}
}

func TestDurationTimer_StepsDown(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := newTestMachine(t, fake)

	if _, err := m.Escalate(types.LevelElevated, "volume"); err != nil {
		t.Fatal(err)
	}

	// Elevated has a 30m duration and a 30m quiet period.
	fake.Advance(31 * time.Minute)
	if cur, _ := m.Current(); cur != types.LevelNormal {
		t.Errorf("duration timer should have stepped down to normal, got level %d", cur)
	}
}

func TestListener_ObservesTransitions(t *testing.T) {
	fake := clock.NewFake(time.Now())
	var seen []Transition
	m := newTestMachine(t, fake, WithListener(func(tr Transition) {
		seen = append(seen, tr)
	}))

	if _, err := m.Escalate(types.LevelHigh, "x"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].From != types.LevelNormal || seen[0].To != types.LevelHigh {
		t.Fatalf("listener should see the transition, got %+v", seen)
	}
}

func TestCapabilityGate_WildcardExpansion(t *testing.T) {
	g := NewCapabilityGate("payment", "bulk-export", "api-access")

	g.SetRestrictions([]types.Restriction{
		{Target: "*", Action: types.RestrictLog},
		{Target: "payment", Action: types.RestrictDisable},
	})

	if a, _ := g.ActionFor("bulk-export"); a != types.RestrictLog {
		t.Errorf("wildcard should cover bulk-export with log, got %s", a)
	}
	if a, _ := g.ActionFor("payment"); a != types.RestrictDisable {
		t.Errorf("explicit entry should win over wildcard, got %s", a)
	}
	if g.Allowed("payment") {
		t.Error("disabled target should not be allowed")
	}
	if !g.Allowed("api-access") {
		t.Error("logged target should still be allowed")
	}
}

func TestCapabilityGate_WildcardCoversUnknownTargets(t *testing.T) {
	g := NewCapabilityGate("api", "export", "reports")

	var lockdown types.SecurityLevel
	for _, p := range types.DefaultLevels() {
		if p.Level == types.LevelLockdown {
			lockdown = p
		}
	}
	g.SetRestrictions(lockdown.Restrictions)

	if g.Allowed("api") {
		t.Error("registered target must be disabled at Lockdown")
	}
	if g.Allowed("bulk-delete") {
		t.Error("a target the gate never saw must still be disabled by the wildcard")
	}
	if a, ok := g.ActionFor("bulk-delete"); !ok || a != types.RestrictDisable {
		t.Errorf("unknown target should answer with the wildcard action, got %s (ok=%v)", a, ok)
	}

	// Targets registered while the wildcard is in force are covered too.
	g.RegisterTargets("admin-console")
	if g.Allowed("admin-console") {
		t.Error("late-registered target must be disabled by the wildcard")
	}

	// Clearing restrictions clears the wildcard.
	g.SetRestrictions(nil)
	if !g.Allowed("bulk-delete") {
		t.Error("unknown target must be allowed once no wildcard is in force")
	}
}

func TestCapabilityGate_ReplaceOnNewLevel(t *testing.T) {
	g := NewCapabilityGate("payment")

	g.SetRestrictions([]types.Restriction{{Target: "payment", Action: types.RestrictDisable}})
	g.SetRestrictions(nil)

	if _, restricted := g.ActionFor("payment"); restricted {
		t.Error("restrictions should be replaced, not accumulated")
	}
}
