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

package auth

import (
	"testing"
	"time"

	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/risk"
	"github.com/sec-posture/governor/pkg/types"
)

// engineWithScore builds an engine whose aggregate equals score for every
// principal: all five factors return the same constant.
func engineWithScore(score float64) *risk.Engine {
	c := risk.ScorerFunc(func(string) float64 { return score })
	return risk.NewEngine(
		risk.WithScorer(types.FactorLocation, c),
		risk.WithScorer(types.FactorDevice, c),
		risk.WithScorer(types.FactorBehavior, c),
		risk.WithScorer(types.FactorTime, c),
		risk.WithScorer(types.FactorNetwork, c),
	)
}

type stubVerifier struct {
	confidence float64
	err        error
}

func (v stubVerifier) Verify(string, string) (float64, error) {
	return v.confidence, v.err
}

func newTestManager(fake *clock.Fake, score float64, opts ...ManagerOption) (*Manager, *Tracker) {
	tracker := NewTracker(5, 15*time.Minute, fake)
	base := []ManagerOption{
		WithClock(fake),
		WithVerifier(types.FactorPassword, stubVerifier{confidence: 0.7}),
		WithVerifier(types.FactorTOTP, stubVerifier{confidence: 0.9}),
		WithVerifier(types.FactorBiometric, stubVerifier{confidence: 0.95}),
	}
	m := NewManager(engineWithScore(score), tracker, audit.NewLog(), append(base, opts...)...)
	return m, tracker
}

func TestTracker_LocksAtLimit(t *testing.T) {
	fake := clock.NewFake(time.Now())
	tr := NewTracker(5, 15*time.Minute, fake)

	for i := 0; i < 4; i++ {
		if locked, _ := tr.RecordFailure("alice"); locked {
			t.Fatalf("failure %d should not lock", i+1)
		}
	}
	locked, until := tr.RecordFailure("alice")
	if !locked {
		t.Fatal("fifth failure must lock")
	}
	if want := fake.Now().Add(15 * time.Minute); !until.Equal(want) {
		t.Errorf("expected lock until %v, got %v", want, until)
	}

	isLocked, remaining := tr.IsLocked("alice")
	if !isLocked || remaining != 15*time.Minute {
		t.Errorf("expected locked with 15m remaining, got %v %v", isLocked, remaining)
	}

	fake.Advance(16 * time.Minute)
	if isLocked, _ := tr.IsLocked("alice"); isLocked {
		t.Error("lock should expire with its window")
	}
}

func TestTracker_RollingWindowPrunesOldFailures(t *testing.T) {
	fake := clock.NewFake(time.Now())
	tr := NewTracker(5, 15*time.Minute, fake)

	for i := 0; i < 4; i++ {
		tr.RecordFailure("alice")
	}
	// The early failures age out before the next one lands.
	fake.Advance(16 * time.Minute)
	if locked, _ := tr.RecordFailure("alice"); locked {
		t.Error("failures outside the rolling window must not count")
	}
	if n := tr.CountFailures("alice", fake.Now().Add(-15*time.Minute)); n != 1 {
		t.Errorf("expected 1 recent failure, got %d", n)
	}
}

func TestTracker_SuccessClearsSlate(t *testing.T) {
	fake := clock.NewFake(time.Now())
	tr := NewTracker(5, 15*time.Minute, fake)

	for i := 0; i < 4; i++ {
		tr.RecordFailure("alice")
	}
	tr.RecordSuccess("alice")
	if locked, _ := tr.RecordFailure("alice"); locked {
		t.Error("success must reset the failure count")
	}
}

func TestTracker_RestoreSkipsExpired(t *testing.T) {
	fake := clock.NewFake(time.Now())
	tr := NewTracker(5, 15*time.Minute, fake)

	now := fake.Now()
	tr.Restore([]types.LockoutRecord{
		{PrincipalID: "mallory", LockedUntil: now.Add(10 * time.Minute)},
		{PrincipalID: "bob", LockedUntil: now.Add(-time.Minute)},
	})

	if locked, remaining := tr.IsLocked("mallory"); !locked || remaining != 10*time.Minute {
		t.Errorf("restored lockout not in force: locked=%v remaining=%v", locked, remaining)
	}
	if locked, _ := tr.IsLocked("bob"); locked {
		t.Error("expired record must not be restored")
	}

	rec, ok := tr.Record("mallory")
	if !ok || !rec.LockedUntil.Equal(now.Add(10*time.Minute)) {
		t.Errorf("Record after restore: ok=%v rec=%+v", ok, rec)
	}
}

func TestRequiredFactors_Thresholds(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 0)

	cases := []struct {
		score float64
		want  int
	}{
		{0, 1},
		{50, 1}, // thresholds are strict
		{50.1, 2},
		{75, 2},
		{75.1, 3},
		{100, 3},
	}
	for _, c := range cases {
		if got := m.RequiredFactors(c.score); got != c.want {
			t.Errorf("RequiredFactors(%v) = %d, want %d", c.score, got, c.want)
		}
	}
}

func TestAuthenticate_SingleFactorAtLowRisk(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10)

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{types.FactorPassword: "hunter2"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if s.Status != types.SessionActive {
		t.Errorf("expected active session, got %s", s.Status)
	}
	if len(s.Factors) != 1 || s.Factors[0].Type != types.FactorPassword {
		t.Errorf("unexpected factors %+v", s.Factors)
	}
	if s.RiskScore != 10 {
		t.Errorf("expected risk score 10 on session, got %v", s.RiskScore)
	}
	if len(m.ActiveSessions()) != 1 {
		t.Errorf("expected one active session")
	}
}

func TestAuthenticate_HighRiskDemandsThreeFactors(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 80)

	_, err := m.Authenticate("alice", "10.0.0.1", Credentials{
		types.FactorPassword: "hunter2",
		types.FactorTOTP:     "123456",
	})
	if !govErrors.IsAuthFailure(err) {
		t.Fatalf("two factors at risk 80 must be rejected, got %v", err)
	}

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{
		types.FactorPassword:  "hunter2",
		types.FactorTOTP:      "123456",
		types.FactorBiometric: "scan",
	})
	if err != nil {
		t.Fatalf("three factors at risk 80 should pass: %v", err)
	}
	if len(s.Factors) != 3 {
		t.Errorf("expected 3 verified factors, got %d", len(s.Factors))
	}
}

func TestAuthenticate_BadFactorCountsTowardLockout(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10,
		WithVerifier(types.FactorPassword, stubVerifier{
			err: govErrors.NewAuthError("auth", "BAD_PASSWORD", "password mismatch"),
		}))

	creds := Credentials{types.FactorPassword: "wrong"}
	for i := 0; i < 4; i++ {
		if _, err := m.Authenticate("alice", "10.0.0.1", creds); !govErrors.IsAuthFailure(err) {
			t.Fatalf("attempt %d: expected auth failure, got %v", i+1, err)
		}
	}

	_, err := m.Authenticate("alice", "10.0.0.1", creds)
	if !govErrors.IsLockedOut(err) {
		t.Fatalf("fifth failure must return a lockout error, got %v", err)
	}
	if govErrors.RetryAfter(err) != 15*time.Minute {
		t.Errorf("expected 15m retry-after, got %v", govErrors.RetryAfter(err))
	}

	// While locked out even good credentials are rejected without counting.
	_, err = m.Authenticate("alice", "10.0.0.1", creds)
	if !govErrors.IsLockedOut(err) {
		t.Fatalf("expected lockout while lock active, got %v", err)
	}
}

func TestAuthenticate_LockoutListenerFires(t *testing.T) {
	fake := clock.NewFake(time.Now())
	var lockedPrincipal string
	m, _ := newTestManager(fake, 10,
		WithVerifier(types.FactorPassword, stubVerifier{
			err: govErrors.NewAuthError("auth", "BAD_PASSWORD", "password mismatch"),
		}),
		WithLockoutListener(func(principalID string, until time.Time) {
			lockedPrincipal = principalID
		}))

	creds := Credentials{types.FactorPassword: "wrong"}
	for i := 0; i < 5; i++ {
		m.Authenticate("mallory", "10.0.0.9", creds)
	}
	if lockedPrincipal != "mallory" {
		t.Errorf("lockout listener did not fire, got %q", lockedPrincipal)
	}
}

func TestSession_ExpiresOnTimer(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10, WithSessionTimeout(30*time.Minute))

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{types.FactorPassword: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}

	fake.Advance(29 * time.Minute)
	if got, _ := m.Session(s.ID); got.Status != types.SessionActive {
		t.Fatalf("session expired early: %s", got.Status)
	}

	fake.Advance(2 * time.Minute)
	got, err := m.Session(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.SessionExpired {
		t.Errorf("expected expired session, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("expired session must record its end time")
	}
	if len(m.ActiveSessions()) != 0 {
		t.Error("expired session still counted active")
	}
}

func TestTerminate_Semantics(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10)

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{types.FactorPassword: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Terminate(s.ID, "operator request"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	// Terminating again is a no-op.
	if err := m.Terminate(s.ID, "again"); err != nil {
		t.Errorf("second Terminate should be a no-op, got %v", err)
	}
	if err := m.Terminate("no-such-session", "x"); !govErrors.IsSessionNotFound(err) {
		t.Errorf("expected session-not-found, got %v", err)
	}

	got, _ := m.Session(s.ID)
	if got.Status != types.SessionTerminated {
		t.Errorf("expected terminated, got %s", got.Status)
	}
}

func TestTerminate_LogsComputedDuration(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10)

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{types.FactorPassword: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}
	fake.Advance(10 * time.Minute)
	if err := m.Terminate(s.ID, "operator request"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	events := m.log.Query(audit.Filter{Type: types.EventSessionTerminated})
	if len(events) != 1 {
		t.Fatalf("expected one session_terminated event, got %d", len(events))
	}
	if d := events[0].Details["duration"]; d != "10m0s" {
		t.Errorf("expected duration 10m0s in the event, got %v", d)
	}
}

func TestSession_PrunedAfterRetention(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10, WithSessionTimeout(30*time.Minute))

	s, err := m.Authenticate("alice", "10.0.0.1", Credentials{types.FactorPassword: "hunter2"})
	if err != nil {
		t.Fatal(err)
	}

	// Expired sessions stay queryable for a while.
	fake.Advance(31 * time.Minute)
	if got, err := m.Session(s.ID); err != nil || got.Status != types.SessionExpired {
		t.Fatalf("expected queryable expired session, got %v (%v)", got, err)
	}

	// Past the retention window the record is gone.
	fake.Advance(endedRetention + time.Minute)
	if _, err := m.Session(s.ID); !govErrors.IsSessionNotFound(err) {
		t.Errorf("expected pruned session to be not-found, got %v", err)
	}
}

func TestTerminateAll_EndsEveryPrincipalSession(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m, _ := newTestManager(fake, 10)

	creds := Credentials{types.FactorPassword: "hunter2"}
	m.Authenticate("alice", "10.0.0.1", creds)
	m.Authenticate("alice", "10.0.0.1", creds)
	m.Authenticate("bob", "10.0.0.2", creds)

	if n := m.TerminateAll("alice", "containment"); n != 2 {
		t.Errorf("expected 2 terminated sessions, got %d", n)
	}
	if len(m.SessionsFor("alice")) != 0 {
		t.Error("alice still has active sessions")
	}
	if len(m.SessionsFor("bob")) != 1 {
		t.Error("bob's session should survive")
	}
}

func TestAuthenticate_UnusualOriginRaisesSuspicion(t *testing.T) {
	fake := clock.NewFake(time.Now())
	var reasons []string
	m, _ := newTestManager(fake, 10,
		WithSuspicionListener(func(principalID, origin, reason string) {
			reasons = append(reasons, reason)
		}))

	creds := Credentials{types.FactorPassword: "hunter2"}
	// Establish a usual origin for the heuristic to have an opinion.
	for i := 0; i < 3; i++ {
		if _, err := m.Authenticate("alice", "10.0.0.1", creds); err != nil {
			t.Fatal(err)
		}
		fake.Advance(31 * time.Minute) // let each session expire
	}
	if len(reasons) != 0 {
		t.Fatalf("no suspicion expected from the usual origin: %v", reasons)
	}

	if _, err := m.Authenticate("alice", "203.0.113.7", creds); err != nil {
		t.Fatal(err)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected one suspicion, got %v", reasons)
	}

	events := m.log.Query(audit.Filter{Type: types.EventSuspiciousLogin})
	if len(events) != 1 {
		t.Fatalf("expected one suspicious_login event, got %d", len(events))
	}
	if events[0].Severity != types.SeverityLow {
		t.Errorf("origin mismatch is advisory and must log low, got %s", events[0].Severity)
	}
}

func TestAuthenticate_ConcurrentDistinctOrigins(t *testing.T) {
	fake := clock.NewFake(time.Now())
	var reasons []string
	m, _ := newTestManager(fake, 10,
		WithSuspicionListener(func(principalID, origin, reason string) {
			reasons = append(reasons, reason)
		}))

	creds := Credentials{types.FactorPassword: "hunter2"}
	if _, err := m.Authenticate("alice", "10.0.0.1", creds); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Authenticate("alice", "198.51.100.4", creds); err != nil {
		t.Fatal(err)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected one concurrent-origin suspicion, got %v", reasons)
	}

	events := m.log.Query(audit.Filter{Type: types.EventSuspiciousActivity})
	if len(events) != 1 {
		t.Fatalf("expected one suspicious_activity event, got %d", len(events))
	}
	if events[0].Severity != types.SeverityMedium {
		t.Errorf("concurrent distinct origins must log medium, got %s", events[0].Severity)
	}
}

func TestPasswordVerifier(t *testing.T) {
	v := NewPasswordVerifier()

	if _, err := v.Verify("alice", "hunter2"); !govErrors.IsAuthFailure(err) {
		t.Errorf("unenrolled principal must fail, got %v", err)
	}

	v.SetPassword("alice", "hunter2")
	conf, err := v.Verify("alice", "hunter2")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if conf != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", conf)
	}
	if _, err := v.Verify("alice", "letmein"); !govErrors.IsAuthFailure(err) {
		t.Errorf("wrong password must fail, got %v", err)
	}
}

func TestTOTPVerifier_RequiresEnrollment(t *testing.T) {
	v := NewTOTPVerifier("governor-test")

	if _, err := v.Verify("alice", "000000"); !govErrors.IsAuthFailure(err) {
		t.Errorf("unenrolled principal must fail, got %v", err)
	}

	secret, url, err := v.Enroll("alice")
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if secret == "" || url == "" {
		t.Error("enrollment must return a secret and provisioning URL")
	}
	if _, err := v.Verify("alice", "000000"); !govErrors.IsAuthFailure(err) {
		t.Errorf("bogus passcode must fail, got %v", err)
	}
}
