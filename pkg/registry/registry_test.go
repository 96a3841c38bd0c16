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

package registry

import (
	"testing"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/types"
)

func testThreat(source string, typ types.ThreatType, sev types.Severity) types.Threat {
	return types.Threat{
		Type:        typ,
		Severity:    sev,
		Confidence:  0.9,
		Source:      source,
		Description: "test threat",
	}
}

func TestUpsert_AssignsIDAndDefaults(t *testing.T) {
	r := New()
	res := r.Upsert(testThreat("ids", types.ThreatBruteForce, types.SeverityHigh))

	if !res.Created {
		t.Fatal("first upsert should create")
	}
	if res.Threat.ID == "" {
		t.Error("expected an assigned id")
	}
	if res.Threat.Status != types.ThreatDetected {
		t.Errorf("expected status detected, got %s", res.Threat.Status)
	}
	if res.Threat.DetectedAt.IsZero() || res.Threat.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
}

func TestUpsert_DeduplicatesWithinWindow(t *testing.T) {
	fake := clock.NewFake(time.Now())
	r := New(WithClock(fake), WithDedupWindow(time.Minute))

	first := r.Upsert(testThreat("dedup", types.ThreatSQLInjection, types.SeverityHigh))
	second := r.Upsert(testThreat("dedup", types.ThreatSQLInjection, types.SeverityHigh))

	if second.Created {
		t.Error("duplicate within window should not create")
	}
	if second.Threat.ID != first.Threat.ID {
		t.Error("duplicate should refresh the existing threat")
	}

	fake.Advance(2 * time.Minute)
	third := r.Upsert(testThreat("dedup", types.ThreatSQLInjection, types.SeverityHigh))
	if !third.Created {
		t.Error("after window, the same fingerprint should create a new threat")
	}
}

func TestUpsert_DedupKeepsMaxConfidence(t *testing.T) {
	r := New()
	a := testThreat("conf", types.ThreatXSS, types.SeverityMedium)
	a.Confidence = 0.6
	r.Upsert(a)

	b := a
	b.Confidence = 0.95
	res := r.Upsert(b)
	if res.Threat.Confidence != 0.95 {
		t.Errorf("expected refreshed confidence 0.95, got %v", res.Threat.Confidence)
	}
}

func TestUpsert_DedupUpgradesSeverity(t *testing.T) {
	r := New()
	first := r.Upsert(testThreat("sev", types.ThreatXSS, types.SeverityMedium))

	res := r.Upsert(testThreat("sev", types.ThreatXSS, types.SeverityCritical))
	if res.Created {
		t.Error("re-report at a higher severity must refresh, not create")
	}
	if res.Threat.ID != first.Threat.ID {
		t.Error("re-report should land on the existing threat")
	}
	if res.Threat.Severity != types.SeverityCritical {
		t.Errorf("expected severity upgraded to critical, got %s", res.Threat.Severity)
	}

	// A lower-severity re-report never downgrades.
	res = r.Upsert(testThreat("sev", types.ThreatXSS, types.SeverityLow))
	if res.Threat.Severity != types.SeverityCritical {
		t.Errorf("severity must not downgrade, got %s", res.Threat.Severity)
	}
}

func TestStatusTransitions(t *testing.T) {
	r := New()
	res := r.Upsert(testThreat("status", types.ThreatMalware, types.SeverityCritical))
	id := res.Threat.ID

	if _, err := r.Acknowledge(id); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	got, _ := r.Get(id)
	if got.Status != types.ThreatInvestigating {
		t.Errorf("expected investigating, got %s", got.Status)
	}

	if _, err := r.Resolve(id, "patched"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, ok := r.Get(id); ok {
		t.Error("resolved threat should leave the active set")
	}
	if len(r.Active()) != 0 {
		t.Error("no active threats expected after resolve")
	}
}

func TestSetStatus_UnknownID(t *testing.T) {
	r := New()
	_, err := r.Acknowledge("nope")
	if err == nil {
		t.Fatal("expected error for unknown id")
	}
	if !govErrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestScore(t *testing.T) {
	r := New()
	if r.Score() != 100 {
		t.Fatalf("empty registry score should be 100, got %d", r.Score())
	}

	r.Upsert(testThreat("s1", types.ThreatBruteForce, types.SeverityCritical)) // -25
	if got := r.Score(); got != 75 {
		t.Errorf("one critical threat: expected 75, got %d", got)
	}

	r.Upsert(testThreat("s2", types.ThreatXSS, types.SeverityLow)) // -7
	if got := r.Score(); got != 68 {
		t.Errorf("critical plus low: expected 68, got %d", got)
	}
}

func TestScore_ClampsAtZero(t *testing.T) {
	r := New()
	for i := 0; i < 10; i++ {
		tt := testThreat("clamp", types.ThreatMalware, types.SeverityCritical)
		tt.Description = string(rune('a' + i)) // distinct fingerprints
		tt.Principal = tt.Description
		r.Upsert(tt)
	}
	if got := r.Score(); got != 0 {
		t.Errorf("score should clamp at 0, got %d", got)
	}
}

func TestScore_RecoversOnResolve(t *testing.T) {
	r := New()
	res := r.Upsert(testThreat("recover", types.ThreatPhishing, types.SeverityHigh))
	if r.Score() >= 100 {
		t.Fatal("score should drop with an active threat")
	}
	if _, err := r.Resolve(res.Threat.ID, "done"); err != nil {
		t.Fatal(err)
	}
	if r.Score() != 100 {
		t.Errorf("score should recover to 100, got %d", r.Score())
	}
}

func TestMaxSizeEviction(t *testing.T) {
	fake := clock.NewFake(time.Now())
	r := New(WithClock(fake), WithMaxSize(3))

	for i := 0; i < 4; i++ {
		tt := testThreat("evict", types.ThreatXSS, types.SeverityLow)
		tt.Principal = string(rune('a' + i))
		r.Upsert(tt)
		fake.Advance(time.Second)
	}
	size, _ := r.Stats()
	if size != 3 {
		t.Errorf("expected size capped at 3, got %d", size)
	}
}

func TestRateLimit(t *testing.T) {
	r := New(WithSignalRate(1))

	limited := false
	for i := 0; i < 10; i++ {
		tt := testThreat("burst", types.ThreatXSS, types.SeverityLow)
		tt.Principal = string(rune('a' + i))
		if r.Upsert(tt).RateLimited {
			limited = true
		}
	}
	if !limited {
		t.Error("expected some upserts to be rate limited at 1/s")
	}
}

func TestActiveWithin(t *testing.T) {
	fake := clock.NewFake(time.Now())
	r := New(WithClock(fake))

	r.Upsert(testThreat("old", types.ThreatXSS, types.SeverityLow))
	fake.Advance(10 * time.Minute)
	r.Upsert(testThreat("new", types.ThreatCSRF, types.SeverityLow))

	within := r.ActiveWithin(5 * time.Minute)
	if len(within) != 1 {
		t.Fatalf("expected 1 threat within 5m, got %d", len(within))
	}
	if within[0].Source != "new" {
		t.Errorf("expected the recent threat, got %s", within[0].Source)
	}
}
