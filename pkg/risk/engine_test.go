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

package risk

import (
	"testing"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/types"
)

func constScorer(v float64) FactorScorer {
	return ScorerFunc(func(string) float64 { return v })
}

func TestAssess_WeightedAggregate(t *testing.T) {
	e := NewEngine(
		WithScorer(types.FactorLocation, constScorer(100)), // 0.25 -> 25
		WithScorer(types.FactorDevice, constScorer(50)),    // 0.20 -> 10
		WithScorer(types.FactorBehavior, constScorer(40)),  // 0.25 -> 10
		WithScorer(types.FactorTime, constScorer(0)),       // 0.10 -> 0
		WithScorer(types.FactorNetwork, constScorer(25)),   // 0.20 -> 5
	)

	a := e.Assess("alice")
	if a.Score != 50 {
		t.Errorf("expected aggregate 50, got %v", a.Score)
	}
	if a.Tier != types.TierHigh {
		t.Errorf("expected tier %s, got %s", types.TierHigh, a.Tier)
	}
	if a.RequiresStepUp {
		t.Error("score 50 must not require step-up")
	}
	if a.Factors[types.FactorDevice] != 50 {
		t.Errorf("expected device sub-score 50, got %v", a.Factors[types.FactorDevice])
	}
}

func TestAssess_MissingScorersContributeZero(t *testing.T) {
	e := NewEngine(WithScorer(types.FactorLocation, constScorer(100)))

	a := e.Assess("alice")
	if a.Score != 25 {
		t.Errorf("expected aggregate 25 from location alone, got %v", a.Score)
	}
	if a.Factors[types.FactorNetwork] != 0 {
		t.Errorf("expected zero network sub-score, got %v", a.Factors[types.FactorNetwork])
	}
}

func TestAssess_ClampsSubScores(t *testing.T) {
	e := NewEngine(
		WithScorer(types.FactorLocation, constScorer(500)),
		WithScorer(types.FactorDevice, constScorer(-40)),
	)

	a := e.Assess("alice")
	if a.Factors[types.FactorLocation] != 100 {
		t.Errorf("expected location clamped to 100, got %v", a.Factors[types.FactorLocation])
	}
	if a.Factors[types.FactorDevice] != 0 {
		t.Errorf("expected device clamped to 0, got %v", a.Factors[types.FactorDevice])
	}
	if a.Score != 25 {
		t.Errorf("expected aggregate 25, got %v", a.Score)
	}
}

func TestAssess_StepUpThresholdIsStrict(t *testing.T) {
	// All factors at 75 gives exactly the threshold, which must not trip.
	at := NewEngine(
		WithScorer(types.FactorLocation, constScorer(75)),
		WithScorer(types.FactorDevice, constScorer(75)),
		WithScorer(types.FactorBehavior, constScorer(75)),
		WithScorer(types.FactorTime, constScorer(75)),
		WithScorer(types.FactorNetwork, constScorer(75)),
	)
	if a := at.Assess("alice"); a.RequiresStepUp {
		t.Errorf("score %v must not require step-up", a.Score)
	}

	above := NewEngine(
		WithScorer(types.FactorLocation, constScorer(80)),
		WithScorer(types.FactorDevice, constScorer(80)),
		WithScorer(types.FactorBehavior, constScorer(80)),
		WithScorer(types.FactorTime, constScorer(80)),
		WithScorer(types.FactorNetwork, constScorer(80)),
	)
	a := above.Assess("alice")
	if !a.RequiresStepUp {
		t.Errorf("score %v must require step-up", a.Score)
	}
	if a.Tier != types.TierCritical {
		t.Errorf("expected tier %s, got %s", types.TierCritical, a.Tier)
	}
}

func TestTierForScore_Boundaries(t *testing.T) {
	cases := []struct {
		score float64
		want  types.RiskTier
	}{
		{0, types.TierLow},
		{24.9, types.TierLow},
		{25, types.TierMedium},
		{49.9, types.TierMedium},
		{50, types.TierHigh},
		{74.9, types.TierHigh},
		{75, types.TierCritical},
		{100, types.TierCritical},
	}
	for _, c := range cases {
		if got := types.TierForScore(c.score); got != c.want {
			t.Errorf("TierForScore(%v) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestTimeOfDayScorer(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		hour int
		want float64
	}{
		{3, 80},
		{23, 50},
		{0, 50},
		{6, 30},
		{14, 10},
	}
	for _, c := range cases {
		fake := clock.NewFake(base.Add(time.Duration(c.hour) * time.Hour))
		s := NewTimeOfDayScorer(fake)
		if got := s.Score("alice"); got != c.want {
			t.Errorf("hour %d: expected %v, got %v", c.hour, c.want, got)
		}
	}
}

func TestFailureHistoryScorer_Saturates(t *testing.T) {
	fake := clock.NewFake(time.Now())
	counts := map[string]int{"alice": 2, "mallory": 9}
	s := NewFailureHistoryScorer(15*time.Minute, fake, func(id string, since time.Time) int {
		return counts[id]
	})

	if got := s.Score("alice"); got != 50 {
		t.Errorf("expected 50 for two failures, got %v", got)
	}
	if got := s.Score("mallory"); got != 100 {
		t.Errorf("expected saturation at 100, got %v", got)
	}
	if got := s.Score("bob"); got != 0 {
		t.Errorf("expected 0 for clean principal, got %v", got)
	}
}
