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
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/types"
)

// StepUpThreshold is the aggregate score above which step-up authentication
// becomes mandatory.
const StepUpThreshold = 75

// FactorScorer produces one factor's sub-score for a principal. Implementations
// must return a value in [0,100] and be safe for concurrent use across
// distinct principals. Concrete strategies (geo-velocity, device fingerprint
// novelty, keystroke dynamics) are supplied by the host application.
type FactorScorer interface {
	Score(principalID string) float64
}

// ScorerFunc adapts a function to FactorScorer.
type ScorerFunc func(principalID string) float64

func (f ScorerFunc) Score(principalID string) float64 { return f(principalID) }

// defaultWeights sum to 1.0.
var defaultWeights = map[types.RiskFactor]float64{
	types.FactorLocation: 0.25,
	types.FactorDevice:   0.20,
	types.FactorBehavior: 0.25,
	types.FactorTime:     0.10,
	types.FactorNetwork:  0.20,
}

// Engine computes weighted risk assessments. It holds no per-principal state
// and is safe to call concurrently; all state lives in the injected scorers.
type Engine struct {
	scorers map[types.RiskFactor]FactorScorer
	weights map[types.RiskFactor]float64
	clk     clock.Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithScorer installs the scorer for a factor, replacing the default.
func WithScorer(factor types.RiskFactor, s FactorScorer) Option {
	return func(e *Engine) { e.scorers[factor] = s }
}

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// NewEngine creates an engine. Factors without an installed scorer contribute
// a zero sub-score.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		scorers: make(map[types.RiskFactor]FactorScorer),
		weights: defaultWeights,
		clk:     clock.Real{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assess computes the weighted risk snapshot for a principal. It is a pure
// function of the scorer outputs; no side effects.
func (e *Engine) Assess(principalID string) types.RiskAssessment {
	factors := make(map[types.RiskFactor]float64, len(e.weights))
	aggregate := 0.0
	for factor, weight := range e.weights {
		sub := 0.0
		if s, ok := e.scorers[factor]; ok {
			sub = clamp(s.Score(principalID), 0, 100)
		}
		factors[factor] = sub
		aggregate += weight * sub
	}
	aggregate = clamp(aggregate, 0, 100)

	return types.RiskAssessment{
		PrincipalID:    principalID,
		Timestamp:      e.clk.Now(),
		Factors:        factors,
		Score:          aggregate,
		Tier:           types.TierForScore(aggregate),
		RequiresStepUp: aggregate > StepUpThreshold,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// TimeOfDayScorer is a built-in scorer for the time factor: activity far from
// the principal's typical window scores higher. It treats late-night hours as
// elevated risk; host applications replace it with a per-principal profile.
type TimeOfDayScorer struct {
	clk clock.Clock
}

// NewTimeOfDayScorer creates the default time factor scorer.
func NewTimeOfDayScorer(c clock.Clock) *TimeOfDayScorer {
	if c == nil {
		c = clock.Real{}
	}
	return &TimeOfDayScorer{clk: c}
}

func (s *TimeOfDayScorer) Score(string) float64 {
	hour := s.clk.Now().Hour()
	switch {
	case hour >= 1 && hour < 5:
		return 80
	case hour >= 22 || hour < 1:
		return 50
	case hour >= 5 && hour < 7:
		return 30
	default:
		return 10
	}
}

// FailureHistoryScorer scores the behavior factor from recent authentication
// failures recorded by the session manager.
type FailureHistoryScorer struct {
	window   time.Duration
	clk      clock.Clock
	failures func(principalID string, since time.Time) int
}

// NewFailureHistoryScorer creates a behavior scorer over the given failure
// lookup. The lookup is typically the lockout tracker's CountFailures.
func NewFailureHistoryScorer(window time.Duration, c clock.Clock, failures func(principalID string, since time.Time) int) *FailureHistoryScorer {
	if c == nil {
		c = clock.Real{}
	}
	return &FailureHistoryScorer{window: window, clk: c, failures: failures}
}

func (s *FailureHistoryScorer) Score(principalID string) float64 {
	n := s.failures(principalID, s.clk.Now().Add(-s.window))
	// 25 points per recent failure, saturating.
	return clamp(float64(n)*25, 0, 100)
}
