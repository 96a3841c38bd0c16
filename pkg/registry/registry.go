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
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// Fingerprint identifies a threat for deduplication: the same concern reported
// again within the dedup window updates the existing entry instead of creating
// a new one. Severity is not part of the identity, so a re-report at a higher
// severity upgrades the existing entry.
func Fingerprint(t *types.Threat) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%s", t.Source, t.Type, t.Principal)))
	return fmt.Sprintf("%x", h[:8])
}

// Registry is the bounded, keyed store of currently-active threats. All
// mutation is funneled through its methods under a single lock.
type Registry struct {
	mu           sync.RWMutex
	threats      map[string]*types.Threat // id -> threat
	fingerprints map[string]string        // fingerprint -> id
	maxSize      int
	dedupWindow  time.Duration
	limiters     map[string]*rate.Limiter // per-source intake rate limit
	signalRate   rate.Limit
	signalBurst  int
	clk          clock.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clk = c }
}

// WithMaxSize bounds the number of stored threats.
func WithMaxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithDedupWindow sets how long a fingerprint suppresses re-registration.
func WithDedupWindow(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.dedupWindow = d
		}
	}
}

// WithSignalRate sets the per-source intake rate limit.
func WithSignalRate(perSecond int) Option {
	return func(r *Registry) {
		if perSecond > 0 {
			r.signalRate = rate.Limit(perSecond)
			r.signalBurst = perSecond * 2
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		threats:      make(map[string]*types.Threat),
		fingerprints: make(map[string]string),
		maxSize:      1000,
		dedupWindow:  time.Minute,
		limiters:     make(map[string]*rate.Limiter),
		signalRate:   rate.Limit(100),
		signalBurst:  200,
		clk:          clock.Real{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UpsertResult describes the outcome of an Upsert.
type UpsertResult struct {
	Threat      *types.Threat
	Created     bool // false when deduplicated into an existing entry
	RateLimited bool
}

// Upsert registers a threat. A missing ID is assigned; a duplicate within the
// dedup window refreshes the existing entry (max confidence, latest severity)
// instead of creating a new one. Intake beyond the per-source rate limit is
// dropped.
func (r *Registry) Upsert(t types.Threat) UpsertResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()

	if t.Source != "" && !r.allowSourceLocked(t.Source) {
		return UpsertResult{RateLimited: true}
	}

	fp := Fingerprint(&t)
	if existingID, ok := r.fingerprints[fp]; ok {
		if existing, ok := r.threats[existingID]; ok && existing.Active() &&
			now.Sub(existing.UpdatedAt) < r.dedupWindow {
			existing.UpdatedAt = now
			if t.Confidence > existing.Confidence {
				existing.Confidence = t.Confidence
			}
			if !existing.Severity.AtLeast(t.Severity) {
				existing.Severity = t.Severity
				r.updateGaugesLocked()
			}
			cp := *existing
			return UpsertResult{Threat: &cp, Created: false}
		}
	}

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.ThreatDetected
	}
	if t.DetectedAt.IsZero() {
		t.DetectedAt = now
	}
	t.UpdatedAt = now

	if len(r.threats) >= r.maxSize {
		r.evictOldestLocked()
	}

	stored := t
	r.threats[t.ID] = &stored
	r.fingerprints[fp] = t.ID

	metrics.ThreatsTotal.WithLabelValues(string(t.Type), string(t.Severity)).Inc()
	r.updateGaugesLocked()

	cp := stored
	return UpsertResult{Threat: &cp, Created: true}
}

// evictOldestLocked drops the oldest resolved threat, or failing that the
// oldest entry outright, to stay within maxSize.
func (r *Registry) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	preferResolved := false
	for id, t := range r.threats {
		resolved := !t.Active()
		switch {
		case oldestID == "":
			oldestID, oldestAt, preferResolved = id, t.UpdatedAt, resolved
		case resolved && !preferResolved:
			oldestID, oldestAt, preferResolved = id, t.UpdatedAt, true
		case resolved == preferResolved && t.UpdatedAt.Before(oldestAt):
			oldestID, oldestAt = id, t.UpdatedAt
		}
	}
	if oldestID != "" {
		delete(r.threats, oldestID)
	}
}

func (r *Registry) allowSourceLocked(source string) bool {
	lim, ok := r.limiters[source]
	if !ok {
		lim = rate.NewLimiter(r.signalRate, r.signalBurst)
		r.limiters[source] = lim
	}
	return lim.Allow()
}

// Get returns a copy of the threat with the given id.
func (r *Registry) Get(id string) (*types.Threat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threats[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// setStatus transitions a threat's status under the writer lock.
func (r *Registry) setStatus(id string, status types.ThreatStatus, resolution string) (*types.Threat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threats[id]
	if !ok {
		return nil, govErrors.NewValidationError("registry", "UNKNOWN_THREAT", "no threat with id "+id)
	}
	t.Status = status
	t.UpdatedAt = r.clk.Now()
	if resolution != "" {
		t.Resolution = resolution
	}
	if !t.Active() {
		// Resolved threats leave the active set immediately.
		delete(r.threats, id)
		delete(r.fingerprints, Fingerprint(t))
	}
	r.updateGaugesLocked()
	cp := *t
	return &cp, nil
}

// Acknowledge moves a threat to investigating.
func (r *Registry) Acknowledge(id string) (*types.Threat, error) {
	return r.setStatus(id, types.ThreatInvestigating, "")
}

// Mitigate moves a threat to mitigating.
func (r *Registry) Mitigate(id string) (*types.Threat, error) {
	return r.setStatus(id, types.ThreatMitigating, "")
}

// Resolve marks a threat resolved and removes it from the active set.
func (r *Registry) Resolve(id, resolution string) (*types.Threat, error) {
	return r.setStatus(id, types.ThreatResolved, resolution)
}

// MarkFalsePositive removes a threat as a false positive.
func (r *Registry) MarkFalsePositive(id string) (*types.Threat, error) {
	return r.setStatus(id, types.ThreatFalsePositive, "false positive")
}

// Active returns copies of all active threats.
func (r *Registry) Active() []types.Threat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Threat, 0, len(r.threats))
	for _, t := range r.threats {
		if t.Active() {
			out = append(out, *t)
		}
	}
	return out
}

// ActiveWithin returns copies of active threats updated within the window.
// A zero window means no time bound.
func (r *Registry) ActiveWithin(window time.Duration) []types.Threat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clk.Now()
	out := make([]types.Threat, 0, len(r.threats))
	for _, t := range r.threats {
		if !t.Active() {
			continue
		}
		if window > 0 && now.Sub(t.DetectedAt) > window {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// Score computes the derived security health score:
// clamp(100 - 5*activeThreats - sum(severity weights), 0, 100).
func (r *Registry) Score() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scoreLocked()
}

func (r *Registry) scoreLocked() int {
	score := 100
	for _, t := range r.threats {
		if !t.Active() {
			continue
		}
		score -= 5 + t.Severity.Weight()
	}
	if score < 0 {
		score = 0
	}
	return score
}

func (r *Registry) updateGaugesLocked() {
	counts := map[types.Severity]int{}
	for _, t := range r.threats {
		if t.Active() {
			counts[t.Severity]++
		}
	}
	for _, sev := range []types.Severity{types.SeverityLow, types.SeverityMedium, types.SeverityHigh, types.SeverityCritical} {
		metrics.ActiveThreats.WithLabelValues(string(sev)).Set(float64(counts[sev]))
	}
	metrics.SecurityScore.Set(float64(r.scoreLocked()))
}

// Stats returns the current size and capacity.
func (r *Registry) Stats() (size, maxSize int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threats), r.maxSize
}
