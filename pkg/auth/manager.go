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

// Package auth implements risk-adaptive multi-factor authentication: the
// number of factors a principal must present grows with their assessed risk,
// repeated failures lock the principal out for a rolling window, and every
// session expires on a timer unless terminated first.
package auth

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/risk"
	"github.com/sec-posture/governor/pkg/types"
)

const originHistorySize = 10

// Credentials maps each presented factor to its credential material.
type Credentials map[types.FactorType]string

// SuspicionListener observes suspicious authentication activity. Listeners
// run synchronously after the session mutation completes.
type SuspicionListener func(principalID, origin, reason string)

// LockoutListener observes new lockouts.
type LockoutListener func(principalID string, until time.Time)

// factorOrder fixes the verification order so audit trails are stable.
var factorOrder = []types.FactorType{
	types.FactorPassword,
	types.FactorTOTP,
	types.FactorBiometric,
	types.FactorHardwareKey,
}

// Manager owns authentication sessions.
type Manager struct {
	mu               sync.Mutex
	sessions         map[string]*types.AuthSession
	timers           map[string]clock.Timer
	history          map[string][]string // recent login origins per principal
	verifiers        map[types.FactorType]Verifier
	lockouts         *Tracker
	engine           *risk.Engine
	log              *audit.Log
	clk              clock.Clock
	sessionTimeout   time.Duration
	secondFactorRisk float64
	thirdFactorRisk  float64
	onSuspicion      []SuspicionListener
	onLockout        []LockoutListener
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) ManagerOption {
	return func(m *Manager) { m.clk = c }
}

// WithSessionTimeout sets the idle session lifetime.
func WithSessionTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.sessionTimeout = d
		}
	}
}

// WithFactorThresholds sets the risk scores above which a second and third
// factor become required.
func WithFactorThresholds(second, third float64) ManagerOption {
	return func(m *Manager) {
		m.secondFactorRisk = second
		m.thirdFactorRisk = third
	}
}

// WithVerifier installs the verifier for a factor type.
func WithVerifier(t types.FactorType, v Verifier) ManagerOption {
	return func(m *Manager) { m.verifiers[t] = v }
}

// WithSuspicionListener registers a suspicious-activity listener.
func WithSuspicionListener(l SuspicionListener) ManagerOption {
	return func(m *Manager) { m.onSuspicion = append(m.onSuspicion, l) }
}

// WithLockoutListener registers a lockout listener.
func WithLockoutListener(l LockoutListener) ManagerOption {
	return func(m *Manager) { m.onLockout = append(m.onLockout, l) }
}

// NewManager creates a session manager.
func NewManager(engine *risk.Engine, lockouts *Tracker, log *audit.Log, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:         make(map[string]*types.AuthSession),
		timers:           make(map[string]clock.Timer),
		history:          make(map[string][]string),
		verifiers:        make(map[types.FactorType]Verifier),
		lockouts:         lockouts,
		engine:           engine,
		log:              log,
		clk:              clock.Real{},
		sessionTimeout:   30 * time.Minute,
		secondFactorRisk: 50,
		thirdFactorRisk:  75,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateLimits applies new tunables from a configuration update. Existing
// sessions keep their original expiry.
func (m *Manager) UpdateLimits(sessionTimeout time.Duration, secondFactorRisk, thirdFactorRisk float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionTimeout > 0 {
		m.sessionTimeout = sessionTimeout
	}
	if secondFactorRisk > 0 {
		m.secondFactorRisk = secondFactorRisk
	}
	if thirdFactorRisk > 0 {
		m.thirdFactorRisk = thirdFactorRisk
	}
}

// RequiredFactors returns how many distinct factors a risk score demands.
func (m *Manager) RequiredFactors(score float64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requiredFactorsLocked(score)
}

func (m *Manager) requiredFactorsLocked(score float64) int {
	n := 1
	if score > m.secondFactorRisk {
		n = 2
	}
	if score > m.thirdFactorRisk {
		n = 3
	}
	return n
}

// Authenticate verifies the presented credentials against the principal's
// current risk assessment and, on success, opens a session. Failures count
// toward lockout; an attempt while locked out is rejected without touching
// the counters.
func (m *Manager) Authenticate(principalID, origin string, creds Credentials) (*types.AuthSession, error) {
	if principalID == "" {
		return nil, govErrors.NewValidationError("auth", "MISSING_PRINCIPAL", "principal id required")
	}

	if locked, remaining := m.lockouts.IsLocked(principalID); locked {
		metrics.AuthAttempts.WithLabelValues("locked_out").Inc()
		m.log.Append(types.EventAuthFailure, types.SeverityMedium, principalID,
			"authentication rejected: principal locked out",
			map[string]interface{}{"retry_after": remaining.String()})
		return nil, govErrors.NewLockoutError("auth",
			fmt.Sprintf("principal %s locked out", principalID), remaining)
	}

	assessment := m.engine.Assess(principalID)
	required := m.RequiredFactors(assessment.Score)

	if len(creds) < required {
		return nil, m.fail(principalID, origin,
			fmt.Sprintf("%d factor(s) presented, %d required at risk %.0f",
				len(creds), required, assessment.Score))
	}

	verified := make([]types.VerifiedFactor, 0, len(creds))
	for _, ft := range factorOrder {
		cred, ok := creds[ft]
		if !ok {
			continue
		}
		v, ok := m.verifiers[ft]
		if !ok {
			return nil, m.fail(principalID, origin, "no verifier for factor "+string(ft))
		}
		confidence, err := v.Verify(principalID, cred)
		if err != nil {
			return nil, m.fail(principalID, origin, fmt.Sprintf("factor %s rejected", ft))
		}
		verified = append(verified, types.VerifiedFactor{
			Type:       ft,
			Confidence: confidence,
			VerifiedAt: m.clk.Now(),
		})
	}
	if len(verified) < required {
		return nil, m.fail(principalID, origin,
			fmt.Sprintf("%d factor(s) verified, %d required", len(verified), required))
	}

	m.lockouts.RecordSuccess(principalID)
	return m.openSession(principalID, origin, assessment, verified), nil
}

// fail records a failed attempt and returns the error for the caller,
// escalating to a lockout error when this failure trips the limit.
func (m *Manager) fail(principalID, origin, reason string) error {
	metrics.AuthAttempts.WithLabelValues("failure").Inc()
	m.log.Append(types.EventAuthFailure, types.SeverityMedium, principalID,
		"authentication failed: "+reason,
		map[string]interface{}{"origin": origin})

	locked, until := m.lockouts.RecordFailure(principalID)
	if !locked {
		return govErrors.NewAuthError("auth", "AUTH_FAILED", reason)
	}

	metrics.LockoutsTotal.Inc()
	m.log.Append(types.EventLockout, types.SeverityHigh, principalID,
		"principal locked out after repeated failures",
		map[string]interface{}{"until": until})
	logger.Warn("principal locked out", logger.Fields{
		Component: "auth",
		Principal: principalID,
		Reason:    reason,
	})
	for _, l := range m.onLockout {
		l(principalID, until)
	}
	return govErrors.NewLockoutError("auth",
		fmt.Sprintf("principal %s locked out", principalID), until.Sub(m.clk.Now()))
}

func (m *Manager) openSession(principalID, origin string, assessment types.RiskAssessment, verified []types.VerifiedFactor) *types.AuthSession {
	m.mu.Lock()

	now := m.clk.Now()
	s := &types.AuthSession{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		StartedAt:   now,
		ExpiresAt:   now.Add(m.sessionTimeout),
		Method:      method(len(verified)),
		Factors:     verified,
		RiskScore:   assessment.Score,
		Tier:        assessment.Tier,
		Status:      types.SessionActive,
		Origin:      origin,
	}
	m.sessions[s.ID] = s
	id := s.ID
	m.timers[id] = m.clk.AfterFunc(m.sessionTimeout, func() { m.expire(id) })

	suspicions := m.suspicionsLocked(principalID, origin)
	m.recordOriginLocked(principalID, origin)
	m.updateSessionGaugeLocked()
	cp := *s
	m.mu.Unlock()

	metrics.AuthAttempts.WithLabelValues("success").Inc()
	m.log.Append(types.EventAuthSuccess, types.SeverityLow, principalID,
		fmt.Sprintf("authenticated with %d factor(s)", len(verified)),
		map[string]interface{}{
			"origin":     origin,
			"risk_score": assessment.Score,
			"tier":       string(assessment.Tier),
		})
	m.log.Append(types.EventSessionCreated, types.SeverityLow, principalID,
		"session created",
		map[string]interface{}{"session_id": cp.ID, "origin": origin})

	for _, susp := range suspicions {
		// The origin-mismatch heuristic is advisory and logs low; concurrent
		// distinct-origin sessions are the stronger signal.
		ev, sev := types.EventSuspiciousLogin, types.SeverityLow
		if susp.concurrent {
			ev, sev = types.EventSuspiciousActivity, types.SeverityMedium
		}
		m.log.Append(ev, sev, principalID, susp.reason,
			map[string]interface{}{"origin": origin})
		for _, l := range m.onSuspicion {
			l(principalID, origin, susp.reason)
		}
	}

	logger.Info("session created", logger.Fields{
		Component: "auth",
		Principal: principalID,
		SessionID: cp.ID,
	})
	return &cp
}

func method(factors int) string {
	switch factors {
	case 1:
		return "single-factor"
	case 2:
		return "two-factor"
	default:
		return "multi-factor"
	}
}

type suspicion struct {
	reason     string
	concurrent bool
}

// suspicionsLocked applies the login heuristics before the new origin enters
// the history: a login from an origin other than the principal's usual one,
// and concurrent active sessions from distinct origins.
func (m *Manager) suspicionsLocked(principalID, origin string) []suspicion {
	var out []suspicion

	if usual, ok := m.usualOriginLocked(principalID); ok && origin != "" && origin != usual {
		out = append(out, suspicion{
			reason: fmt.Sprintf("login from unusual origin %q (usual %q)", origin, usual),
		})
	}
	for _, s := range m.sessions {
		if s.PrincipalID == principalID && s.Status == types.SessionActive &&
			s.Origin != "" && origin != "" && s.Origin != origin {
			out = append(out, suspicion{
				reason:     fmt.Sprintf("concurrent sessions from origins %q and %q", s.Origin, origin),
				concurrent: true,
			})
			break
		}
	}
	return out
}

// usualOriginLocked returns the most frequent origin among the last logins.
// It needs at least three data points to have an opinion.
func (m *Manager) usualOriginLocked(principalID string) (string, bool) {
	hist := m.history[principalID]
	if len(hist) < 3 {
		return "", false
	}
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, o := range hist {
		counts[o]++
		if counts[o] > bestN {
			best, bestN = o, counts[o]
		}
	}
	return best, true
}

func (m *Manager) recordOriginLocked(principalID, origin string) {
	if origin == "" {
		return
	}
	hist := append(m.history[principalID], origin)
	if len(hist) > originHistorySize {
		hist = hist[len(hist)-originHistorySize:]
	}
	m.history[principalID] = hist
}

// Session returns a copy of the session with the given id.
func (m *Manager) Session(id string) (*types.AuthSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, govErrors.NewSessionError("auth", "SESSION_NOT_FOUND", "no session with id "+id)
	}
	cp := *s
	return &cp, nil
}

// ActiveSessions returns copies of every active session.
func (m *Manager) ActiveSessions() []types.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuthSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Status == types.SessionActive {
			out = append(out, *s)
		}
	}
	return out
}

// SessionsFor returns copies of the principal's active sessions.
func (m *Manager) SessionsFor(principalID string) []types.AuthSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.AuthSession, 0)
	for _, s := range m.sessions {
		if s.PrincipalID == principalID && s.Status == types.SessionActive {
			out = append(out, *s)
		}
	}
	return out
}

// Terminate ends a session. Terminating a session that already ended is a
// no-op; an unknown id is an error.
func (m *Manager) Terminate(sessionID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return govErrors.NewSessionError("auth", "SESSION_NOT_FOUND", "no session with id "+sessionID)
	}
	if s.Status != types.SessionActive {
		m.mu.Unlock()
		return nil
	}
	m.endLocked(s, types.SessionTerminated)
	principalID := s.PrincipalID
	duration := s.EndedAt.Sub(s.StartedAt)
	m.mu.Unlock()

	m.log.Append(types.EventSessionTerminated, types.SeverityLow, principalID,
		"session terminated: "+reason,
		map[string]interface{}{"session_id": sessionID, "duration": duration.String()})
	return nil
}

// TerminateAll ends every active session of a principal and returns how many
// it ended.
func (m *Manager) TerminateAll(principalID, reason string) int {
	m.mu.Lock()
	type endedSession struct {
		id       string
		duration time.Duration
	}
	ended := make([]endedSession, 0)
	for _, s := range m.sessions {
		if s.PrincipalID == principalID && s.Status == types.SessionActive {
			m.endLocked(s, types.SessionTerminated)
			ended = append(ended, endedSession{s.ID, s.EndedAt.Sub(s.StartedAt)})
		}
	}
	m.mu.Unlock()

	for _, e := range ended {
		m.log.Append(types.EventSessionTerminated, types.SeverityLow, principalID,
			"session terminated: "+reason,
			map[string]interface{}{"session_id": e.id, "duration": e.duration.String()})
	}
	return len(ended)
}

// expire is the session timer callback.
func (m *Manager) expire(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != types.SessionActive {
		m.mu.Unlock()
		return
	}
	m.endLocked(s, types.SessionExpired)
	principalID := s.PrincipalID
	m.mu.Unlock()

	m.log.Append(types.EventSessionExpired, types.SeverityLow, principalID,
		"session expired",
		map[string]interface{}{"session_id": sessionID})
}

// endedRetention is how long an ended session stays queryable before its
// record is dropped from the map.
const endedRetention = time.Hour

// endLocked finalizes a session under the lock. The record stays queryable
// for endedRetention, then a removal timer drops it so the map stays bounded.
func (m *Manager) endLocked(s *types.AuthSession, status types.SessionStatus) {
	now := m.clk.Now()
	s.Status = status
	s.EndedAt = &now
	if t, ok := m.timers[s.ID]; ok {
		t.Stop()
	}
	id := s.ID
	m.timers[id] = m.clk.AfterFunc(endedRetention, func() { m.remove(id) })
	m.updateSessionGaugeLocked()
}

// remove drops an ended session record, the retention timer callback.
func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.Status != types.SessionActive {
		delete(m.sessions, sessionID)
	}
	delete(m.timers, sessionID)
}

func (m *Manager) updateSessionGaugeLocked() {
	n := 0
	for _, s := range m.sessions {
		if s.Status == types.SessionActive {
			n++
		}
	}
	metrics.ActiveSessions.Set(float64(n))
}

// Stop cancels every pending session timer. Sessions keep their status.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
