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

package governor

import (
	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/auth"
	"github.com/sec-posture/governor/pkg/config"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/response"
	"github.com/sec-posture/governor/pkg/types"
)

// Status is the externally visible posture snapshot.
type Status struct {
	Level            int                 `json:"level"`
	LevelName        string              `json:"levelName"`
	SecurityScore    int                 `json:"securityScore"`
	ActiveThreats    int                 `json:"activeThreats"`
	ThreatsBySev     map[string]int      `json:"threatsBySeverity"`
	ActiveSessions   int                 `json:"activeSessions"`
	EventLogSize     int                 `json:"eventLogSize"`
	PendingApprovals int                 `json:"pendingApprovals"`
	Restrictions     []types.Restriction `json:"restrictions"`
	CPUPercent       float64             `json:"cpuPercent"`
	MemoryPercent    float64             `json:"memoryPercent"`
	Goroutines       int                 `json:"goroutines"`
}

// Status returns the posture snapshot.
func (g *Governor) Status() Status {
	lvlNum, lvl := g.machine.Current()
	active := g.reg.Active()
	bySev := make(map[string]int)
	for _, t := range active {
		bySev[string(t.Severity)]++
	}
	return Status{
		Level:            lvlNum,
		LevelName:        lvl.Name,
		SecurityScore:    g.reg.Score(),
		ActiveThreats:    len(active),
		ThreatsBySev:     bySev,
		ActiveSessions:   len(g.sessions.ActiveSessions()),
		EventLogSize:     g.log.Len(),
		PendingApprovals: len(g.coord.PendingApprovals()),
		Restrictions:     g.gate.Snapshot(),
		CPUPercent:       g.system.CPUUsagePercent(),
		MemoryPercent:    g.system.MemoryUsagePercent(),
		Goroutines:       g.system.Goroutines(),
	}
}

// CurrentLevel returns the active security level.
func (g *Governor) CurrentLevel() (int, types.SecurityLevel) {
	return g.machine.Current()
}

// SecurityScore returns the derived 0-100 health score.
func (g *Governor) SecurityScore() int {
	return g.reg.Score()
}

// ActiveThreats returns copies of the unresolved threats.
func (g *Governor) ActiveThreats() []types.Threat {
	return g.reg.Active()
}

// Threat returns the threat with the given id.
func (g *Governor) Threat(id string) (*types.Threat, error) {
	t, ok := g.reg.Get(id)
	if !ok {
		return nil, govErrors.NewValidationError("governor", "UNKNOWN_THREAT", "no threat with id "+id)
	}
	return t, nil
}

// Events queries the audit log.
func (g *Governor) Events(f audit.Filter) []types.SecurityEvent {
	return g.log.Query(f)
}

// Session returns the session with the given id.
func (g *Governor) Session(id string) (*types.AuthSession, error) {
	return g.sessions.Session(id)
}

// ActiveSessions returns all active sessions.
func (g *Governor) ActiveSessions() []types.AuthSession {
	return g.sessions.ActiveSessions()
}

// SessionsFor returns the principal's active sessions.
func (g *Governor) SessionsFor(principalID string) []types.AuthSession {
	return g.sessions.SessionsFor(principalID)
}

// Allowed reports whether a capability target is currently usable.
func (g *Governor) Allowed(target string) bool {
	return g.gate.Allowed(target)
}

// OriginBlocked reports whether an origin was blocked by a response action.
func (g *Governor) OriginBlocked(origin string) bool {
	return g.blocked.OriginBlocked(origin)
}

// Quarantined reports whether a principal is quarantined.
func (g *Governor) Quarantined(principalID string) bool {
	return g.blocked.Quarantined(principalID)
}

// PendingApprovals returns queued response actions waiting for sign-off.
func (g *Governor) PendingApprovals() []response.PendingApproval {
	return g.coord.PendingApprovals()
}

// Config returns a copy of the live configuration.
func (g *Governor) Config() *config.Config {
	return g.cfg.Get()
}

// AssessRisk computes a fresh risk assessment for a principal.
func (g *Governor) AssessRisk(principalID string) types.RiskAssessment {
	return g.engine.Assess(principalID)
}

// Escalate raises the security level manually.
func (g *Governor) Escalate(target int, reason string) error {
	_, err := g.machine.Escalate(target, reason)
	return err
}

// Deescalate lowers the security level manually. This is the only way out of
// Lockdown.
func (g *Governor) Deescalate(target int, reason string) error {
	_, err := g.machine.Deescalate(target, reason)
	return err
}

// AcknowledgeThreat moves a threat to investigating.
func (g *Governor) AcknowledgeThreat(id string) (*types.Threat, error) {
	t, err := g.reg.Acknowledge(id)
	if err != nil {
		return nil, err
	}
	g.log.Append(types.EventThreatAcknowledged, t.Severity, t.Principal,
		"threat acknowledged", map[string]interface{}{"threat_id": id})
	g.persistThreat(*t)
	return t, nil
}

// ResolveThreat marks a threat resolved and drops it from the active set.
func (g *Governor) ResolveThreat(id, resolution string) (*types.Threat, error) {
	t, err := g.reg.Resolve(id, resolution)
	if err != nil {
		return nil, err
	}
	g.log.Append(types.EventThreatResolved, t.Severity, t.Principal,
		"threat resolved: "+resolution, map[string]interface{}{"threat_id": id})
	g.dropPersistedThreat(id)
	return t, nil
}

// MarkFalsePositive removes a threat as a false positive.
func (g *Governor) MarkFalsePositive(id string) (*types.Threat, error) {
	t, err := g.reg.MarkFalsePositive(id)
	if err != nil {
		return nil, err
	}
	g.log.Append(types.EventFalsePositive, t.Severity, t.Principal,
		"threat marked false positive", map[string]interface{}{"threat_id": id})
	g.dropPersistedThreat(id)
	return t, nil
}

func (g *Governor) persistThreat(t types.Threat) {
	if g.store == nil {
		return
	}
	_ = g.store.SaveThreat(t)
}

func (g *Governor) dropPersistedThreat(id string) {
	if g.store == nil {
		return
	}
	_ = g.store.DeleteThreat(id)
}

// Authenticate verifies credentials and opens a session. Quarantined
// principals and blocked origins are rejected before any verification runs.
func (g *Governor) Authenticate(principalID, origin string, creds auth.Credentials) (*types.AuthSession, error) {
	if g.blocked.Quarantined(principalID) {
		return nil, govErrors.NewAuthError("governor", "QUARANTINED",
			"principal is quarantined")
	}
	if origin != "" && g.blocked.OriginBlocked(origin) {
		return nil, govErrors.NewAuthError("governor", "ORIGIN_BLOCKED",
			"origin is blocked")
	}
	session, err := g.sessions.Authenticate(principalID, origin, creds)
	if err == nil {
		g.dropPersistedLockout(principalID)
	}
	return session, err
}

// SetPassword enrolls or replaces a principal's password factor.
func (g *Governor) SetPassword(principalID, password string) error {
	if principalID == "" || password == "" {
		return govErrors.NewValidationError("governor", "BAD_ENROLLMENT",
			"principal id and password required")
	}
	g.passwords.SetPassword(principalID, password)
	return nil
}

// EnrollTOTP provisions a TOTP secret for a principal and returns it with the
// authenticator URL.
func (g *Governor) EnrollTOTP(principalID string) (secret, url string, err error) {
	if principalID == "" {
		return "", "", govErrors.NewValidationError("governor", "BAD_ENROLLMENT",
			"principal id required")
	}
	return g.totp.Enroll(principalID)
}

// TerminateSession ends a session. Repeating the call is a no-op.
func (g *Governor) TerminateSession(sessionID, reason string) error {
	return g.sessions.Terminate(sessionID, reason)
}

// TerminateAllSessions ends every active session of a principal.
func (g *Governor) TerminateAllSessions(principalID, reason string) int {
	return g.sessions.TerminateAll(principalID, reason)
}

// Unlock clears a principal's lockout early.
func (g *Governor) Unlock(principalID string) {
	g.lockouts.Unlock(principalID)
	g.dropPersistedLockout(principalID)
}

func (g *Governor) dropPersistedLockout(principalID string) {
	if g.store == nil {
		return
	}
	if err := g.store.DeleteLockout(principalID); err != nil {
		logger.Warn("could not drop persisted lockout", logger.Fields{
			Component: "governor",
			Principal: principalID,
			Error:     err,
		})
	}
}

// ApproveAction dispatches a response action held for approval.
func (g *Governor) ApproveAction(approvalID string) error {
	return g.coord.Approve(approvalID)
}

// RejectAction discards a response action held for approval.
func (g *Governor) RejectAction(approvalID string) error {
	return g.coord.Reject(approvalID)
}

// UpdateConfig applies a sparse configuration update. Invalid updates are
// rejected whole; the previous configuration stays in force.
func (g *Governor) UpdateConfig(p config.Partial) error {
	return g.cfg.Update(p)
}
