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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sec-posture/governor/pkg/config"
	"github.com/sec-posture/governor/pkg/level"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/notify"
	"github.com/sec-posture/governor/pkg/response"
	"github.com/sec-posture/governor/pkg/types"
)

// blocklist tracks blocked origins and quarantined principals set by response
// actions.
type blocklist struct {
	mu          sync.RWMutex
	origins     map[string]time.Time
	quarantined map[string]time.Time
}

func newBlocklist() *blocklist {
	return &blocklist{
		origins:     make(map[string]time.Time),
		quarantined: make(map[string]time.Time),
	}
}

func (b *blocklist) blockOrigin(origin string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.origins[origin] = at
}

func (b *blocklist) quarantine(principalID string, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quarantined[principalID] = at
}

// OriginBlocked reports whether an origin is blocked.
func (b *blocklist) OriginBlocked(origin string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.origins[origin]
	return ok
}

// Quarantined reports whether a principal is quarantined.
func (b *blocklist) Quarantined(principalID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.quarantined[principalID]
	return ok
}

// onTransition runs after every security level change: audit, gauge, and the
// notifications the level definition asks for.
func (g *Governor) onTransition(tr level.Transition) {
	evType := types.EventLevelEscalated
	severity := types.SeverityMedium
	if tr.To < tr.From {
		evType = types.EventLevelDeescalated
		severity = types.SeverityLow
	} else if tr.To >= types.LevelSevere {
		severity = types.SeverityHigh
	}

	g.log.Append(evType, severity, "",
		fmt.Sprintf("security level %d (%s): %s", tr.To, tr.Level.Name, tr.Reason),
		map[string]interface{}{
			"from":    tr.From,
			"to":      tr.To,
			"mode":    tr.Mode,
			"trigger": tr.TriggerID,
		})

	n := notify.Notification{
		Kind:     notify.KindLevelChange,
		Severity: severity,
		Title:    fmt.Sprintf("security level now %s", tr.Level.Name),
		Body:     tr.Reason,
		Details: map[string]interface{}{
			"from": tr.From,
			"to":   tr.To,
			"mode": tr.Mode,
		},
	}
	if tr.Level.AdminNotification {
		n.Audience = notify.AudienceAdmin
		g.notifier.Publish(n)
	}
	if tr.Level.UserNotification {
		n.Audience = notify.AudienceUser
		g.notifier.Publish(n)
	}
}

// onSuspicion converts suspicious authentication activity into a threat so
// the scan cycle evaluates it like any other signal.
func (g *Governor) onSuspicion(principalID, origin, reason string) {
	g.admit(types.Threat{
		Type:        types.ThreatAnomalousBehavior,
		Severity:    types.SeverityMedium,
		Confidence:  0.6,
		Principal:   principalID,
		Description: reason,
		Context: map[string]interface{}{
			"origin": origin,
		},
	})
}

// onLockout notifies on new lockouts, persists the lockout, and raises a
// brute force threat.
func (g *Governor) onLockout(principalID string, until time.Time) {
	if g.store != nil {
		if rec, ok := g.lockouts.Record(principalID); ok {
			if err := g.store.SaveLockout(rec); err != nil {
				logger.Warn("could not persist lockout", logger.Fields{
					Component: "governor",
					Principal: principalID,
					Error:     err,
				})
			}
		}
	}
	g.notifier.Publish(notify.Notification{
		Kind:     notify.KindLockout,
		Audience: notify.AudienceAdmin,
		Severity: types.SeverityHigh,
		Title:    "principal locked out",
		Body:     fmt.Sprintf("principal %s locked out until %s", principalID, until.Format(time.RFC3339)),
	})
	g.admit(types.Threat{
		Type:        types.ThreatBruteForce,
		Severity:    types.SeverityHigh,
		Confidence:  0.85,
		Principal:   principalID,
		Description: "lockout tripped by repeated authentication failures",
	})
}

// onConfigChange fans a validated configuration update out to the components
// holding copies of tunables.
func (g *Governor) onConfigChange(cfg *config.Config) {
	g.runner.SetSensitivity(cfg.Sensitivity)
	g.runner.SetTimeout(cfg.DetectorTimeout)
	g.lockouts.SetLimits(cfg.MaxAttempts, cfg.LockoutDuration)
	g.sessions.UpdateLimits(cfg.SessionTimeout, cfg.SecondFactorRisk, cfg.ThirdFactorRisk)

	g.log.Append(types.EventConfigUpdated, types.SeverityLow, "",
		"configuration updated", nil)
	logger.Info("configuration applied", logger.Fields{
		Component: "governor",
		Operation: "config_update",
	})
}

// registerExecutors installs the concrete effect of each response action
// type.
func (g *Governor) registerExecutors() {
	g.coord.Register(types.ActionLog, response.ExecutorFunc(
		func(_ context.Context, action types.ResponseAction, threat types.Threat) error {
			logger.Info("incident logged", logger.Fields{
				Component: "response",
				ThreatID:  threat.ID,
				Severity:  string(threat.Severity),
				Reason:    threat.Description,
			})
			return nil
		}))

	g.coord.Register(types.ActionNotify, response.ExecutorFunc(
		func(_ context.Context, action types.ResponseAction, threat types.Threat) error {
			g.notifier.Publish(notify.Notification{
				Kind:     notify.KindIncident,
				Audience: notify.Audience(action.Target),
				Severity: threat.Severity,
				Title:    "incident response: " + string(threat.Type),
				Body:     threat.Description,
				Details: map[string]interface{}{
					"threat_id": threat.ID,
				},
			})
			return nil
		}))

	g.coord.Register(types.ActionBlock, response.ExecutorFunc(
		func(_ context.Context, _ types.ResponseAction, threat types.Threat) error {
			origin, _ := threat.Context["origin"].(string)
			if origin == "" {
				return nil
			}
			g.blocked.blockOrigin(origin, g.clk.Now())
			return nil
		}))

	g.coord.Register(types.ActionTerminate, response.ExecutorFunc(
		func(_ context.Context, _ types.ResponseAction, threat types.Threat) error {
			if threat.Principal == "" {
				return nil
			}
			n := g.sessions.TerminateAll(threat.Principal, "incident response for threat "+threat.ID)
			logger.Info("sessions terminated by response", logger.Fields{
				Component: "response",
				Principal: threat.Principal,
				Count:     n,
			})
			return nil
		}))

	g.coord.Register(types.ActionQuarantine, response.ExecutorFunc(
		func(_ context.Context, _ types.ResponseAction, threat types.Threat) error {
			if threat.Principal == "" {
				return nil
			}
			g.blocked.quarantine(threat.Principal, g.clk.Now())
			g.sessions.TerminateAll(threat.Principal, "principal quarantined")
			return nil
		}))

	g.coord.Register(types.ActionBackup, response.ExecutorFunc(
		func(_ context.Context, _ types.ResponseAction, _ types.Threat) error {
			if g.store == nil {
				return nil
			}
			for _, t := range g.reg.Active() {
				if err := g.store.SaveThreat(t); err != nil {
					return err
				}
			}
			return nil
		}))

	g.coord.Register(types.ActionRestore, response.ExecutorFunc(
		func(_ context.Context, _ types.ResponseAction, _ types.Threat) error {
			if g.store == nil {
				return nil
			}
			return g.restore()
		}))

	g.coord.Register(types.ActionRedirect, response.ExecutorFunc(
		func(_ context.Context, action types.ResponseAction, _ types.Threat) error {
			// Redirection is enforced at the edge; record the decision so the
			// capability gate exposes it to callers.
			g.gate.SetRestrictions(append(g.machine.Restrictions(),
				types.Restriction{Target: action.Target, Action: types.RestrictLimit}))
			return nil
		}))
}
