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

package types

import "time"

// Names of the five catalog levels.
const (
	LevelNormal     = 1
	LevelElevated   = 2
	LevelHigh       = 3
	LevelSevere     = 4
	LevelLockdown   = 5
	MinLevel        = LevelNormal
	MaxLevel        = LevelLockdown
)

// DefaultLevels returns the built-in escalation ladder. Callers may replace it
// via configuration but levels must stay totally ordered 1..5.
func DefaultLevels() []SecurityLevel {
	return []SecurityLevel{
		{
			Level:       LevelNormal,
			Name:        "Normal",
			Description: "Baseline posture, no restrictions",
		},
		{
			Level:       LevelElevated,
			Name:        "Elevated",
			Description: "Heightened monitoring",
			Restrictions: []Restriction{
				{Target: "bulk-export", Action: RestrictLog},
			},
			Requirements: []Requirement{
				{Type: RequireMonitoring, Value: "session-activity"},
			},
			Duration:          30 * time.Minute,
			AutoDeescalate:    true,
			AdminNotification: true,
		},
		{
			Level:       LevelHigh,
			Name:        "High",
			Description: "Sensitive operations restricted",
			Restrictions: []Restriction{
				{Target: "bulk-export", Action: RestrictDisable},
				{Target: "account-settings", Action: RestrictRequireAuth},
				{Target: "payment", Action: RestrictLimit},
			},
			Requirements: []Requirement{
				{Type: RequireAuthentication, Value: "step-up"},
				{Type: RequireMonitoring, Value: "all-requests"},
			},
			Duration:          time.Hour,
			AutoDeescalate:    true,
			UserNotification:  true,
			AdminNotification: true,
		},
		{
			Level:       LevelSevere,
			Name:        "Severe",
			Description: "Most capabilities disabled or gated",
			Restrictions: []Restriction{
				{Target: "bulk-export", Action: RestrictDisable},
				{Target: "payment", Action: RestrictDisable},
				{Target: "account-settings", Action: RestrictDisable},
				{Target: "api-access", Action: RestrictRequireAuth},
				{Target: "*", Action: RestrictLog},
			},
			Requirements: []Requirement{
				{Type: RequireAuthentication, Value: "multi-factor"},
				{Type: RequireVerification, Value: "identity", Duration: 24 * time.Hour},
			},
			Duration:          2 * time.Hour,
			AutoDeescalate:    true,
			UserNotification:  true,
			AdminNotification: true,
		},
		{
			Level:       LevelLockdown,
			Name:        "Lockdown",
			Description: "All capabilities disabled; manual recovery only",
			Restrictions: []Restriction{
				{Target: "*", Action: RestrictDisable},
			},
			Requirements: []Requirement{
				{Type: RequireConfirmation, Value: "operator-override"},
			},
			// Lockdown never auto-deescalates; recovery is an operator action.
			AutoDeescalate:    false,
			UserNotification:  true,
			AdminNotification: true,
		},
	}
}

// DefaultTriggers returns the built-in escalation trigger catalog. Declaration
// order breaks target-level ties.
func DefaultTriggers() []EscalationTrigger {
	return []EscalationTrigger{
		{
			ID:           "critical-threat",
			Kind:         ConditionSeverityPresent,
			Severity:     SeverityCritical,
			Threshold:    1,
			TimeWindow:   15 * time.Minute,
			TargetLevel:  LevelSevere,
			AutoEscalate: true,
		},
		{
			ID:           "critical-burst",
			Kind:         ConditionSeverityPresent,
			Severity:     SeverityCritical,
			Threshold:    3,
			TimeWindow:   5 * time.Minute,
			TargetLevel:  LevelLockdown,
			AutoEscalate: true,
		},
		{
			ID:           "high-threats",
			Kind:         ConditionSeverityPresent,
			Severity:     SeverityHigh,
			Threshold:    2,
			TimeWindow:   10 * time.Minute,
			TargetLevel:  LevelHigh,
			AutoEscalate: true,
		},
		{
			ID:           "threat-volume",
			Kind:         ConditionCountThreshold,
			Threshold:    10,
			TimeWindow:   5 * time.Minute,
			TargetLevel:  LevelElevated,
			AutoEscalate: true,
		},
		{
			ID:           "data-exfiltration",
			Kind:         ConditionTypePresent,
			ThreatType:   ThreatDataExfiltration,
			Threshold:    1,
			TimeWindow:   30 * time.Minute,
			TargetLevel:  LevelSevere,
			AutoEscalate: true,
		},
		{
			ID:           "privilege-escalation",
			Kind:         ConditionTypePresent,
			ThreatType:   ThreatPrivilegeEscalation,
			Threshold:    1,
			TimeWindow:   30 * time.Minute,
			TargetLevel:  LevelHigh,
			AutoEscalate: true,
		},
	}
}

// DefaultDeescalations returns the built-in de-escalation ladder. Each entry
// moves one rung down after a quiet period with no trigger firing at or above
// the source level. Lockdown has no entry: it requires a manual action.
func DefaultDeescalations() []DeescalationCondition {
	return []DeescalationCondition{
		{FromLevel: LevelSevere, TargetLevel: LevelHigh, QuietPeriod: 2 * time.Hour},
		{FromLevel: LevelHigh, TargetLevel: LevelElevated, QuietPeriod: time.Hour},
		{FromLevel: LevelElevated, TargetLevel: LevelNormal, QuietPeriod: 30 * time.Minute},
	}
}

// DefaultResponseActions returns the built-in response action catalog.
// Actions are matched to incidents by MinSeverity and executed in ascending
// Priority order.
func DefaultResponseActions() []ResponseAction {
	return []ResponseAction{
		{
			ID:          "log-incident",
			Type:        ActionLog,
			Target:      "audit",
			Automated:   true,
			Priority:    10,
			MinSeverity: SeverityLow,
		},
		{
			ID:          "notify-admins",
			Type:        ActionNotify,
			Target:      "admin",
			Automated:   true,
			Priority:    20,
			MinSeverity: SeverityMedium,
		},
		{
			ID:          "block-origin",
			Type:        ActionBlock,
			Target:      "origin",
			Automated:   true,
			Priority:    30,
			MinSeverity: SeverityHigh,
		},
		{
			ID:          "terminate-sessions",
			Type:        ActionTerminate,
			Target:      "principal-sessions",
			Automated:   true,
			Priority:    40,
			MinSeverity: SeverityHigh,
		},
		{
			ID:          "quarantine-principal",
			Type:        ActionQuarantine,
			Target:      "principal",
			Automated:   true,
			Priority:    50,
			MinSeverity: SeverityCritical,
		},
		{
			ID:          "backup-state",
			Type:        ActionBackup,
			Target:      "governor-state",
			Automated:   true,
			Priority:    60,
			MinSeverity: SeverityCritical,
		},
		{
			ID:               "restore-state",
			Type:             ActionRestore,
			Target:           "governor-state",
			Automated:        false,
			RequiresApproval: true,
			Priority:         70,
			MinSeverity:      SeverityCritical,
		},
		{
			ID:               "redirect-traffic",
			Type:             ActionRedirect,
			Target:           "maintenance-page",
			Automated:        false,
			RequiresApproval: true,
			Priority:         80,
			MinSeverity:      SeverityCritical,
		},
	}
}
