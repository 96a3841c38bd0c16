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

import (
	"time"
)

// Severity denotes how dangerous a threat or event is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight returns the contribution of this severity to the security score penalty.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 20
	case SeverityHigh:
		return 10
	case SeverityMedium:
		return 5
	case SeverityLow:
		return 2
	default:
		return 0
	}
}

// Valid reports whether the severity is one of the known values.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Weight() >= other.Weight()
}

// ThreatType classifies a detected threat.
type ThreatType string

const (
	ThreatUnauthorizedAccess  ThreatType = "unauthorized_access"
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatSessionHijacking    ThreatType = "session_hijacking"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatXSS                 ThreatType = "xss"
	ThreatCSRF                ThreatType = "csrf"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatMalware             ThreatType = "malware"
	ThreatPhishing            ThreatType = "phishing"
	ThreatDenialOfService     ThreatType = "denial_of_service"
	ThreatManInTheMiddle      ThreatType = "man_in_the_middle"
	ThreatCredentialStuffing  ThreatType = "credential_stuffing"
	ThreatInsiderThreat       ThreatType = "insider_threat"
	ThreatAnomalousBehavior   ThreatType = "anomalous_behavior"
	ThreatConfigTampering     ThreatType = "configuration_tampering"
	ThreatReplayAttack        ThreatType = "replay_attack"
	ThreatGeoAnomaly          ThreatType = "geo_anomaly"
	ThreatDeviceSpoofing      ThreatType = "device_spoofing"
)

// ThreatStatus tracks the lifecycle of a threat inside the registry.
type ThreatStatus string

const (
	ThreatDetected      ThreatStatus = "detected"
	ThreatInvestigating ThreatStatus = "investigating"
	ThreatMitigating    ThreatStatus = "mitigating"
	ThreatResolved      ThreatStatus = "resolved"
	ThreatFalsePositive ThreatStatus = "false_positive"
)

// ThreatSignal is a raw observation handed to the governor by a signal source.
// It is consumed by detection and never stored.
type ThreatSignal struct {
	Source     string            `json:"source"`
	Timestamp  time.Time         `json:"timestamp"`
	Principal  string            `json:"principal,omitempty"`
	Origin     string            `json:"origin,omitempty"`
	Payload    string            `json:"payload,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Threat is a classified, scored security concern held by the registry.
type Threat struct {
	ID          string                 `json:"id"`
	Type        ThreatType             `json:"type"`
	Severity    Severity               `json:"severity"`
	Confidence  float64                `json:"confidence"` // [0,1]
	Status      ThreatStatus           `json:"status"`
	Source      string                 `json:"source"`
	Principal   string                 `json:"principal,omitempty"`
	Description string                 `json:"description"`
	DetectedAt  time.Time              `json:"detectedAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Resolution  string                 `json:"resolution,omitempty"`
}

// Active reports whether the threat still contributes to posture evaluation.
func (t *Threat) Active() bool {
	return t.Status != ThreatResolved && t.Status != ThreatFalsePositive
}

// RestrictionAction is the effect a restriction applies to its target.
type RestrictionAction string

const (
	RestrictDisable     RestrictionAction = "disable"
	RestrictHide        RestrictionAction = "hide"
	RestrictLimit       RestrictionAction = "restrict"
	RestrictRequireAuth RestrictionAction = "require_auth"
	RestrictLog         RestrictionAction = "log"
)

// Restriction narrows the capability surface of a single target.
// Target "*" expands to every target known to the applier at apply time.
type Restriction struct {
	Target string            `json:"target" yaml:"target"`
	Action RestrictionAction `json:"action" yaml:"action"`
}

// RequirementType classifies an authentication/verification requirement
// attached to a security level.
type RequirementType string

const (
	RequireAuthentication RequirementType = "authentication"
	RequireAuthorization  RequirementType = "authorization"
	RequireVerification   RequirementType = "verification"
	RequireConfirmation   RequirementType = "confirmation"
	RequireMonitoring     RequirementType = "monitoring"
)

// Requirement is an obligation active while its security level is current.
type Requirement struct {
	Type     RequirementType `json:"type" yaml:"type"`
	Value    string          `json:"value,omitempty" yaml:"value,omitempty"`
	Duration time.Duration   `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// SecurityLevel is one rung of the escalation ladder. The catalog of levels is
// static; instances are never mutated at runtime.
type SecurityLevel struct {
	Level             int           `json:"level" yaml:"level"` // 1 (Normal) .. 5 (Lockdown)
	Name              string        `json:"name" yaml:"name"`
	Description       string        `json:"description,omitempty" yaml:"description,omitempty"`
	Restrictions      []Restriction `json:"restrictions,omitempty" yaml:"restrictions,omitempty"`
	Requirements      []Requirement `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Duration          time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
	AutoDeescalate    bool          `json:"autoDeescalate" yaml:"autoDeescalate"`
	UserNotification  bool          `json:"userNotification" yaml:"userNotification"`
	AdminNotification bool          `json:"adminNotification" yaml:"adminNotification"`
}

// ConditionKind selects how a trigger condition is evaluated against the
// threat registry snapshot.
type ConditionKind string

const (
	// ConditionSeverityPresent fires when at least Threshold active threats of
	// at least Severity exist within TimeWindow.
	ConditionSeverityPresent ConditionKind = "severity_present"
	// ConditionCountThreshold fires when the number of active threats within
	// TimeWindow reaches Threshold, regardless of severity.
	ConditionCountThreshold ConditionKind = "count_threshold"
	// ConditionTypePresent fires when an active threat of ThreatType exists
	// within TimeWindow.
	ConditionTypePresent ConditionKind = "type_present"
)

// EscalationTrigger maps an observed registry condition to a target level.
type EscalationTrigger struct {
	ID           string        `json:"id" yaml:"id"`
	Kind         ConditionKind `json:"kind" yaml:"kind"`
	Severity     Severity      `json:"severity,omitempty" yaml:"severity,omitempty"`
	ThreatType   ThreatType    `json:"threatType,omitempty" yaml:"threatType,omitempty"`
	Threshold    int           `json:"threshold" yaml:"threshold"`
	TimeWindow   time.Duration `json:"timeWindow" yaml:"timeWindow"`
	TargetLevel  int           `json:"targetLevel" yaml:"targetLevel"`
	AutoEscalate bool          `json:"autoEscalate" yaml:"autoEscalate"`
}

// DeescalationCondition permits returning to a lower level after a quiet period.
type DeescalationCondition struct {
	FromLevel   int           `json:"fromLevel" yaml:"fromLevel"`
	TargetLevel int           `json:"targetLevel" yaml:"targetLevel"`
	QuietPeriod time.Duration `json:"quietPeriod" yaml:"quietPeriod"`
}

// ResponseActionType enumerates the effects the coordinator can execute.
type ResponseActionType string

const (
	ActionBlock      ResponseActionType = "block"
	ActionTerminate  ResponseActionType = "terminate"
	ActionRedirect   ResponseActionType = "redirect"
	ActionNotify     ResponseActionType = "notify"
	ActionLog        ResponseActionType = "log"
	ActionQuarantine ResponseActionType = "quarantine"
	ActionBackup     ResponseActionType = "backup"
	ActionRestore    ResponseActionType = "restore"
)

// ResponseAction is a concrete effect selected for an incident. Catalog entries
// are templates; a copy is made per incident and mutated once executed.
type ResponseAction struct {
	ID               string             `json:"id" yaml:"id"`
	Type             ResponseActionType `json:"type" yaml:"type"`
	Target           string             `json:"target" yaml:"target"`
	Parameters       map[string]string  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Automated        bool               `json:"automated" yaml:"automated"`
	RequiresApproval bool               `json:"requiresApproval" yaml:"requiresApproval"`
	Priority         int                `json:"priority" yaml:"priority"` // lower executes first
	MinSeverity      Severity           `json:"minSeverity,omitempty" yaml:"minSeverity,omitempty"`
	Executed         bool               `json:"executed"`
	ExecutedAt       *time.Time         `json:"executedAt,omitempty"`
}

// RiskFactor is one weighted category of the risk assessment.
type RiskFactor string

const (
	FactorLocation RiskFactor = "location"
	FactorDevice   RiskFactor = "device"
	FactorBehavior RiskFactor = "behavior"
	FactorTime     RiskFactor = "time"
	FactorNetwork  RiskFactor = "network"
)

// RiskTier is the coarse bucket derived from a 0-100 risk score.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// TierForScore maps an aggregate risk score to its tier.
func TierForScore(score float64) RiskTier {
	switch {
	case score < 25:
		return TierLow
	case score < 50:
		return TierMedium
	case score < 75:
		return TierHigh
	default:
		return TierCritical
	}
}

// RiskAssessment is a per-principal risk snapshot. It is recomputed on each
// authentication attempt and not persisted beyond it.
type RiskAssessment struct {
	PrincipalID    string                 `json:"principalId"`
	Timestamp      time.Time              `json:"timestamp"`
	Factors        map[RiskFactor]float64 `json:"factors"` // sub-scores 0-100
	Score          float64                `json:"score"`   // aggregate 0-100
	Tier           RiskTier               `json:"tier"`
	RequiresStepUp bool                   `json:"requiresStepUp"`
}

// FactorType identifies an authentication factor.
type FactorType string

const (
	FactorPassword    FactorType = "password"
	FactorTOTP        FactorType = "totp"
	FactorBiometric   FactorType = "biometric"
	FactorHardwareKey FactorType = "hardware_key"
)

// VerifiedFactor records one factor verified during authentication.
type VerifiedFactor struct {
	Type       FactorType `json:"type"`
	Confidence float64    `json:"confidence"`
	VerifiedAt time.Time  `json:"verifiedAt"`
}

// SessionStatus is the lifecycle state of an authenticated session.
// active -> expired (timeout) or active -> terminated (explicit). No path back.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// AuthSession is an authenticated session owned by the session manager.
type AuthSession struct {
	ID          string           `json:"id"`
	PrincipalID string           `json:"principalId"`
	StartedAt   time.Time        `json:"startedAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	EndedAt     *time.Time       `json:"endedAt,omitempty"`
	Method      string           `json:"method"`
	Factors     []VerifiedFactor `json:"factors"`
	RiskScore   float64          `json:"riskScore"`
	Tier        RiskTier         `json:"tier"`
	Status      SessionStatus    `json:"status"`
	Origin      string           `json:"origin,omitempty"` // network-origin identifier
}

// LockoutRecord counts failed attempts within the rolling lockout window.
type LockoutRecord struct {
	PrincipalID string      `json:"principalId"`
	Failures    []time.Time `json:"failures"`
	LockedUntil time.Time   `json:"lockedUntil,omitempty"`
}

// EventType classifies an audit log entry.
type EventType string

const (
	EventThreatDetected     EventType = "threat_detected"
	EventThreatAcknowledged EventType = "threat_acknowledged"
	EventThreatResolved     EventType = "threat_resolved"
	EventFalsePositive      EventType = "threat_false_positive"
	EventLevelEscalated     EventType = "security_level_escalated"
	EventLevelDeescalated   EventType = "security_level_deescalated"
	EventResponseExecuted   EventType = "response_executed"
	EventResponseQueued     EventType = "response_queued"
	EventAuthSuccess        EventType = "auth_success"
	EventAuthFailure        EventType = "auth_failure"
	EventLockout            EventType = "lockout"
	EventSessionCreated     EventType = "session_created"
	EventSessionTerminated  EventType = "session_terminated"
	EventSessionExpired     EventType = "session_expired"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventSuspiciousLogin    EventType = "suspicious_login"
	EventConfigUpdated      EventType = "config_updated"
	EventDetectorFailure    EventType = "detector_failure"
)

// SecurityEvent is an immutable audit trail entry.
type SecurityEvent struct {
	ID          string                 `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Type        EventType              `json:"type"`
	Severity    Severity               `json:"severity"`
	PrincipalID string                 `json:"principalId,omitempty"`
	Description string                 `json:"description"`
	Details     map[string]interface{} `json:"details,omitempty"`
}
