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

package detect

import (
	"context"
	"fmt"
	"strings"

	"github.com/sec-posture/governor/pkg/types"
)

// signature matches a payload substring to a threat classification.
type signature struct {
	pattern    string
	threatType types.ThreatType
	severity   types.Severity
	confidence float64
}

var defaultSignatures = []signature{
	{"' or '1'='1", types.ThreatSQLInjection, types.SeverityHigh, 0.9},
	{"union select", types.ThreatSQLInjection, types.SeverityHigh, 0.85},
	{"drop table", types.ThreatSQLInjection, types.SeverityHigh, 0.8},
	{"<script", types.ThreatXSS, types.SeverityMedium, 0.85},
	{"javascript:", types.ThreatXSS, types.SeverityMedium, 0.7},
	{"onerror=", types.ThreatXSS, types.SeverityMedium, 0.7},
	{"../../", types.ThreatUnauthorizedAccess, types.SeverityMedium, 0.75},
	{"/etc/passwd", types.ThreatUnauthorizedAccess, types.SeverityHigh, 0.85},
	{"cmd.exe", types.ThreatMalware, types.SeverityHigh, 0.8},
	{"eval(base64", types.ThreatMalware, types.SeverityCritical, 0.9},
}

// SignatureDetector flags signals whose payload matches a known attack
// pattern. Matching is case-insensitive substring search; one threat is
// produced per matching signal using the highest-severity matching rule.
type SignatureDetector struct {
	signatures []signature
}

// NewSignatureDetector creates the detector with the built-in rule set.
func NewSignatureDetector() *SignatureDetector {
	return &SignatureDetector{signatures: defaultSignatures}
}

func (d *SignatureDetector) Name() string { return "signature" }

func (d *SignatureDetector) Scan(ctx context.Context, signals []types.ThreatSignal) ([]types.Threat, error) {
	var out []types.Threat
	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sig.Payload == "" {
			continue
		}
		payload := strings.ToLower(sig.Payload)

		var best *signature
		for i := range d.signatures {
			s := &d.signatures[i]
			if !strings.Contains(payload, s.pattern) {
				continue
			}
			if best == nil || s.severity.Weight() > best.severity.Weight() {
				best = s
			}
		}
		if best == nil {
			continue
		}
		out = append(out, types.Threat{
			Type:        best.threatType,
			Severity:    best.severity,
			Confidence:  best.confidence,
			Source:      sig.Source,
			Principal:   sig.Principal,
			Description: fmt.Sprintf("payload matched signature %q", best.pattern),
			DetectedAt:  sig.Timestamp,
			Context: map[string]interface{}{
				"origin":  sig.Origin,
				"pattern": best.pattern,
			},
		})
	}
	return out, nil
}

// LoginAnomalyDetector flags brute force and credential stuffing from
// authentication failure signals. Signals carry attribute "event" set to
// "auth_failure"; repeated failures against one principal indicate brute
// force, failures across many principals from one origin indicate credential
// stuffing.
type LoginAnomalyDetector struct {
	perPrincipalThreshold int
	perOriginThreshold    int
}

// NewLoginAnomalyDetector creates the detector with default thresholds.
func NewLoginAnomalyDetector() *LoginAnomalyDetector {
	return &LoginAnomalyDetector{
		perPrincipalThreshold: 5,
		perOriginThreshold:    8,
	}
}

func (d *LoginAnomalyDetector) Name() string { return "login-anomaly" }

func (d *LoginAnomalyDetector) Scan(ctx context.Context, signals []types.ThreatSignal) ([]types.Threat, error) {
	byPrincipal := make(map[string]int)
	originPrincipals := make(map[string]map[string]struct{})
	originSource := make(map[string]string)

	for _, sig := range signals {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sig.Attributes["event"] != "auth_failure" {
			continue
		}
		if sig.Principal != "" {
			byPrincipal[sig.Principal]++
		}
		if sig.Origin != "" {
			set, ok := originPrincipals[sig.Origin]
			if !ok {
				set = make(map[string]struct{})
				originPrincipals[sig.Origin] = set
			}
			set[sig.Principal] = struct{}{}
			originSource[sig.Origin] = sig.Source
		}
	}

	var out []types.Threat
	for principal, n := range byPrincipal {
		if n < d.perPrincipalThreshold {
			continue
		}
		out = append(out, types.Threat{
			Type:        types.ThreatBruteForce,
			Severity:    types.SeverityHigh,
			Confidence:  0.8,
			Principal:   principal,
			Description: fmt.Sprintf("%d failed logins against principal in one batch", n),
			Context:     map[string]interface{}{"failures": n},
		})
	}
	for origin, principals := range originPrincipals {
		if len(principals) < d.perOriginThreshold {
			continue
		}
		out = append(out, types.Threat{
			Type:        types.ThreatCredentialStuffing,
			Severity:    types.SeverityHigh,
			Confidence:  0.75,
			Source:      originSource[origin],
			Description: fmt.Sprintf("failed logins against %d principals from origin %s", len(principals), origin),
			Context:     map[string]interface{}{"origin": origin, "principals": len(principals)},
		})
	}
	return out, nil
}
