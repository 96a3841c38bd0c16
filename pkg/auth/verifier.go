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

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"

	"github.com/pquerna/otp/totp"

	govErrors "github.com/sec-posture/governor/pkg/errors"
)

// Verifier checks one credential of one factor type for a principal. It
// returns the confidence assigned to the verified factor.
type Verifier interface {
	Verify(principalID, credential string) (confidence float64, err error)
}

// PasswordVerifier verifies the password factor against stored digests.
type PasswordVerifier struct {
	mu      sync.RWMutex
	digests map[string][32]byte
}

// NewPasswordVerifier creates an empty password verifier.
func NewPasswordVerifier() *PasswordVerifier {
	return &PasswordVerifier{digests: make(map[string][32]byte)}
}

// SetPassword stores the digest for a principal.
func (v *PasswordVerifier) SetPassword(principalID, password string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.digests[principalID] = sha256.Sum256([]byte(password))
}

func (v *PasswordVerifier) Verify(principalID, credential string) (float64, error) {
	v.mu.RLock()
	stored, ok := v.digests[principalID]
	v.mu.RUnlock()
	if !ok {
		return 0, govErrors.NewAuthError("auth", "UNKNOWN_PRINCIPAL",
			"no password enrolled for principal")
	}
	given := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(stored[:], given[:]) != 1 {
		return 0, govErrors.NewAuthError("auth", "BAD_PASSWORD", "password mismatch")
	}
	return 0.7, nil
}

// TOTPVerifier verifies time-based one-time passcodes.
type TOTPVerifier struct {
	mu      sync.RWMutex
	issuer  string
	secrets map[string]string
}

// NewTOTPVerifier creates an empty TOTP verifier issuing under the given name.
func NewTOTPVerifier(issuer string) *TOTPVerifier {
	if issuer == "" {
		issuer = "posture-governor"
	}
	return &TOTPVerifier{issuer: issuer, secrets: make(map[string]string)}
}

// Enroll generates a new TOTP secret for the principal and returns the
// provisioning URL for authenticator apps.
func (v *TOTPVerifier) Enroll(principalID string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: principalID,
	})
	if err != nil {
		return "", "", govErrors.NewAuthError("auth", "ENROLL_FAILED", err.Error())
	}
	v.mu.Lock()
	v.secrets[principalID] = key.Secret()
	v.mu.Unlock()
	return key.Secret(), key.URL(), nil
}

func (v *TOTPVerifier) Verify(principalID, credential string) (float64, error) {
	v.mu.RLock()
	secret, ok := v.secrets[principalID]
	v.mu.RUnlock()
	if !ok {
		return 0, govErrors.NewAuthError("auth", "NOT_ENROLLED",
			"no TOTP secret enrolled for principal")
	}
	if !totp.Validate(credential, secret) {
		return 0, govErrors.NewAuthError("auth", "BAD_TOTP", "passcode rejected")
	}
	return 0.9, nil
}
