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

package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// DETECTION_ERROR indicates a detector failure (recovered, scan continues)
	DETECTION_ERROR ErrorCategory = "DETECTION_ERROR"
	// TRANSITION_ERROR indicates an illegal security level change
	TRANSITION_ERROR ErrorCategory = "TRANSITION_ERROR"
	// VALIDATION_ERROR indicates a malformed configuration update
	VALIDATION_ERROR ErrorCategory = "VALIDATION_ERROR"
	// AUTH_ERROR indicates a failed authentication attempt
	AUTH_ERROR ErrorCategory = "AUTH_ERROR"
	// LOCKOUT_ERROR indicates an attempt while the principal is locked out
	LOCKOUT_ERROR ErrorCategory = "LOCKOUT_ERROR"
	// SESSION_ERROR indicates an operation on an unknown or ended session
	SESSION_ERROR ErrorCategory = "SESSION_ERROR"
	// NOTIFY_ERROR indicates a notification delivery failure (best effort)
	NOTIFY_ERROR ErrorCategory = "NOTIFY_ERROR"
	// PERSIST_ERROR indicates a persistence port failure
	PERSIST_ERROR ErrorCategory = "PERSIST_ERROR"
)

// GovernorError represents a categorized governor error
type GovernorError struct {
	Category    ErrorCategory
	Component   string
	Code        string
	Message     string
	RetryAfter  time.Duration // set for LOCKOUT_ERROR: time until unlock
	OriginalErr error
}

func (e *GovernorError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %s (component: %s): %v",
			e.Category, e.Code, e.Message, e.Component, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s: %s (component: %s)",
		e.Category, e.Code, e.Message, e.Component)
}

func (e *GovernorError) Unwrap() error { return e.OriginalErr }

// NewDetectionError creates a new DETECTION_ERROR
func NewDetectionError(component, code, message string, err error) *GovernorError {
	return &GovernorError{
		Category:    DETECTION_ERROR,
		Component:   component,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}

// NewTransitionError creates a new TRANSITION_ERROR
func NewTransitionError(component, code, message string) *GovernorError {
	return &GovernorError{
		Category:  TRANSITION_ERROR,
		Component: component,
		Code:      code,
		Message:   message,
	}
}

// NewValidationError creates a new VALIDATION_ERROR
func NewValidationError(component, code, message string) *GovernorError {
	return &GovernorError{
		Category:  VALIDATION_ERROR,
		Component: component,
		Code:      code,
		Message:   message,
	}
}

// NewAuthError creates a new AUTH_ERROR
func NewAuthError(component, code, message string) *GovernorError {
	return &GovernorError{
		Category:  AUTH_ERROR,
		Component: component,
		Code:      code,
		Message:   message,
	}
}

// NewLockoutError creates a new LOCKOUT_ERROR with the time until unlock
func NewLockoutError(component, message string, retryAfter time.Duration) *GovernorError {
	return &GovernorError{
		Category:   LOCKOUT_ERROR,
		Component:  component,
		Code:       "LOCKED_OUT",
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// NewSessionError creates a new SESSION_ERROR
func NewSessionError(component, code, message string) *GovernorError {
	return &GovernorError{
		Category:  SESSION_ERROR,
		Component: component,
		Code:      code,
		Message:   message,
	}
}

// NewNotifyError creates a new NOTIFY_ERROR
func NewNotifyError(component, code, message string, err error) *GovernorError {
	return &GovernorError{
		Category:    NOTIFY_ERROR,
		Component:   component,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}

// NewPersistError creates a new PERSIST_ERROR
func NewPersistError(component, code, message string, err error) *GovernorError {
	return &GovernorError{
		Category:    PERSIST_ERROR,
		Component:   component,
		Code:        code,
		Message:     message,
		OriginalErr: err,
	}
}

// categoryIs reports whether err is a GovernorError of the given category.
func categoryIs(err error, cat ErrorCategory) bool {
	var ge *GovernorError
	if errors.As(err, &ge) {
		return ge.Category == cat
	}
	return false
}

// IsLockedOut reports whether err is a lockout rejection.
func IsLockedOut(err error) bool { return categoryIs(err, LOCKOUT_ERROR) }

// IsInvalidTransition reports whether err is an illegal level change.
func IsInvalidTransition(err error) bool { return categoryIs(err, TRANSITION_ERROR) }

// IsSessionNotFound reports whether err is a session lookup failure.
func IsSessionNotFound(err error) bool { return categoryIs(err, SESSION_ERROR) }

// IsAuthFailure reports whether err is an authentication failure.
func IsAuthFailure(err error) bool { return categoryIs(err, AUTH_ERROR) }

// IsValidation reports whether err is a config validation failure.
func IsValidation(err error) bool { return categoryIs(err, VALIDATION_ERROR) }

// RetryAfter returns the time until unlock for lockout errors, zero otherwise.
func RetryAfter(err error) time.Duration {
	var ge *GovernorError
	if errors.As(err, &ge) && ge.Category == LOCKOUT_ERROR {
		return ge.RetryAfter
	}
	return 0
}
