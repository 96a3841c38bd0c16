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
	"sync"
	"time"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/types"
)

// Tracker counts authentication failures per principal inside a rolling
// window and locks the principal out once the limit is reached. A successful
// authentication clears the slate.
type Tracker struct {
	mu          sync.Mutex
	records     map[string]*types.LockoutRecord
	maxAttempts int
	window      time.Duration
	clk         clock.Clock
}

// NewTracker creates a tracker: maxAttempts failures within window lock the
// principal out for window.
func NewTracker(maxAttempts int, window time.Duration, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Tracker{
		records:     make(map[string]*types.LockoutRecord),
		maxAttempts: maxAttempts,
		window:      window,
		clk:         clk,
	}
}

// SetLimits updates the limits for subsequent checks. Existing lockouts keep
// their original expiry.
func (t *Tracker) SetLimits(maxAttempts int, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxAttempts > 0 {
		t.maxAttempts = maxAttempts
	}
	if window > 0 {
		t.window = window
	}
}

// IsLocked reports whether the principal is locked out and, if so, how long
// until the lock expires.
func (t *Tracker) IsLocked(principalID string) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[principalID]
	if !ok {
		return false, 0
	}
	now := t.clk.Now()
	if rec.LockedUntil.After(now) {
		return true, rec.LockedUntil.Sub(now)
	}
	return false, 0
}

// RecordFailure registers a failed attempt. It reports whether this failure
// tripped the lockout and, if so, when the lock expires.
func (t *Tracker) RecordFailure(principalID string) (locked bool, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	rec, ok := t.records[principalID]
	if !ok {
		rec = &types.LockoutRecord{PrincipalID: principalID}
		t.records[principalID] = rec
	}

	// Rolling window: only failures within it count.
	cutoff := now.Add(-t.window)
	kept := rec.Failures[:0]
	for _, f := range rec.Failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	rec.Failures = append(kept, now)

	if len(rec.Failures) >= t.maxAttempts {
		rec.LockedUntil = now.Add(t.window)
		return true, rec.LockedUntil
	}
	return false, time.Time{}
}

// RecordSuccess clears the principal's failure history and any active lock.
func (t *Tracker) RecordSuccess(principalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, principalID)
}

// CountFailures returns the number of recorded failures since the given time.
// Risk scoring uses it as a behavior signal.
func (t *Tracker) CountFailures(principalID string, since time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[principalID]
	if !ok {
		return 0
	}
	n := 0
	for _, f := range rec.Failures {
		if f.After(since) {
			n++
		}
	}
	return n
}

// Record returns a copy of the principal's lockout record, used to persist
// an active lockout.
func (t *Tracker) Record(principalID string) (types.LockoutRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[principalID]
	if !ok {
		return types.LockoutRecord{}, false
	}
	out := types.LockoutRecord{
		PrincipalID: rec.PrincipalID,
		Failures:    append([]time.Time(nil), rec.Failures...),
		LockedUntil: rec.LockedUntil,
	}
	return out, true
}

// Restore seeds the tracker with persisted lockout records on startup.
// Records whose lock has already expired are skipped.
func (t *Tracker) Restore(recs []types.LockoutRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clk.Now()
	for _, rec := range recs {
		if !rec.LockedUntil.After(now) {
			continue
		}
		t.records[rec.PrincipalID] = &types.LockoutRecord{
			PrincipalID: rec.PrincipalID,
			Failures:    append([]time.Time(nil), rec.Failures...),
			LockedUntil: rec.LockedUntil,
		}
	}
}

// Unlock clears a lockout early, an operator action.
func (t *Tracker) Unlock(principalID string) {
	t.RecordSuccess(principalID)
}
