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

package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// DefaultCap is the event log capacity. Oldest entries are dropped first.
const DefaultCap = 1000

// Sink receives every appended event, e.g. a persistence port. Delivery is
// best effort and must not block.
type Sink interface {
	AppendEvent(ev types.SecurityEvent)
}

// Log is the append-only, FIFO-capped security event log.
type Log struct {
	mu     sync.RWMutex
	events []types.SecurityEvent
	cap    int
	clk    clock.Clock
	sinks  []Sink
}

// Option configures a Log.
type Option func(*Log)

// WithCap overrides the entry cap.
func WithCap(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.cap = n
		}
	}
}

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clk = c }
}

// WithSink attaches an event sink.
func WithSink(s Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, s) }
}

// NewLog creates an empty event log.
func NewLog(opts ...Option) *Log {
	l := &Log{cap: DefaultCap, clk: clock.Real{}}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an event, evicting the oldest entry past the cap, and returns
// the stored copy.
func (l *Log) Append(evType types.EventType, severity types.Severity, principalID, description string, details map[string]interface{}) types.SecurityEvent {
	ev := types.SecurityEvent{
		ID:          uuid.NewString(),
		Timestamp:   l.clk.Now(),
		Type:        evType,
		Severity:    severity,
		PrincipalID: principalID,
		Description: description,
		Details:     details,
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	if len(l.events) > l.cap {
		// Strict FIFO: drop the oldest.
		drop := len(l.events) - l.cap
		l.events = append(l.events[:0:0], l.events[drop:]...)
	}
	size := len(l.events)
	sinks := l.sinks
	l.mu.Unlock()

	metrics.EventLogSize.Set(float64(size))

	for _, s := range sinks {
		s.AppendEvent(ev)
	}

	logger.Debug("security event", logger.Fields{
		Component: "audit",
		EventType: string(ev.Type),
		Severity:  string(ev.Severity),
		Principal: ev.PrincipalID,
	})
	return ev
}

// Filter selects event log entries. Zero values match everything.
type Filter struct {
	Type        types.EventType
	Severity    types.Severity
	PrincipalID string
	Since       time.Time
	Limit       int
}

// Query returns matching events, newest last.
func (l *Log) Query(f Filter) []types.SecurityEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.SecurityEvent, 0)
	for _, ev := range l.events {
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if f.Severity != "" && ev.Severity != f.Severity {
			continue
		}
		if f.PrincipalID != "" && ev.PrincipalID != f.PrincipalID {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, ev)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
