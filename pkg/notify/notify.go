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

// Package notify delivers security notifications to configured channels.
// Delivery is asynchronous and best effort: a failing channel never blocks or
// fails the operation that produced the notification.
package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sec-posture/governor/pkg/clock"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// Audience selects who a notification is meant for.
type Audience string

const (
	AudienceUser  Audience = "user"
	AudienceAdmin Audience = "admin"
)

// Kind classifies a notification.
type Kind string

const (
	KindLevelChange Kind = "level_change"
	KindThreat      Kind = "threat"
	KindIncident    Kind = "incident"
	KindLockout     Kind = "lockout"
	KindSuspicious  Kind = "suspicious_activity"
)

// Notification is one message to deliver.
type Notification struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Kind      Kind                   `json:"kind"`
	Audience  Audience               `json:"audience"`
	Severity  types.Severity         `json:"severity"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Channel delivers notifications to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Filter decides whether a channel receives a notification. Operators:
// equals, not_equals, contains, min_severity.
type Filter struct {
	Field    string `yaml:"field"` // kind, audience, severity, title
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

// Matches evaluates the filter against a notification. Unknown fields or
// operators fail closed.
func (f Filter) Matches(n Notification) bool {
	var actual string
	switch f.Field {
	case "kind":
		actual = string(n.Kind)
	case "audience":
		actual = string(n.Audience)
	case "severity":
		actual = string(n.Severity)
	case "title":
		actual = n.Title
	default:
		return false
	}
	switch f.Operator {
	case "equals":
		return actual == f.Value
	case "not_equals":
		return actual != f.Value
	case "contains":
		return strings.Contains(actual, f.Value)
	case "min_severity":
		return n.Severity.AtLeast(types.Severity(f.Value))
	default:
		return false
	}
}

// binding is a channel with its filters. All filters must match.
type binding struct {
	channel Channel
	filters []Filter
}

func (b binding) matches(n Notification) bool {
	for _, f := range b.filters {
		if !f.Matches(n) {
			return false
		}
	}
	return true
}

// Dispatcher fans notifications out to matching channels on a background
// goroutine, throttled to protect downstream receivers during threat bursts.
type Dispatcher struct {
	mu       sync.Mutex
	bindings []binding
	queue    chan Notification
	limiter  *rate.Limiter
	timeout  time.Duration
	clk      clock.Clock
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRate bounds deliveries per second across all channels.
func WithRate(perSecond int) DispatcherOption {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond*2)
		}
	}
}

// WithDeliveryTimeout bounds a single channel delivery.
func WithDeliveryTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clk = c }
}

// NewDispatcher creates a dispatcher. Call Start before publishing.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:   make(chan Notification, 256),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		timeout: 5 * time.Second,
		clk:     clock.Real{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Bind attaches a channel, optionally gated behind filters.
func (d *Dispatcher) Bind(c Channel, filters ...Filter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bindings = append(d.bindings, binding{channel: c, filters: filters})
}

// Start launches the delivery loop.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains queued notifications and waits for the loop to exit. Safe to
// call twice.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.queue)
		d.wg.Wait()
	})
}

// Publish enqueues a notification. A full queue drops the notification
// rather than blocking the caller.
func (d *Dispatcher) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = d.clk.Now()
	}
	select {
	case d.queue <- n:
	default:
		metrics.NotificationsTotal.WithLabelValues("queue", "dropped").Inc()
		logger.Warn("notification queue full, dropping", logger.Fields{
			Component: "notify",
			Additional: map[string]interface{}{
				"kind": string(n.Kind),
			},
		})
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.limiter.Wait(context.Background()); err != nil {
			return
		}
		d.mu.Lock()
		bindings := append([]binding(nil), d.bindings...)
		d.mu.Unlock()

		for _, b := range bindings {
			if !b.matches(n) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			err := b.channel.Deliver(ctx, n)
			cancel()
			if err != nil {
				metrics.NotificationsTotal.WithLabelValues(b.channel.Name(), "error").Inc()
				logger.Warn("notification delivery failed", logger.Fields{
					Component: "notify",
					Channel:   b.channel.Name(),
					Error:     err,
				})
				continue
			}
			metrics.NotificationsTotal.WithLabelValues(b.channel.Name(), "success").Inc()
		}
	}
}
