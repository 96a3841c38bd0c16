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

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sec-posture/governor/pkg/types"
)

type captureChannel struct {
	mu       sync.Mutex
	name     string
	received []Notification
	err      error
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Deliver(ctx context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.received = append(c.received, n)
	return nil
}

func (c *captureChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func TestFilter_Matches(t *testing.T) {
	n := Notification{
		Kind:     KindThreat,
		Audience: AudienceAdmin,
		Severity: types.SeverityHigh,
		Title:    "brute force against alice",
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"kind equals", Filter{Field: "kind", Operator: "equals", Value: "threat"}, true},
		{"kind equals mismatch", Filter{Field: "kind", Operator: "equals", Value: "lockout"}, false},
		{"audience not_equals", Filter{Field: "audience", Operator: "not_equals", Value: "user"}, true},
		{"title contains", Filter{Field: "title", Operator: "contains", Value: "brute force"}, true},
		{"severity min met", Filter{Field: "severity", Operator: "min_severity", Value: "medium"}, true},
		{"severity min exact", Filter{Field: "severity", Operator: "min_severity", Value: "high"}, true},
		{"severity min unmet", Filter{Field: "severity", Operator: "min_severity", Value: "critical"}, false},
		{"unknown field fails closed", Filter{Field: "body", Operator: "equals", Value: "x"}, false},
		{"unknown operator fails closed", Filter{Field: "kind", Operator: "regex", Value: ".*"}, false},
	}
	for _, c := range cases {
		if got := c.filter.Matches(n); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestDispatcher_RoutesByFilter(t *testing.T) {
	all := &captureChannel{name: "all"}
	adminOnly := &captureChannel{name: "admin"}

	d := NewDispatcher(WithRate(1000))
	d.Bind(all)
	d.Bind(adminOnly, Filter{Field: "audience", Operator: "equals", Value: "admin"})
	d.Start()

	d.Publish(Notification{Kind: KindLockout, Audience: AudienceAdmin, Severity: types.SeverityHigh})
	d.Publish(Notification{Kind: KindLevelChange, Audience: AudienceUser, Severity: types.SeverityLow})
	d.Stop()

	if all.count() != 2 {
		t.Errorf("unfiltered channel: expected 2 deliveries, got %d", all.count())
	}
	if adminOnly.count() != 1 {
		t.Errorf("filtered channel: expected 1 delivery, got %d", adminOnly.count())
	}
}

func TestDispatcher_AllFiltersMustMatch(t *testing.T) {
	ch := &captureChannel{name: "narrow"}

	d := NewDispatcher(WithRate(1000))
	d.Bind(ch,
		Filter{Field: "kind", Operator: "equals", Value: "threat"},
		Filter{Field: "severity", Operator: "min_severity", Value: "high"})
	d.Start()

	d.Publish(Notification{Kind: KindThreat, Severity: types.SeverityCritical})
	d.Publish(Notification{Kind: KindThreat, Severity: types.SeverityLow})
	d.Publish(Notification{Kind: KindLockout, Severity: types.SeverityCritical})
	d.Stop()

	if ch.count() != 1 {
		t.Errorf("expected 1 delivery through both filters, got %d", ch.count())
	}
}

func TestDispatcher_FailingChannelDoesNotBlockOthers(t *testing.T) {
	broken := &captureChannel{name: "broken", err: errors.New("endpoint down")}
	healthy := &captureChannel{name: "healthy"}

	d := NewDispatcher(WithRate(1000))
	d.Bind(broken)
	d.Bind(healthy)
	d.Start()

	d.Publish(Notification{Kind: KindIncident, Severity: types.SeverityHigh})
	d.Stop()

	if healthy.count() != 1 {
		t.Errorf("healthy channel starved by failing one, got %d deliveries", healthy.count())
	}
}

func TestDispatcher_AssignsIDAndTimestamp(t *testing.T) {
	ch := &captureChannel{name: "capture"}
	d := NewDispatcher(WithRate(1000))
	d.Bind(ch)
	d.Start()

	d.Publish(Notification{Kind: KindThreat, Severity: types.SeverityMedium})
	d.Stop()

	if ch.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", ch.count())
	}
	got := ch.received[0]
	if got.ID == "" {
		t.Error("dispatcher must assign an id")
	}
	if got.Timestamp.IsZero() {
		t.Error("dispatcher must stamp the notification")
	}
}

func TestLogChannel_AlwaysDelivers(t *testing.T) {
	var ch LogChannel
	if err := ch.Deliver(context.Background(), Notification{Kind: KindThreat}); err != nil {
		t.Errorf("log channel must not fail: %v", err)
	}
}
