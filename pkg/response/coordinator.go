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

// Package response selects and executes automated response actions for
// detected threats. Action execution is idempotent per (action, incident)
// pair, ordered by priority, and gated behind an approval queue for actions
// that require operator sign-off.
package response

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sec-posture/governor/pkg/audit"
	"github.com/sec-posture/governor/pkg/clock"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/logger"
	"github.com/sec-posture/governor/pkg/metrics"
	"github.com/sec-posture/governor/pkg/types"
)

// Executor performs one action type against a threat.
type Executor interface {
	Execute(ctx context.Context, action types.ResponseAction, threat types.Threat) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, action types.ResponseAction, threat types.Threat) error

func (f ExecutorFunc) Execute(ctx context.Context, action types.ResponseAction, threat types.Threat) error {
	return f(ctx, action, threat)
}

// PendingApproval is a queued action waiting for operator sign-off.
type PendingApproval struct {
	ID       string               `json:"id"`
	Action   types.ResponseAction `json:"action"`
	Threat   types.Threat         `json:"threat"`
	QueuedAt time.Time            `json:"queuedAt"`
}

// Coordinator matches the action catalog against incoming threats and runs the
// selected actions on the worker pool.
type Coordinator struct {
	mu        sync.Mutex
	catalog   []types.ResponseAction
	executors map[types.ResponseActionType]Executor
	executed  map[string]time.Time // actionID/threatID -> dispatch marked at
	completed map[string]types.ResponseAction
	approvals map[string]PendingApproval
	pool      *Pool
	log       *audit.Log
	clk       clock.Clock
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the clock, used by tests.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clk = c }
}

// WithCatalog replaces the default action catalog.
func WithCatalog(actions []types.ResponseAction) Option {
	return func(co *Coordinator) { co.catalog = actions }
}

// WithPool substitutes the worker pool.
func WithPool(p *Pool) Option {
	return func(co *Coordinator) { co.pool = p }
}

// NewCoordinator creates a coordinator over the default action catalog. The
// caller must register an executor per action type it expects to run and call
// Start before dispatching.
func NewCoordinator(log *audit.Log, opts ...Option) *Coordinator {
	co := &Coordinator{
		catalog:   types.DefaultResponseActions(),
		executors: make(map[types.ResponseActionType]Executor),
		executed:  make(map[string]time.Time),
		completed: make(map[string]types.ResponseAction),
		approvals: make(map[string]PendingApproval),
		pool:      NewPool(4, 64),
		log:       log,
		clk:       clock.Real{},
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Register installs the executor for an action type, replacing any previous
// registration.
func (c *Coordinator) Register(t types.ResponseActionType, e Executor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[t] = e
}

// Start launches the worker pool.
func (c *Coordinator) Start() { c.pool.Start() }

// Stop drains the pool and waits for in-flight actions.
func (c *Coordinator) Stop() { c.pool.Stop() }

// Respond selects every catalog action whose minimum severity the threat
// meets and dispatches them in ascending priority order. Actions already run
// for this threat are skipped; actions requiring approval are queued instead
// of executed. It returns the number of actions dispatched and queued.
func (c *Coordinator) Respond(threat types.Threat) (dispatched, queued int) {
	selected := c.selectActions(threat.Severity)

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, action := range selected {
		key := action.ID + "/" + threat.ID
		if _, done := c.executed[key]; done {
			metrics.ResponsesExecuted.WithLabelValues(string(action.Type), "skipped").Inc()
			continue
		}
		// Mark before dispatch so a re-scan of the same threat cannot race a
		// second execution.
		c.executed[key] = c.clk.Now()

		if action.RequiresApproval {
			c.queueApprovalLocked(action, threat)
			queued++
			continue
		}
		if err := c.dispatchLocked(action, threat); err != nil {
			delete(c.executed, key)
			continue
		}
		dispatched++
	}
	return dispatched, queued
}

// selectActions returns catalog actions matching the severity, ascending by
// priority.
func (c *Coordinator) selectActions(severity types.Severity) []types.ResponseAction {
	c.mu.Lock()
	out := make([]types.ResponseAction, 0, len(c.catalog))
	for _, a := range c.catalog {
		min := a.MinSeverity
		if min == "" {
			min = types.SeverityLow
		}
		if severity.AtLeast(min) {
			out = append(out, a)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func (c *Coordinator) queueApprovalLocked(action types.ResponseAction, threat types.Threat) {
	p := PendingApproval{
		ID:       uuid.NewString(),
		Action:   action,
		Threat:   threat,
		QueuedAt: c.clk.Now(),
	}
	c.approvals[p.ID] = p
	metrics.ResponsesExecuted.WithLabelValues(string(action.Type), "queued").Inc()
	c.log.Append(types.EventResponseQueued, threat.Severity, threat.Principal,
		fmt.Sprintf("action %s queued for approval", action.ID),
		map[string]interface{}{
			"approval_id": p.ID,
			"action":      action.ID,
			"threat_id":   threat.ID,
		})
	logger.Info("response action queued for approval", logger.Fields{
		Component: "response",
		Operation: "queue",
		ThreatID:  threat.ID,
		Additional: map[string]interface{}{
			"action":      action.ID,
			"approval_id": p.ID,
		},
	})
}

func (c *Coordinator) dispatchLocked(action types.ResponseAction, threat types.Threat) error {
	exec, ok := c.executors[action.Type]
	if !ok {
		metrics.ResponsesExecuted.WithLabelValues(string(action.Type), "error").Inc()
		logger.Warn("no executor registered for action type", logger.Fields{
			Component: "response",
			ThreatID:  threat.ID,
			Additional: map[string]interface{}{
				"action_type": string(action.Type),
			},
		})
		return fmt.Errorf("no executor for action type %s", action.Type)
	}
	item := &executeItem{co: c, exec: exec, action: action, threat: threat}
	if err := c.pool.Enqueue(item); err != nil {
		metrics.ResponsesExecuted.WithLabelValues(string(action.Type), "error").Inc()
		return err
	}
	return nil
}

// PendingApprovals returns queued approvals, oldest first.
func (c *Coordinator) PendingApprovals() []PendingApproval {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingApproval, 0, len(c.approvals))
	for _, p := range c.approvals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out
}

// Approve dispatches a queued action.
func (c *Coordinator) Approve(approvalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.approvals[approvalID]
	if !ok {
		return govErrors.NewValidationError("response", "UNKNOWN_APPROVAL",
			"no pending approval with id "+approvalID)
	}
	delete(c.approvals, approvalID)
	return c.dispatchLocked(p.Action, p.Threat)
}

// Reject discards a queued action without executing it.
func (c *Coordinator) Reject(approvalID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.approvals[approvalID]
	if !ok {
		return govErrors.NewValidationError("response", "UNKNOWN_APPROVAL",
			"no pending approval with id "+approvalID)
	}
	delete(c.approvals, approvalID)
	delete(c.executed, p.Action.ID+"/"+p.Threat.ID)
	metrics.ResponsesExecuted.WithLabelValues(string(p.Action.Type), "rejected").Inc()
	return nil
}

// executeItem is a single action execution on the worker pool.
type executeItem struct {
	co     *Coordinator
	exec   Executor
	action types.ResponseAction
	threat types.Threat
}

// execute runs the executor, converting a panic into an error so the failure
// path still clears the idempotency key.
func (it *executeItem) execute(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return it.exec.Execute(ctx, it.action, it.threat)
}

func (it *executeItem) Process(ctx context.Context) error {
	err := it.execute(ctx)
	now := it.co.clk.Now()

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.ResponsesExecuted.WithLabelValues(string(it.action.Type), status).Inc()

	if err != nil {
		it.co.mu.Lock()
		delete(it.co.executed, it.action.ID+"/"+it.threat.ID)
		it.co.mu.Unlock()
		return fmt.Errorf("execute %s for threat %s: %w", it.action.ID, it.threat.ID, err)
	}

	it.action.Executed = true
	it.action.ExecutedAt = &now
	it.co.mu.Lock()
	it.co.completed[it.action.ID+"/"+it.threat.ID] = it.action
	it.co.mu.Unlock()

	it.co.log.Append(types.EventResponseExecuted, it.threat.Severity, it.threat.Principal,
		fmt.Sprintf("action %s executed", it.action.ID),
		map[string]interface{}{
			"action":    it.action.ID,
			"type":      string(it.action.Type),
			"target":    it.action.Target,
			"threat_id": it.threat.ID,
		})
	logger.Info("response action executed", logger.Fields{
		Component: "response",
		Operation: "execute",
		ThreatID:  it.threat.ID,
		Duration:  now.Sub(it.threat.DetectedAt).String(),
		Additional: map[string]interface{}{
			"action": it.action.ID,
		},
	})
	return nil
}

// CompletedAction returns the stamped copy of an action that finished for a
// threat, carrying its executed flag and timestamp.
func (c *Coordinator) CompletedAction(actionID, threatID string) (types.ResponseAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.completed[actionID+"/"+threatID]
	return a, ok
}

// Executed reports whether the action has run for the threat.
func (c *Coordinator) Executed(actionID, threatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.executed[actionID+"/"+threatID]
	return ok
}
