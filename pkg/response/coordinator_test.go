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

package response

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sec-posture/governor/pkg/audit"
	govErrors "github.com/sec-posture/governor/pkg/errors"
	"github.com/sec-posture/governor/pkg/types"
)

// recordingExecutor collects executed action ids in dispatch order.
type recordingExecutor struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]error
}

func (r *recordingExecutor) Execute(ctx context.Context, action types.ResponseAction, threat types.Threat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.fail[action.ID]; ok {
		return err
	}
	r.ids = append(r.ids, action.ID)
	return nil
}

func (r *recordingExecutor) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

func testCatalog() []types.ResponseAction {
	return []types.ResponseAction{
		{ID: "terminate-sessions", Type: types.ActionTerminate, Priority: 30, MinSeverity: types.SeverityHigh},
		{ID: "log-incident", Type: types.ActionLog, Priority: 10},
		{ID: "block-origin", Type: types.ActionBlock, Priority: 20, MinSeverity: types.SeverityMedium},
		{ID: "restore-backup", Type: types.ActionRestore, Priority: 40, MinSeverity: types.SeverityCritical, RequiresApproval: true},
	}
}

func testThreat(id string, severity types.Severity) types.Threat {
	return types.Threat{
		ID:         id,
		Type:       types.ThreatMalware,
		Severity:   severity,
		Status:     types.ThreatDetected,
		DetectedAt: time.Now(),
	}
}

// newTestCoordinator uses a single worker so dispatch order is observable.
func newTestCoordinator(rec *recordingExecutor) *Coordinator {
	co := NewCoordinator(audit.NewLog(),
		WithCatalog(testCatalog()),
		WithPool(NewPool(1, 16)))
	co.Register(types.ActionLog, rec)
	co.Register(types.ActionBlock, rec)
	co.Register(types.ActionTerminate, rec)
	co.Register(types.ActionRestore, rec)
	return co
}

func TestRespond_SeveritySelectionAndPriorityOrder(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	dispatched, queued := co.Respond(testThreat("t1", types.SeverityHigh))
	co.Stop()

	if dispatched != 3 || queued != 0 {
		t.Fatalf("expected 3 dispatched, 0 queued; got %d, %d", dispatched, queued)
	}
	got := rec.executed()
	want := []string{"log-incident", "block-origin", "terminate-sessions"}
	if len(got) != len(want) {
		t.Fatalf("executed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRespond_LowSeveritySelectsFewerActions(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	dispatched, queued := co.Respond(testThreat("t1", types.SeverityLow))
	co.Stop()

	if dispatched != 1 || queued != 0 {
		t.Fatalf("expected only the unconditional action, got %d dispatched %d queued", dispatched, queued)
	}
	if got := rec.executed(); len(got) != 1 || got[0] != "log-incident" {
		t.Errorf("executed %v", got)
	}
}

func TestRespond_IdempotentPerThreat(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	threat := testThreat("t1", types.SeverityMedium)
	first, _ := co.Respond(threat)
	second, _ := co.Respond(threat)

	// A different threat runs the same actions again.
	other, _ := co.Respond(testThreat("t2", types.SeverityMedium))
	co.Stop()

	if first != 2 {
		t.Errorf("first response: expected 2 dispatched, got %d", first)
	}
	if second != 0 {
		t.Errorf("repeat response must dispatch nothing, got %d", second)
	}
	if other != 2 {
		t.Errorf("distinct threat: expected 2 dispatched, got %d", other)
	}
	if !co.Executed("log-incident", "t1") {
		t.Error("log-incident not marked executed for t1")
	}
}

func TestRespond_QueuesActionsRequiringApproval(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	dispatched, queued := co.Respond(testThreat("t1", types.SeverityCritical))
	if dispatched != 3 || queued != 1 {
		t.Fatalf("expected 3 dispatched, 1 queued; got %d, %d", dispatched, queued)
	}

	pending := co.PendingApprovals()
	if len(pending) != 1 || pending[0].Action.ID != "restore-backup" {
		t.Fatalf("unexpected approvals %+v", pending)
	}

	if err := co.Approve(pending[0].ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	co.Stop()

	if len(co.PendingApprovals()) != 0 {
		t.Error("approval not consumed")
	}
	got := rec.executed()
	if got[len(got)-1] != "restore-backup" {
		t.Errorf("approved action did not run, executed %v", got)
	}
}

func TestReject_AllowsRequeueing(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()
	defer co.Stop()

	threat := testThreat("t1", types.SeverityCritical)
	co.Respond(threat)
	pending := co.PendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("expected 1 approval, got %d", len(pending))
	}

	if err := co.Reject(pending[0].ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if co.Executed("restore-backup", "t1") {
		t.Error("rejected action must not count as executed")
	}

	// The same threat can queue the action again after a rejection.
	if _, queued := co.Respond(threat); queued != 1 {
		t.Errorf("expected requeue after rejection, queued %d", queued)
	}
}

func TestApprove_UnknownID(t *testing.T) {
	co := newTestCoordinator(&recordingExecutor{})
	if err := co.Approve("nope"); !govErrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	if err := co.Reject("nope"); !govErrors.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestExecutionFailure_ClearsIdempotencyKey(t *testing.T) {
	rec := &recordingExecutor{fail: map[string]error{
		"block-origin": errors.New("firewall unreachable"),
	}}
	co := newTestCoordinator(rec)
	co.Start()

	co.Respond(testThreat("t1", types.SeverityMedium))
	co.Stop() // drains the pool, so failures have been recorded

	if co.Executed("block-origin", "t1") {
		t.Error("failed action must be retryable")
	}
	if !co.Executed("log-incident", "t1") {
		t.Error("successful action must stay marked")
	}
}

func TestRespond_MissingExecutorIsNotMarkedExecuted(t *testing.T) {
	co := NewCoordinator(audit.NewLog(),
		WithCatalog([]types.ResponseAction{
			{ID: "notify-admin", Type: types.ActionNotify, Priority: 10},
		}),
		WithPool(NewPool(1, 16)))
	co.Start()
	defer co.Stop()

	dispatched, _ := co.Respond(testThreat("t1", types.SeverityHigh))
	if dispatched != 0 {
		t.Errorf("expected 0 dispatched without executor, got %d", dispatched)
	}
	if co.Executed("notify-admin", "t1") {
		t.Error("unexecutable action must not be marked executed")
	}
}

// panickingExecutor simulates an executor bug.
type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, types.ResponseAction, types.Threat) error {
	panic("executor bug")
}

func TestRespond_StampsExecutedActions(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	co.Respond(testThreat("t1", types.SeverityMedium))
	co.Stop()

	a, ok := co.CompletedAction("block-origin", "t1")
	if !ok {
		t.Fatal("expected a completed record for block-origin")
	}
	if !a.Executed || a.ExecutedAt == nil {
		t.Errorf("completed action must carry the executed stamp: %+v", a)
	}
	if _, ok := co.CompletedAction("terminate-sessions", "t1"); ok {
		t.Error("an action that never ran must not be stamped")
	}
}

func TestPool_EnqueueAfterStop(t *testing.T) {
	rec := &recordingExecutor{}
	co := newTestCoordinator(rec)
	co.Start()

	co.Respond(testThreat("t1", types.SeverityCritical))
	pending := co.PendingApprovals()
	if len(pending) != 1 {
		t.Fatalf("expected one pending approval, got %d", len(pending))
	}
	co.Stop()

	// Approving after shutdown fails cleanly instead of panicking on the
	// closed queue.
	if err := co.Approve(pending[0].ID); err == nil {
		t.Error("expected an error approving after shutdown")
	}
}

func TestPool_RecoversFromPanickingWork(t *testing.T) {
	co := NewCoordinator(audit.NewLog(),
		WithCatalog(testCatalog()),
		WithPool(NewPool(1, 16)))
	co.Register(types.ActionLog, panickingExecutor{})
	co.Start()

	co.Respond(testThreat("t1", types.SeverityLow))
	co.Stop()

	// The panic is converted to an error, so the action is retryable and the
	// worker survived to drain the queue.
	if co.Executed("log-incident", "t1") {
		t.Error("a panicking execution must clear the idempotency key")
	}
}
