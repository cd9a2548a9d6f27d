package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"codeagent/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveWorkflowUpserts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	wf := domain.Workflow{
		ID:          uuid.NewString(),
		ProjectPath: "/src/app",
		Status:      domain.WorkflowStatusRunning,
		StartedAt:   started,
		Stages: []domain.WorkflowStage{
			{Name: "detection", TaskID: "t1", Status: "running", StartedAt: started},
		},
	}
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save running workflow: %v", err)
	}

	ended := started.Add(3 * time.Second)
	wf.Status = domain.WorkflowStatusCompleted
	wf.EndedAt = &ended
	wf.Stages[0].Status = "completed"
	wf.Result = map[string]any{"message": "no defects found"}
	if err := store.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save completed workflow: %v", err)
	}

	got, err := store.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Status != domain.WorkflowStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Fatalf("unexpected ended_at %v", got.EndedAt)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("unexpected started_at %v", got.StartedAt)
	}
	if len(got.Stages) != 1 || got.Stages[0].Status != "completed" {
		t.Fatalf("unexpected stages %+v", got.Stages)
	}
	if got.Result["message"] != "no defects found" {
		t.Fatalf("unexpected result %+v", got.Result)
	}

	list, err := store.ListWorkflows(ctx, 10)
	if err != nil {
		t.Fatalf("list workflows: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one workflow after upsert, got %d", len(list))
	}

	if _, err := store.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTaskEventsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	statuses := []domain.TaskStatus{domain.TaskStatusPending, domain.TaskStatusAssigned, domain.TaskStatusCompleted}
	for _, st := range statuses {
		if err := store.LogTaskEvent(ctx, domain.TaskEvent{
			TaskID:     "t1",
			WorkflowID: "wf1",
			TaskType:   domain.TaskTypeDetectBugs,
			AgentID:    "bug_detection_agent",
			Status:     st,
			Payload:    json.RawMessage(`{"issues":0}`),
		}); err != nil {
			t.Fatalf("log event %s: %v", st, err)
		}
	}
	if err := store.LogTaskEvent(ctx, domain.TaskEvent{TaskID: "t2", TaskType: "x", Status: domain.TaskStatusFailed}); err != nil {
		t.Fatalf("log other event: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	if len(events) != len(statuses) {
		t.Fatalf("expected %d events, got %d", len(statuses), len(events))
	}
	for i, ev := range events {
		if ev.Status != statuses[i] {
			t.Fatalf("event %d: expected %s, got %s", i, statuses[i], ev.Status)
		}
	}
	if string(events[0].Payload) != `{"issues":0}` {
		t.Fatalf("unexpected payload %s", events[0].Payload)
	}

	byWorkflow, err := store.ListWorkflowEvents(ctx, "wf1", 2)
	if err != nil {
		t.Fatalf("list workflow events: %v", err)
	}
	if len(byWorkflow) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(byWorkflow))
	}
}

func TestDecisionLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.LogDecision(ctx, domain.DecisionLog{
		WorkflowID: "wf1",
		TaskID:     "t1",
		IssueType:  "unused_imports",
		File:       "a.py",
		Category:   domain.CategoryAutoFixable,
		Strategy:   "auto_remove",
		Confidence: 0.9,
		RuleSource: "simple_rules",
		Reason:     "matched",
	}); err != nil {
		t.Fatalf("log decision: %v", err)
	}

	got, err := store.ListDecisions(ctx, "wf1", 0)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one decision, got %d", len(got))
	}
	if got[0].Category != domain.CategoryAutoFixable || got[0].Confidence != 0.9 {
		t.Fatalf("unexpected decision %+v", got[0])
	}

	other, err := store.ListDecisions(ctx, "wf2", 0)
	if err != nil {
		t.Fatalf("list other decisions: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no decisions for wf2, got %d", len(other))
	}
}
