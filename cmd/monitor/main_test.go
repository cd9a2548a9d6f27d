package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rivo/tview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/internal/domain"
	"codeagent/internal/orchestrator"
)

func TestParseTarget(t *testing.T) {
	req, ok := parseTarget("  ./repo ")
	require.True(t, ok)
	assert.Equal(t, domain.WorkflowRequest{ProjectPath: "./repo"}, req)

	req, ok = parseTarget("file: src/app.py")
	require.True(t, ok)
	assert.Equal(t, domain.WorkflowRequest{FilePath: "src/app.py"}, req)

	_, ok = parseTarget("file:")
	assert.False(t, ok)
	_, ok = parseTarget("   ")
	assert.False(t, ok)
}

func TestRenderWorkflowDetail(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)
	wf := domain.Workflow{
		ID:          "0123456789abcdef",
		ProjectPath: "/srv/repo",
		Status:      domain.WorkflowStatusFailed,
		StartedAt:   start,
		EndedAt:     &end,
		Error:       "fix stage failed: patch rejected",
		Stages: []domain.WorkflowStage{
			{Name: "detection", TaskID: "aaaaaaaabbbb", Status: "completed", StartedAt: start, EndedAt: &end},
			{Name: "fix", Status: "failed", StartedAt: start, Error: "patch rejected"},
		},
	}

	out := renderWorkflowDetail(wf)
	assert.Contains(t, out, "status=failed")
	assert.Contains(t, out, "/srv/repo")
	assert.Contains(t, out, "Elapsed:  1.5s")
	assert.Contains(t, out, "task=aaaaaaaa")
	assert.Contains(t, out, "error: patch rejected")
	assert.Equal(t, "fix:failed", currentStage(wf))
}

func TestRenderAgentsAndCounters(t *testing.T) {
	assert.Equal(t, "No agents registered", renderAgents(nil))

	out := renderAgents([]orchestrator.AgentInfo{
		{ID: "fix_agent", Status: "busy", Load: 2, Capabilities: []string{"fix_issues"}},
		{ID: "bug_detection_agent", Capabilities: []string{"detect_bugs"}},
	})
	require.Less(t, strings.Index(out, "bug_detection_agent"), strings.Index(out, "fix_agent"))
	assert.Contains(t, out, "unknown")
	assert.Contains(t, out, "load=2")

	counters := renderCounters(snapshot{
		health: orchestrator.Health{Status: "healthy"},
		stats:  orchestrator.Stats{Running: true, Workflows: map[string]int{"total": 3, "failed": 1}},
	})
	assert.Contains(t, counters, "health=healthy")
	assert.Contains(t, counters, "failed=1 total=3")
}

func TestRenderWorkflowsTable(t *testing.T) {
	table := tview.NewTable().SetSelectable(true, false)
	renderWorkflowsTable(table, []domain.Workflow{
		{ID: "wf-1", Status: domain.WorkflowStatusCompleted, FilePath: "a.py"},
		{ID: "wf-2", Status: domain.WorkflowStatusRunning, ProjectPath: "/repo"},
	}, "wf-2")

	assert.Equal(t, 3, table.GetRowCount())
	assert.Equal(t, "a.py", table.GetCell(1, 4).Text)
	row, _ := table.GetSelection()
	assert.Equal(t, 2, row)
}

func TestClientSnapshot(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(orchestrator.Health{Status: "degraded"})
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(orchestrator.Stats{ErrorsReceived: 4})
	})
	mux.HandleFunc("/workflows", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(domain.WorkflowResult{WorkflowID: "wf-9", Error: "detection stage failed"})
			return
		}
		assert.Equal(t, "7", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]domain.Workflow{{ID: "wf-1"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newClient(srv.URL + "/")
	snap, err := c.fetchSnapshot(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "degraded", snap.health.Status)
	assert.EqualValues(t, 4, snap.stats.ErrorsReceived)
	require.Len(t, snap.workflows, 1)

	res, err := c.startWorkflow(context.Background(), domain.WorkflowRequest{ProjectPath: "/repo"})
	require.NoError(t, err)
	assert.Equal(t, "wf-9", res.WorkflowID)
	assert.False(t, res.Success)

	_, err = c.listDecisions(context.Background(), "wf-1", 10)
	assert.Error(t, err)
}
