package taskmanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"codeagent/internal/domain"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	return New(cfg, zaptest.NewLogger(t), nil)
}

func TestCreateTaskIDsAreUniqueAndPending(t *testing.T) {
	m := newManager(t, Config{})
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id := m.CreateTask(domain.TaskTypeDetectBugs, map[string]any{"i": i}, domain.PriorityNormal)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		snap, err := m.GetTaskStatus(id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, snap.Status)
		assert.True(t, snap.TimeoutAt.After(snap.CreatedAt))
	}
	assert.Equal(t, 200, m.Stats().Created)
}

func TestAssignmentAccounting(t *testing.T) {
	m := newManager(t, Config{})
	a := m.CreateTask(domain.TaskTypeDetectBugs, nil, domain.PriorityNormal)
	b := m.CreateTask(domain.TaskTypeDetectBugs, nil, domain.PriorityNormal)

	require.NoError(t, m.AssignTask(a, "detector"))
	assert.Equal(t, 1, m.AgentLoad("detector"))
	require.NoError(t, m.AssignTask(b, "detector"))
	assert.Equal(t, 2, m.AgentLoad("detector"))

	require.NoError(t, m.UpdateTaskResult(a, map[string]any{"issues": []any{}}, true))
	assert.Equal(t, 1, m.AgentLoad("detector"))

	// A second result for the same attempt is rejected and must not push the
	// load below the number of tasks still held.
	require.ErrorIs(t, m.UpdateTaskResult(a, nil, true), ErrInvalidTransition)
	assert.Equal(t, 1, m.AgentLoad("detector"))
	assert.Equal(t, 1, m.Stats().Completed)

	require.NoError(t, m.UpdateTaskResult(b, map[string]any{"error": "boom"}, false))
	assert.Zero(t, m.AgentLoad("detector"))

	snap, err := m.GetTaskStatus(b)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)
	require.NotNil(t, snap.CompletedAt)

	err = m.AssignTask("missing", "detector")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestPriorityOrdering(t *testing.T) {
	m := newManager(t, Config{})
	low := m.CreateTask("t", nil, domain.PriorityLow)
	normal := m.CreateTask("t", nil, domain.PriorityNormal)
	high := m.CreateTask("t", nil, domain.PriorityHigh)
	urgent := m.CreateTask("t", nil, domain.PriorityUrgent)
	urgent2 := m.CreateTask("t", nil, domain.PriorityUrgent)

	var got []string
	for {
		task, ok := m.NextTask()
		if !ok {
			break
		}
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{urgent, urgent2, high, normal, low}, got)
}

func TestNextTaskSkipsAssigned(t *testing.T) {
	m := newManager(t, Config{})
	a := m.CreateTask("t", nil, domain.PriorityUrgent)
	b := m.CreateTask("t", nil, domain.PriorityLow)
	require.NoError(t, m.AssignTask(a, "x"))

	task, ok := m.NextTask()
	require.True(t, ok)
	assert.Equal(t, b, task.ID)
	assert.Zero(t, m.Stats().QueueDepth)
}

func TestRetryBound(t *testing.T) {
	m := newManager(t, Config{MaxRetries: 3})
	id := m.CreateTask(domain.TaskTypeFixIssues, nil, domain.PriorityHigh)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.AssignTask(id, "fixer"))
		require.NoError(t, m.UpdateTaskResult(id, map[string]any{"error": "flaky"}, false))
		require.True(t, m.RetryTask(id), "retry %d", i)

		snap, err := m.GetTaskStatus(id)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskStatusPending, snap.Status)
		assert.Empty(t, snap.AssignedAgent)
		assert.Empty(t, snap.Error)
		assert.Equal(t, i, snap.RetryCount)
	}

	require.NoError(t, m.AssignTask(id, "fixer"))
	require.NoError(t, m.UpdateTaskResult(id, map[string]any{"error": "flaky"}, false))
	assert.False(t, m.RetryTask(id))

	snap, err := m.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, snap.Status)
	assert.Equal(t, 3, m.Stats().Retried)
	assert.Zero(t, m.AgentLoad("fixer"))

	task, ok := m.NextTask()
	require.False(t, ok, "unexpected queued task %s", task.ID)
}

func TestRetryRequeuesWithOriginalPriority(t *testing.T) {
	m := newManager(t, Config{})
	urgent := m.CreateTask("t", nil, domain.PriorityUrgent)
	low := m.CreateTask("t", nil, domain.PriorityLow)

	task, ok := m.NextTask()
	require.True(t, ok)
	require.Equal(t, urgent, task.ID)
	require.NoError(t, m.AssignTask(urgent, "a"))
	require.NoError(t, m.UpdateTaskResult(urgent, nil, false))
	require.True(t, m.RetryTask(urgent))

	task, ok = m.NextTask()
	require.True(t, ok)
	assert.Equal(t, urgent, task.ID)
	task, ok = m.NextTask()
	require.True(t, ok)
	assert.Equal(t, low, task.ID)
}

func TestGetTaskResultTimeoutLeavesTaskAlone(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))
	require.NoError(t, m.UpdateTaskStatus(id, domain.TaskStatusRunning))

	res, err := m.GetTaskResult(context.Background(), id, 20*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)
	assert.Equal(t, false, res.Result["success"])

	snap, err := m.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, snap.Status)
	assert.NotNil(t, snap.StartedAt)
	assert.Equal(t, 1, m.AgentLoad("a"))
}

func TestGetTaskResultWakesOnCompletion(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = m.UpdateTaskResult(id, map[string]any{"issues": []any{"x"}}, true)
	}()

	start := time.Now()
	res, err := m.GetTaskResult(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, res.Success)
	assert.Equal(t, domain.TaskStatusCompleted, res.Status)
	assert.Len(t, res.Result["issues"], 1)
}

func TestAwaitRetriesHidesIntermediateFailure(t *testing.T) {
	m := newManager(t, Config{AwaitRetries: true, MaxRetries: 1})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))

	got := make(chan domain.TaskResult, 1)
	go func() {
		res, _ := m.GetTaskResult(context.Background(), id, 5*time.Second)
		got <- res
	}()

	require.NoError(t, m.UpdateTaskResult(id, map[string]any{"error": "first"}, false))
	select {
	case res := <-got:
		t.Fatalf("waiter released early with %+v", res)
	case <-time.After(30 * time.Millisecond):
	}

	require.True(t, m.RetryTask(id))
	require.NoError(t, m.AssignTask(id, "a"))
	require.NoError(t, m.UpdateTaskResult(id, map[string]any{"ok": true}, true))

	select {
	case res := <-got:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestFailTaskReleasesWaiters(t *testing.T) {
	m := newManager(t, Config{AwaitRetries: true})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))
	require.NoError(t, m.UpdateTaskResult(id, nil, false))
	require.NoError(t, m.FailTask(id, "agent gone"))

	res, err := m.GetTaskResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "agent gone", res.Error)
}

func TestCancelTask(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))
	require.NoError(t, m.CancelTask(id))
	assert.Zero(t, m.AgentLoad("a"))

	res, err := m.GetTaskResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, res.Status)

	require.ErrorIs(t, m.CancelTask(id), ErrInvalidTransition)
	require.ErrorIs(t, m.UpdateTaskResult(id, nil, true), ErrInvalidTransition)
	_, ok := m.NextTask()
	assert.False(t, ok)
}

func TestUpdateTaskStatusRejectsTerminal(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.ErrorIs(t, m.UpdateTaskStatus(id, domain.TaskStatusCompleted), ErrInvalidTransition)
	require.ErrorIs(t, m.UpdateTaskStatus("nope", domain.TaskStatusRunning), ErrTaskNotFound)
}

func TestSweepTrimsLoadsCountsOverdueAndEvicts(t *testing.T) {
	m := newManager(t, Config{MaxHistory: 1, TaskTimeout: time.Minute})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	first := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(first, "a"))
	require.NoError(t, m.UpdateTaskResult(first, nil, true))

	clock = clock.Add(time.Second)
	second := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.UpdateTaskResult(second, nil, true))

	stuck := m.CreateTask("t", nil, domain.PriorityNormal)
	clock = clock.Add(2 * time.Minute)

	m.Sweep()

	stats := m.Stats()
	assert.NotContains(t, stats.AgentLoads, "a")
	assert.Equal(t, 1, stats.Overdue)
	assert.Equal(t, 2, stats.TotalTasks)

	_, err := m.GetTaskStatus(first)
	require.ErrorIs(t, err, ErrTaskNotFound)
	_, err = m.GetTaskStatus(second)
	require.NoError(t, err)
	_, err = m.GetTaskStatus(stuck)
	require.NoError(t, err)
}

func TestAverageCompletionTime(t *testing.T) {
	m := newManager(t, Config{})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	a := m.CreateTask("t", nil, domain.PriorityNormal)
	b := m.CreateTask("t", nil, domain.PriorityNormal)
	clock = clock.Add(2 * time.Second)
	require.NoError(t, m.UpdateTaskResult(a, nil, true))
	clock = clock.Add(2 * time.Second)
	require.NoError(t, m.UpdateTaskResult(b, nil, true))

	assert.InDelta(t, 3.0, m.Stats().AverageCompletionTime, 1e-9)
}

func TestStartStopSweepLoop(t *testing.T) {
	m := newManager(t, Config{SweepInterval: 5 * time.Millisecond})
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	m.Stop(ctx)
	m.Stop(ctx)
}

func TestLateResultKeepsTerminalOutcome(t *testing.T) {
	m := newManager(t, Config{})
	done := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(done, "a"))
	require.NoError(t, m.UpdateTaskResult(done, map[string]any{"issues": []any{"x"}}, true))
	require.ErrorIs(t, m.UpdateTaskResult(done, map[string]any{"error": "late"}, false), ErrInvalidTransition)

	snap, err := m.GetTaskStatus(done)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, snap.Status)
	assert.Len(t, snap.Result["issues"], 1)

	timedOut := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(timedOut, "a"))
	require.NoError(t, m.FailTask(timedOut, "timeout"))
	require.ErrorIs(t, m.UpdateTaskResult(timedOut, map[string]any{"ok": true}, true), ErrInvalidTransition)

	snap, err = m.GetTaskStatus(timedOut)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, snap.Status)
	assert.Equal(t, "timeout", snap.Error)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}

func TestFailTaskIsFinal(t *testing.T) {
	m := newManager(t, Config{MaxRetries: 3, AwaitRetries: true})
	id := m.CreateTask("t", nil, domain.PriorityNormal)
	require.NoError(t, m.AssignTask(id, "a"))
	require.NoError(t, m.FailTask(id, "timeout"))

	assert.False(t, m.RetryTask(id))
	assert.False(t, m.RetryTaskOn(id, "a"))

	snap, err := m.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, snap.Status)
	assert.Zero(t, snap.RetryCount)
	assert.Zero(t, m.Stats().Retried)

	res, err := m.GetTaskResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "timeout", res.Error)
}

func TestRetryTaskOnAssignsDirectly(t *testing.T) {
	m := newManager(t, Config{MaxRetries: 1})
	id := m.CreateAssignedTask("t", nil, domain.PriorityHigh, "a")
	require.NoError(t, m.UpdateTaskResult(id, nil, false))

	require.True(t, m.RetryTaskOn(id, "a"))
	snap, err := m.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, snap.Status)
	assert.Equal(t, "a", snap.AssignedAgent)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, 1, m.AgentLoad("a"))
	assert.Zero(t, m.Stats().QueueDepth)

	require.NoError(t, m.UpdateTaskResult(id, nil, false))
	assert.False(t, m.RetryTaskOn(id, "a"))
}

func TestCreateAssignedTaskSkipsQueue(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateAssignedTask(domain.TaskTypeFixIssues, map[string]any{"k": "v"}, domain.PriorityUrgent, "fixer")

	snap, err := m.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusAssigned, snap.Status)
	assert.Equal(t, "fixer", snap.AssignedAgent)
	assert.Equal(t, 1, m.AgentLoad("fixer"))
	assert.Equal(t, 1, m.Stats().Created)

	_, ok := m.NextTask()
	assert.False(t, ok)
}

func TestClaimNextPicksLeastLoadedCandidate(t *testing.T) {
	m := newManager(t, Config{})
	busy := m.CreateTask("lint", nil, domain.PriorityLow)
	require.NoError(t, m.AssignTask(busy, "a"))
	orphan := m.CreateTask("translate", nil, domain.PriorityUrgent)
	low := m.CreateTask("lint", nil, domain.PriorityLow)
	high := m.CreateTask("lint", nil, domain.PriorityHigh)

	candidates := func(task domain.Task) []string {
		if task.Type == "lint" {
			return []string{"a", "b"}
		}
		return nil
	}

	task, ok := m.ClaimNext(candidates)
	require.True(t, ok)
	assert.Equal(t, high, task.ID)
	assert.Equal(t, "b", task.AssignedAgent)
	assert.Equal(t, domain.TaskStatusAssigned, task.Status)

	task, ok = m.ClaimNext(candidates)
	require.True(t, ok)
	assert.Equal(t, low, task.ID)
	assert.Equal(t, "a", task.AssignedAgent)

	_, ok = m.ClaimNext(candidates)
	assert.False(t, ok)

	// The unmatched task is still queued for a later claim.
	assert.Equal(t, 1, m.Stats().QueueDepth)
	task, ok = m.NextTask()
	require.True(t, ok)
	assert.Equal(t, orphan, task.ID)
}

func TestClaimTask(t *testing.T) {
	m := newManager(t, Config{})
	id := m.CreateTask("t", nil, domain.PriorityNormal)

	claimed, err := m.ClaimTask(id, "a")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = m.ClaimTask(id, "a")
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, 1, m.AgentLoad("a"))

	_, err = m.ClaimTask(id, "b")
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.ClaimTask("missing", "a")
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestQueueIsCompacted(t *testing.T) {
	m := newManager(t, Config{MaxHistory: 10})
	for i := 0; i < 1000; i++ {
		id := m.CreateTask("t", map[string]any{"i": i}, domain.PriorityNormal)
		require.NoError(t, m.AssignTask(id, "a"))
		require.NoError(t, m.UpdateTaskResult(id, nil, true))
	}
	assert.Less(t, len(m.queue), 2*minCompactAt)

	m.Sweep()
	assert.Empty(t, m.queue)
	assert.Equal(t, 10, m.Stats().TotalTasks)
	_, ok := m.NextTask()
	assert.False(t, ok)
}
