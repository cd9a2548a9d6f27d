// Package taskmanager owns task identity, priority scheduling, result waits,
// retries and per-agent load accounting.
package taskmanager

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeagent/internal/domain"
	"codeagent/internal/metrics"
)

// minCompactAt is the queue length below which stale items are left for
// NextTask and ClaimNext to skip.
const minCompactAt = 64

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

type Config struct {
	TaskTimeout   time.Duration
	MaxRetries    int
	SweepInterval time.Duration
	// MaxHistory bounds how many terminal tasks are kept; 0 keeps all.
	MaxHistory int
	// AwaitRetries keeps waiters blocked on a failed task that still has
	// retry budget, so they observe only the final outcome. Set it when some
	// component retries failed tasks automatically.
	AwaitRetries bool
}

func (c Config) withDefaults() Config {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.MaxHistory < 0 {
		c.MaxHistory = 0
	}
	return c
}

type Stats struct {
	TotalTasks            int            `json:"total_tasks"`
	ByStatus              map[string]int `json:"by_status"`
	QueueDepth            int            `json:"queue_depth"`
	AgentLoads            map[string]int `json:"agent_loads"`
	AverageCompletionTime float64        `json:"average_completion_time_seconds"`
	Created               int            `json:"tasks_created"`
	Completed             int            `json:"tasks_completed"`
	Failed                int            `json:"tasks_failed"`
	Retried               int            `json:"tasks_retried"`
	Cancelled             int            `json:"tasks_cancelled"`
	Overdue               int            `json:"tasks_overdue"`
}

type entry struct {
	task     domain.Task
	queueSeq uint64
	loaded   bool
	done     chan struct{}
	settled  bool
	// final marks a failure or cancellation that no retry may undo.
	final    bool
}

type Manager struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	tasks     map[string]*entry
	queue     taskQueue
	compactAt int
	seq       uint64
	loads     map[string]int
	avg       time.Duration
	counts    struct {
		created, completed, failed, retried, cancelled, overdue int
	}

	lifecycleMu sync.Mutex
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("tasks"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		tasks:     make(map[string]*entry),
		loads:     make(map[string]int),
		compactAt: minCompactAt,
	}
}

// SetAwaitRetries toggles AwaitRetries after construction.
func (m *Manager) SetAwaitRetries(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.AwaitRetries = v
}

func (m *Manager) MaxRetries() int { return m.cfg.MaxRetries }

// CreateTask stores a pending task and queues it. The returned id is a fresh
// UUID.
func (m *Manager) CreateTask(taskType string, data map[string]any, priority domain.Priority) string {
	if priority < domain.PriorityLow || priority > domain.PriorityUrgent {
		priority = domain.PriorityNormal
	}
	now := m.now()
	id := uuid.NewString()

	m.mu.Lock()
	e := &entry{
		task: domain.Task{
			ID:        id,
			Type:      taskType,
			Data:      cloneMap(data),
			Status:    domain.TaskStatusPending,
			Priority:  priority,
			CreatedAt: now,
			TimeoutAt: now.Add(m.cfg.TaskTimeout),
		},
		done: make(chan struct{}),
	}
	m.tasks[id] = e
	m.enqueueLocked(e)
	m.counts.created++
	m.mu.Unlock()

	m.metrics.TaskCreated(taskType)
	m.logger.Debug("task created",
		zap.String("task_id", id),
		zap.String("task_type", taskType),
		zap.String("priority", priority.String()),
	)
	return id
}

// CreateAssignedTask stores a task already assigned to agentID. It never
// enters the queue, so a dispatcher cannot hand it to another agent.
func (m *Manager) CreateAssignedTask(taskType string, data map[string]any, priority domain.Priority, agentID string) string {
	if priority < domain.PriorityLow || priority > domain.PriorityUrgent {
		priority = domain.PriorityNormal
	}
	now := m.now()
	id := uuid.NewString()

	m.mu.Lock()
	m.tasks[id] = &entry{
		task: domain.Task{
			ID:            id,
			Type:          taskType,
			Data:          cloneMap(data),
			Status:        domain.TaskStatusAssigned,
			Priority:      priority,
			AssignedAgent: agentID,
			CreatedAt:     now,
			TimeoutAt:     now.Add(m.cfg.TaskTimeout),
		},
		loaded: true,
		done:   make(chan struct{}),
	}
	m.loads[agentID]++
	m.counts.created++
	m.mu.Unlock()

	m.metrics.TaskCreated(taskType)
	m.logger.Debug("task created",
		zap.String("task_id", id),
		zap.String("task_type", taskType),
		zap.String("priority", priority.String()),
		zap.String("agent_id", agentID),
	)
	return id
}

func (m *Manager) enqueueLocked(e *entry) {
	if len(m.queue) >= m.compactAt {
		m.compactLocked()
	}
	m.seq++
	e.queueSeq = m.seq
	m.queue.push(queueItem{taskID: e.task.ID, priority: e.task.Priority, seq: m.seq})
}

// compactLocked drops queue items whose task is gone, no longer pending or
// was re-queued under a newer sequence number.
func (m *Manager) compactLocked() {
	live := m.queue[:0]
	for _, item := range m.queue {
		if m.liveLocked(item) {
			live = append(live, item)
		}
	}
	clear(m.queue[len(live):])
	m.queue = live
	heap.Init(&m.queue)
	m.compactAt = max(minCompactAt, 2*len(m.queue))
}

func (m *Manager) liveLocked(item queueItem) bool {
	e, ok := m.tasks[item.taskID]
	return ok && e.queueSeq == item.seq && e.task.Status == domain.TaskStatusPending
}

// NextTask pops the most urgent pending task. The task stays pending; the
// caller is expected to assign it.
func (m *Manager) NextTask() (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		item, ok := m.queue.pop()
		if !ok {
			return domain.Task{}, false
		}
		if !m.liveLocked(item) {
			continue
		}
		return copyTask(m.tasks[item.taskID].task), true
	}
}

// ClaimNext assigns the most urgent pending task that has a candidate agent.
// candidates lists the agents able to run a task; the least loaded one wins,
// ties going to the earlier entry. Tasks without candidates keep their place
// in the queue.
func (m *Manager) ClaimNext(candidates func(domain.Task) []string) (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var skipped []queueItem
	defer func() {
		for _, item := range skipped {
			m.queue.push(item)
		}
	}()
	for {
		item, ok := m.queue.pop()
		if !ok {
			return domain.Task{}, false
		}
		if !m.liveLocked(item) {
			continue
		}
		e := m.tasks[item.taskID]
		agentID := ""
		for _, id := range candidates(copyTask(e.task)) {
			if agentID == "" || m.loads[id] < m.loads[agentID] {
				agentID = id
			}
		}
		if agentID == "" {
			skipped = append(skipped, item)
			continue
		}
		m.assignLocked(e, agentID)
		return copyTask(e.task), true
	}
}

// ClaimTask assigns a pending task to agentID. It reports false without error
// when the task already went to agentID, so a caller racing the dispatcher
// for the same agent does not send it twice.
func (m *Manager) ClaimTask(taskID, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("claim %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status == domain.TaskStatusPending {
		m.assignLocked(e, agentID)
		return true, nil
	}
	if e.task.AssignedAgent == agentID {
		return false, nil
	}
	return false, fmt.Errorf("claim %s in status %s for %s: %w", taskID, e.task.Status, agentID, ErrInvalidTransition)
}

func (m *Manager) AssignTask(taskID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("assign %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status.IsTerminal() {
		return fmt.Errorf("assign %s in status %s: %w", taskID, e.task.Status, ErrInvalidTransition)
	}
	m.assignLocked(e, agentID)
	return nil
}

func (m *Manager) assignLocked(e *entry, agentID string) {
	if e.loaded && e.task.AssignedAgent != "" {
		m.releaseLoadLocked(e)
	}
	e.task.Status = domain.TaskStatusAssigned
	e.task.AssignedAgent = agentID
	e.loaded = true
	e.queueSeq = 0
	m.loads[agentID]++
}

// UpdateTaskStatus records a non-terminal progress transition reported by an
// agent. Terminal outcomes go through UpdateTaskResult.
func (m *Manager) UpdateTaskStatus(taskID string, status domain.TaskStatus) error {
	if status.IsTerminal() || status == domain.TaskStatusPending {
		return fmt.Errorf("set %s to %s: %w", taskID, status, ErrInvalidTransition)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("update %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status.IsTerminal() {
		return fmt.Errorf("set %s to %s from %s: %w", taskID, status, e.task.Status, ErrInvalidTransition)
	}
	e.task.Status = status
	if (status == domain.TaskStatusRunning || status == domain.TaskStatusProcessing) && e.task.StartedAt == nil {
		now := m.now()
		e.task.StartedAt = &now
	}
	return nil
}

// UpdateTaskResult records the outcome of the current attempt. A task that
// already reached a terminal status keeps it: late or duplicate results are
// rejected until RetryTask starts a new attempt.
func (m *Manager) UpdateTaskResult(taskID string, result map[string]any, success bool) error {
	m.mu.Lock()

	e, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update result %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("update result %s in status %s: %w", taskID, e.task.Status, ErrInvalidTransition)
	}

	now := m.now()
	e.task.CompletedAt = &now
	e.task.Result = cloneMap(result)
	m.releaseLoadLocked(e)

	start := e.task.CreatedAt
	if e.task.StartedAt != nil {
		start = *e.task.StartedAt
	}
	elapsed := now.Sub(start)

	if success {
		e.task.Status = domain.TaskStatusCompleted
		e.task.Error = ""
		m.counts.completed++
		n := time.Duration(m.counts.completed)
		m.avg = (m.avg*(n-1) + elapsed) / n
		m.settleLocked(e)
	} else {
		e.task.Status = domain.TaskStatusFailed
		e.task.Error = failureReason(result)
		m.counts.failed++
		if !m.cfg.AwaitRetries || e.task.RetryCount >= m.cfg.MaxRetries {
			m.settleLocked(e)
		}
	}
	snap := e.task
	m.mu.Unlock()

	m.metrics.TaskFinished(snap.Type, string(snap.Status), elapsed.Seconds())
	m.logger.Debug("task result recorded",
		zap.String("task_id", taskID),
		zap.String("status", string(snap.Status)),
		zap.String("agent_id", snap.AssignedAgent),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// FailTask marks the task permanently failed and releases its waiters,
// regardless of retry budget. RetryTask refuses it afterwards.
func (m *Manager) FailTask(taskID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("fail %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status == domain.TaskStatusCompleted || e.task.Status == domain.TaskStatusCancelled {
		return fmt.Errorf("fail %s in status %s: %w", taskID, e.task.Status, ErrInvalidTransition)
	}
	if e.task.Status != domain.TaskStatusFailed {
		m.counts.failed++
	}
	now := m.now()
	e.task.Status = domain.TaskStatusFailed
	e.task.Error = reason
	e.task.CompletedAt = &now
	e.final = true
	m.releaseLoadLocked(e)
	m.settleLocked(e)
	return nil
}

// RetryTask resets a task to pending and re-queues it with its original
// priority while retry budget remains. It returns false once the budget is
// spent or the task was failed with FailTask, leaving the task failed.
func (m *Manager) RetryTask(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok || !m.resetLocked(e) {
		return false
	}
	m.enqueueLocked(e)
	return true
}

// RetryTaskOn is RetryTask that hands the new attempt straight to agentID
// instead of queueing it.
func (m *Manager) RetryTaskOn(taskID, agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok || !m.resetLocked(e) {
		return false
	}
	m.assignLocked(e, agentID)
	return true
}

func (m *Manager) resetLocked(e *entry) bool {
	if e.final || e.task.RetryCount >= m.cfg.MaxRetries {
		if e.task.Status == domain.TaskStatusFailed {
			m.settleLocked(e)
		}
		return false
	}
	if e.task.Status == domain.TaskStatusCompleted || e.task.Status == domain.TaskStatusCancelled {
		return false
	}

	e.task.RetryCount++
	m.releaseLoadLocked(e)
	e.task.Status = domain.TaskStatusPending
	e.task.AssignedAgent = ""
	e.task.Error = ""
	e.task.StartedAt = nil
	e.task.CompletedAt = nil
	e.task.Result = nil
	e.task.TimeoutAt = m.now().Add(m.cfg.TaskTimeout)
	if e.settled {
		e.done = make(chan struct{})
		e.settled = false
	}
	m.counts.retried++

	m.logger.Info("task retried",
		zap.String("task_id", e.task.ID),
		zap.Int("attempt", e.task.RetryCount),
		zap.Int("max_retries", m.cfg.MaxRetries),
	)
	return true
}

// CancelTask moves an unfinished task to cancelled.
func (m *Manager) CancelTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", taskID, ErrTaskNotFound)
	}
	if e.task.Status == domain.TaskStatusCompleted || e.task.Status == domain.TaskStatusCancelled {
		return fmt.Errorf("cancel %s in status %s: %w", taskID, e.task.Status, ErrInvalidTransition)
	}
	now := m.now()
	e.task.Status = domain.TaskStatusCancelled
	e.task.CompletedAt = &now
	e.final = true
	if e.task.Error == "" {
		e.task.Error = "cancelled"
	}
	m.releaseLoadLocked(e)
	m.settleLocked(e)
	m.counts.cancelled++
	return nil
}

// GetTaskResult returns the settled outcome of a task, waiting up to timeout.
// On timeout it returns a synthetic failed result and leaves the task alone.
func (m *Manager) GetTaskResult(ctx context.Context, taskID string, timeout time.Duration) (domain.TaskResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		e, ok := m.tasks[taskID]
		if !ok {
			m.mu.Unlock()
			return domain.TaskResult{}, fmt.Errorf("result %s: %w", taskID, ErrTaskNotFound)
		}
		if e.settled {
			res := resultOf(e.task)
			m.mu.Unlock()
			return res, nil
		}
		done := e.done
		m.mu.Unlock()

		select {
		case <-done:
		case <-timer.C:
			return domain.TaskResult{
				TaskID:   taskID,
				Status:   domain.TaskStatusFailed,
				Success:  false,
				Result:   map[string]any{"error": "timeout", "success": false},
				Error:    "timeout",
				TimedOut: true,
			}, nil
		case <-ctx.Done():
			return domain.TaskResult{
				TaskID:  taskID,
				Status:  domain.TaskStatusFailed,
				Success: false,
				Error:   ctx.Err().Error(),
			}, ctx.Err()
		}
	}
}

func (m *Manager) GetTaskStatus(taskID string) (domain.TaskSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return domain.TaskSnapshot{}, fmt.Errorf("status %s: %w", taskID, ErrTaskNotFound)
	}
	return snapshotOf(e.task), nil
}

func (m *Manager) GetTask(taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return copyTask(e.task), nil
}

// ListTasks returns snapshots ordered by creation time.
func (m *Manager) ListTasks() []domain.TaskSnapshot {
	m.mu.Lock()
	out := make([]domain.TaskSnapshot, 0, len(m.tasks))
	for _, e := range m.tasks {
		out = append(out, snapshotOf(e.task))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) AgentLoad(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads[agentID]
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[string]int)
	for _, e := range m.tasks {
		byStatus[string(e.task.Status)]++
	}
	return Stats{
		TotalTasks:            len(m.tasks),
		ByStatus:              byStatus,
		QueueDepth:            m.pendingLocked(),
		AgentLoads:            maps.Clone(m.loads),
		AverageCompletionTime: m.avg.Seconds(),
		Created:               m.counts.created,
		Completed:             m.counts.completed,
		Failed:                m.counts.failed,
		Retried:               m.counts.retried,
		Cancelled:             m.counts.cancelled,
		Overdue:               m.counts.overdue,
	}
}

func (m *Manager) pendingLocked() int {
	n := 0
	for _, item := range m.queue {
		if m.liveLocked(item) {
			n++
		}
	}
	return n
}

// Start runs the background sweep until Stop or ctx is done.
func (m *Manager) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.sweepLoop(ctx, m.stopCh, m.doneCh)
}

func (m *Manager) Stop(ctx context.Context) {
	m.lifecycleMu.Lock()
	stopCh, doneCh := m.stopCh, m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.lifecycleMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-doneCh:
	case <-ctx.Done():
		m.logger.Warn("task sweep stop interrupted", zap.Error(ctx.Err()))
	}
}

func (m *Manager) sweepLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep trims idle load entries, counts overdue tasks, evicts the oldest
// terminal tasks beyond MaxHistory and compacts the queue.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for agentID, load := range m.loads {
		if load <= 0 {
			delete(m.loads, agentID)
		}
	}

	now := m.now()
	overdue := 0
	var terminal []*entry
	for _, e := range m.tasks {
		if !e.task.Status.IsTerminal() && now.After(e.task.TimeoutAt) {
			overdue++
		}
		if e.settled && e.task.Status.IsTerminal() {
			terminal = append(terminal, e)
		}
	}
	if overdue > 0 {
		m.logger.Warn("tasks past their deadline", zap.Int("count", overdue))
	}
	m.counts.overdue = overdue
	defer m.compactLocked()

	if m.cfg.MaxHistory == 0 || len(terminal) <= m.cfg.MaxHistory {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return completedAt(terminal[i]).Before(completedAt(terminal[j]))
	})
	evict := len(terminal) - m.cfg.MaxHistory
	for _, e := range terminal[:evict] {
		delete(m.tasks, e.task.ID)
	}
	m.logger.Debug("evicted finished tasks", zap.Int("count", evict))
}

func (m *Manager) releaseLoadLocked(e *entry) {
	if !e.loaded {
		return
	}
	e.loaded = false
	agentID := e.task.AssignedAgent
	if m.loads[agentID] > 0 {
		m.loads[agentID]--
	}
}

func (m *Manager) settleLocked(e *entry) {
	if e.settled {
		return
	}
	e.settled = true
	close(e.done)
}

func completedAt(e *entry) time.Time {
	if e.task.CompletedAt != nil {
		return *e.task.CompletedAt
	}
	return e.task.CreatedAt
}

func failureReason(result map[string]any) string {
	if v, ok := result["error"].(string); ok && v != "" {
		return v
	}
	return "task failed"
}

func resultOf(t domain.Task) domain.TaskResult {
	return domain.TaskResult{
		TaskID:  t.ID,
		Status:  t.Status,
		Success: t.Status == domain.TaskStatusCompleted,
		Result:  cloneMap(t.Result),
		Error:   t.Error,
	}
}

func snapshotOf(t domain.Task) domain.TaskSnapshot {
	return domain.TaskSnapshot{
		ID:            t.ID,
		Type:          t.Type,
		AssignedAgent: t.AssignedAgent,
		Status:        t.Status,
		Priority:      t.Priority,
		CreatedAt:     t.CreatedAt,
		StartedAt:     copyTime(t.StartedAt),
		CompletedAt:   copyTime(t.CompletedAt),
		TimeoutAt:     t.TimeoutAt,
		RetryCount:    t.RetryCount,
		Result:        cloneMap(t.Result),
		Error:         t.Error,
	}
}

func copyTask(t domain.Task) domain.Task {
	t.Data = cloneMap(t.Data)
	t.Result = cloneMap(t.Result)
	t.StartedAt = copyTime(t.StartedAt)
	t.CompletedAt = copyTime(t.CompletedAt)
	return t
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	return maps.Clone(in)
}
