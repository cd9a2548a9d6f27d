package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"codeagent/internal/decision"
	"codeagent/internal/domain"
	"codeagent/internal/fs"
	"codeagent/internal/messaging"
	"codeagent/internal/messaging/inproc"
	"codeagent/internal/metrics"
	"codeagent/internal/taskmanager"
)

// CoordinatorID is the bus address of the coordinator itself.
const CoordinatorID = "coordinator"

var (
	ErrAgentNotRegistered = errors.New("agent not registered")
	ErrAgentExists        = errors.New("agent already registered")
	ErrNotRunning         = errors.New("coordinator is not running")
)

// AuditStore receives an append-only record of what the coordinator did.
// Write failures are logged and otherwise ignored.
type AuditStore interface {
	SaveWorkflow(ctx context.Context, wf domain.Workflow) error
	LogTaskEvent(ctx context.Context, ev domain.TaskEvent) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
}

type Config struct {
	AgentPollInterval     time.Duration
	AgentTaskCeiling      time.Duration
	DetectionTimeout      time.Duration
	TestGenerationTimeout time.Duration
	FixTimeout            time.Duration
	ShutdownGrace         time.Duration
	// DispatchInterval paces the loop that hands queued tasks to agents.
	DispatchInterval time.Duration
	// AutoRetry re-assigns failed tasks to the same agent while retry budget
	// remains.
	AutoRetry            bool
	EnableTestGeneration bool
	DetectionAgent       string
	FixAgent             string
	TestAgent            string
	// MaxWorkflows bounds the finished workflows kept in memory.
	MaxWorkflows int
}

func (c Config) withDefaults() Config {
	if c.AgentPollInterval <= 0 {
		c.AgentPollInterval = 100 * time.Millisecond
	}
	if c.AgentTaskCeiling <= 0 {
		c.AgentTaskCeiling = 30 * time.Minute
	}
	if c.DetectionTimeout <= 0 {
		c.DetectionTimeout = 600 * time.Second
	}
	if c.TestGenerationTimeout <= 0 {
		c.TestGenerationTimeout = 300 * time.Second
	}
	if c.FixTimeout <= 0 {
		c.FixTimeout = 900 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 2 * time.Second
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 250 * time.Millisecond
	}
	if c.DetectionAgent == "" {
		c.DetectionAgent = "bug_detection_agent"
	}
	if c.FixAgent == "" {
		c.FixAgent = "fix_agent"
	}
	if c.TestAgent == "" {
		c.TestAgent = "test_generation_agent"
	}
	if c.MaxWorkflows <= 0 {
		c.MaxWorkflows = 100
	}
	return c
}

// Deps are the components the coordinator drives. Nil Bus, Tasks or
// Decisions are built with default settings; Workspace and Audit are
// optional.
type Deps struct {
	Bus       *inproc.Bus
	Tasks     *taskmanager.Manager
	Decisions *decision.Engine
	Workspace *fs.Workspace
	Audit     AuditStore
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Coordinator struct {
	cfg       Config
	bus       *inproc.Bus
	tasks     *taskmanager.Manager
	decisions *decision.Engine
	workspace *fs.Workspace
	audit     AuditStore
	logger    *zap.Logger
	metrics   *metrics.Metrics

	runCtx context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
	wake   chan struct{}

	lifecycleMu sync.Mutex
	running     bool
	startedAt   time.Time

	agentsMu sync.RWMutex
	agents   map[string]*agentEntry

	wfMu      sync.Mutex
	workflows map[string]*domain.Workflow
	wfOrder   []string

	errorsReceived atomic.Int64
}

func New(cfg Config, deps Deps) *Coordinator {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := deps.Bus
	if bus == nil {
		bus = inproc.New(inproc.Config{}, logger, deps.Metrics)
	}
	tasks := deps.Tasks
	if tasks == nil {
		tasks = taskmanager.New(taskmanager.Config{}, logger, deps.Metrics)
	}
	decisions := deps.Decisions
	if decisions == nil {
		decisions = decision.New(decision.Config{}, nil, nil, logger, deps.Metrics)
	}
	tasks.SetAwaitRetries(cfg.AutoRetry)

	runCtx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		bus:       bus,
		tasks:     tasks,
		decisions: decisions,
		workspace: deps.Workspace,
		audit:     deps.Audit,
		logger:    logger.Named("coordinator"),
		metrics:   deps.Metrics,
		runCtx:    runCtx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		agents:    make(map[string]*agentEntry),
		workflows: make(map[string]*domain.Workflow),
	}
}

// Start registers the coordinator on the bus and starts the bus and the task
// manager.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	if c.running {
		return nil
	}

	c.bus.Register(CoordinatorID, c.handleMessage)
	c.bus.Subscribe(messaging.EventTaskCompleted, CoordinatorID, nil)
	c.bus.Subscribe(messaging.EventTaskFailed, CoordinatorID, nil)
	c.bus.Subscribe(messaging.EventAgentStarted, CoordinatorID, nil)
	c.bus.Subscribe(messaging.EventAgentStopped, CoordinatorID, nil)
	c.bus.Subscribe(messaging.EventSystemError, CoordinatorID, nil)

	if err := c.bus.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	c.tasks.Start(ctx)
	c.spawn(c.dispatchLoop)

	c.running = true
	c.startedAt = time.Now().UTC()
	c.logger.Info("coordinator started",
		zap.String("detection_agent", c.cfg.DetectionAgent),
		zap.String("fix_agent", c.cfg.FixAgent),
		zap.Bool("auto_retry", c.cfg.AutoRetry),
	)
	return nil
}

// Stop shuts components down in reverse order. Each one gets the shutdown
// grace; a component that overruns it is logged and left behind.
func (c *Coordinator) Stop(ctx context.Context) {
	c.lifecycleMu.Lock()
	if !c.running {
		c.lifecycleMu.Unlock()
		return
	}
	c.running = false
	c.lifecycleMu.Unlock()

	c.agentsMu.Lock()
	entries := make([]*agentEntry, 0, len(c.agents))
	for _, e := range c.agents {
		entries = append(entries, e)
	}
	c.agentsMu.Unlock()
	for _, e := range entries {
		c.stopAgent(ctx, e)
	}

	c.cancel()
	if !waitGroupTimeout(&c.bg, c.cfg.ShutdownGrace) {
		c.logger.Warn("background work did not finish in time", zap.Duration("grace", c.cfg.ShutdownGrace))
	}

	busCtx, cancelBus := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	c.bus.Stop(busCtx)
	cancelBus()

	taskCtx, cancelTasks := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	c.tasks.Stop(taskCtx)
	cancelTasks()

	c.logger.Info("coordinator stopped")
}

func (c *Coordinator) isRunning() bool {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	return c.running
}

// CreateTask queues a new pending task and announces it. The dispatch loop
// hands it to a capable agent unless AssignTask gets there first.
func (c *Coordinator) CreateTask(ctx context.Context, taskType string, data map[string]any, priority domain.Priority) string {
	taskID := c.tasks.CreateTask(taskType, data, priority)
	c.announceTask(ctx, taskID, taskType, data, priority)
	c.kick()
	return taskID
}

// SubmitTask creates a task bound to agentID and sends it there. The task
// never enters the queue.
func (c *Coordinator) SubmitTask(ctx context.Context, taskType string, data map[string]any, priority domain.Priority, agentID string) (string, error) {
	if !c.hasAgent(agentID) {
		return "", fmt.Errorf("submit %s to %s: %w", taskType, agentID, ErrAgentNotRegistered)
	}
	taskID := c.tasks.CreateAssignedTask(taskType, data, priority, agentID)
	c.announceTask(ctx, taskID, taskType, data, priority)

	task, err := c.tasks.GetTask(taskID)
	if err != nil {
		return taskID, err
	}
	if err := c.deliver(ctx, task, agentID); err != nil {
		_ = c.tasks.FailTask(taskID, err.Error())
		return taskID, err
	}
	return taskID, nil
}

func (c *Coordinator) announceTask(ctx context.Context, taskID, taskType string, data map[string]any, priority domain.Priority) {
	c.logTaskEvent(ctx, domain.TaskEvent{
		TaskID:     taskID,
		WorkflowID: workflowIDOf(data),
		TaskType:   taskType,
		Status:     domain.TaskStatusPending,
	})
	if err := c.bus.Publish(ctx, messaging.EventTaskCreated, map[string]any{
		"task_id":   taskID,
		"task_type": taskType,
		"priority":  priority.String(),
	}, CoordinatorID, "", true); err != nil {
		c.logger.Debug("task_created not published", zap.String("task_id", taskID), zap.Error(err))
	}
}

// AssignTask claims a pending task for agentID and sends it there. A task
// the dispatch loop already gave to the same agent is left alone.
func (c *Coordinator) AssignTask(ctx context.Context, taskID, agentID string) error {
	if !c.hasAgent(agentID) {
		return fmt.Errorf("assign %s to %s: %w", taskID, agentID, ErrAgentNotRegistered)
	}
	claimed, err := c.tasks.ClaimTask(taskID, agentID)
	if err != nil || !claimed {
		return err
	}
	task, err := c.tasks.GetTask(taskID)
	if err != nil {
		return err
	}
	return c.deliver(ctx, task, agentID)
}

// deliver sends an assigned task to its agent and records the assignment.
func (c *Coordinator) deliver(ctx context.Context, task domain.Task, agentID string) error {
	if err := c.bus.SendTask(ctx, CoordinatorID, agentID, task.ID, task.Type, task.Data); err != nil {
		return fmt.Errorf("send task %s to %s: %w", task.ID, agentID, err)
	}

	c.logTaskEvent(ctx, domain.TaskEvent{
		TaskID:     task.ID,
		WorkflowID: workflowIDOf(task.Data),
		TaskType:   task.Type,
		AgentID:    agentID,
		Status:     domain.TaskStatusAssigned,
	})
	c.logger.Debug("task assigned",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.Int("attempt", task.RetryCount),
	)
	return nil
}

func (c *Coordinator) GetTaskStatus(taskID string) (domain.TaskSnapshot, error) {
	return c.tasks.GetTaskStatus(taskID)
}

func (c *Coordinator) GetTaskResult(ctx context.Context, taskID string, timeout time.Duration) (domain.TaskResult, error) {
	return c.tasks.GetTaskResult(ctx, taskID, timeout)
}

func (c *Coordinator) ListTasks() []domain.TaskSnapshot {
	return c.tasks.ListTasks()
}

// handleMessage is the coordinator's own bus handler.
func (c *Coordinator) handleMessage(ctx context.Context, msg messaging.Message) error {
	switch m := msg.(type) {
	case *messaging.ResultMessage:
		c.onResult(ctx, m)
	case *messaging.EventMessage:
		c.onEvent(ctx, m)
	case *messaging.StatusMessage:
		c.onStatus(m)
	case *messaging.ErrorMessage:
		c.errorsReceived.Add(1)
		c.logger.Warn("agent reported error",
			zap.String("agent_id", m.SourceAgent),
			zap.String("code", m.ErrorCode),
			zap.String("error", m.ErrorMessage),
			zap.Any("details", m.Details),
		)
	case *messaging.TaskMessage:
		c.logger.Warn("coordinator does not execute tasks",
			zap.String("task_id", m.TaskID),
			zap.String("source", m.SourceAgent),
		)
	}
	return nil
}

func (c *Coordinator) onResult(ctx context.Context, m *messaging.ResultMessage) {
	status := domain.TaskStatusFailed
	if m.Status == messaging.ResultCompleted {
		status = domain.TaskStatusCompleted
	}
	result := m.Result
	if m.Error != "" {
		if _, ok := result["error"]; !ok {
			result = copyMap(result)
			result["error"] = m.Error
		}
	}
	success := domain.ResultSucceeded(status, result)

	if err := c.tasks.UpdateTaskResult(m.TaskID, result, success); err != nil {
		c.logger.Warn("result not recorded",
			zap.String("task_id", m.TaskID),
			zap.String("agent_id", m.SourceAgent),
			zap.Error(err),
		)
		return
	}
	snap, err := c.tasks.GetTaskStatus(m.TaskID)
	if err != nil {
		return
	}
	wfID := c.workflowOfTask(m.TaskID)

	payload, _ := json.Marshal(result)
	c.logTaskEvent(ctx, domain.TaskEvent{
		TaskID:     m.TaskID,
		WorkflowID: wfID,
		TaskType:   snap.Type,
		AgentID:    m.SourceAgent,
		Status:     snap.Status,
		Error:      snap.Error,
		Payload:    payload,
	})

	eventType := messaging.EventTaskCompleted
	if !success {
		eventType = messaging.EventTaskFailed
	}
	event := map[string]any{
		"task_id":   m.TaskID,
		"task_type": snap.Type,
		"agent_id":  m.SourceAgent,
	}
	if wfID != "" {
		event["workflow_id"] = wfID
	}
	if snap.Error != "" {
		event["error"] = snap.Error
	}
	if err := c.bus.Publish(ctx, eventType, event, CoordinatorID, "", true); err != nil {
		c.logger.Warn("task event not published",
			zap.String("task_id", m.TaskID),
			zap.String("event_type", string(eventType)),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) onEvent(ctx context.Context, m *messaging.EventMessage) {
	taskID, _ := m.Payload["task_id"].(string)
	switch m.EventType {
	case messaging.EventTaskCompleted:
		c.onTaskCompleted(ctx, taskID)
	case messaging.EventTaskFailed:
		agentID, _ := m.Payload["agent_id"].(string)
		c.onTaskFailed(ctx, taskID, agentID)
	case messaging.EventAgentStarted, messaging.EventAgentStopped:
		c.logger.Debug("agent lifecycle event",
			zap.String("event_type", string(m.EventType)),
			zap.Any("payload", m.Payload),
		)
	default:
		c.logger.Debug("event ignored",
			zap.String("event_type", string(m.EventType)),
			zap.String("source", m.SourceAgent),
		)
	}
}

func (c *Coordinator) onTaskCompleted(ctx context.Context, taskID string) {
	task, err := c.tasks.GetTask(taskID)
	if err != nil {
		return
	}
	switch task.Type {
	case domain.TaskTypeDetectBugs:
		// Workflows drive their own fix stage.
		if workflowIDOf(task.Data) != "" {
			return
		}
		c.spawn(func(runCtx context.Context) { c.followUpDetection(runCtx, task) })
	case domain.TaskTypeFixIssues:
		c.logger.Info("fix chain finished", zap.String("task_id", taskID))
	case domain.TaskTypeGenerateTests:
		c.logger.Info("test generation finished", zap.String("task_id", taskID))
	}
}

// followUpDetection turns a standalone detection result into a fix task.
func (c *Coordinator) followUpDetection(ctx context.Context, task domain.Task) {
	issues := c.issuesOf(task.ID, task.Result)
	if len(issues) == 0 {
		c.logger.Info("detection found nothing to fix", zap.String("task_id", task.ID))
		return
	}
	decisions := c.decisions.AnalyzeComplexity(ctx, issues)
	c.logDecisions(ctx, "", task.ID, decisions)
	if len(decisions) == 0 {
		return
	}

	data := map[string]any{
		"source_task_id": task.ID,
		"issues":         issues,
		"decisions":      decisions,
	}
	for _, key := range []string{"file_path", "project_path"} {
		if v, ok := task.Data[key]; ok {
			data[key] = v
		}
	}
	fixID, err := c.SubmitTask(ctx, domain.TaskTypeFixIssues, data, domain.PriorityHigh, c.cfg.FixAgent)
	if err != nil {
		c.logger.Warn("fix task not assigned",
			zap.String("task_id", fixID),
			zap.String("source_task_id", task.ID),
			zap.String("agent_id", c.cfg.FixAgent),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("fix task created",
		zap.String("task_id", fixID),
		zap.String("source_task_id", task.ID),
		zap.Int("issues", len(issues)),
	)
}

// onTaskFailed re-runs a failed task on the agent that failed it. When that
// agent is gone the retry goes back to the queue for the dispatch loop.
func (c *Coordinator) onTaskFailed(ctx context.Context, taskID, agentID string) {
	if !c.cfg.AutoRetry {
		return
	}
	if agentID == "" || !c.hasAgent(agentID) {
		if !c.tasks.RetryTask(taskID) {
			c.logger.Warn("task failed permanently", zap.String("task_id", taskID))
			return
		}
		c.kick()
		return
	}
	if !c.tasks.RetryTaskOn(taskID, agentID) {
		c.logger.Warn("task failed permanently", zap.String("task_id", taskID))
		return
	}
	task, err := c.tasks.GetTask(taskID)
	if err == nil {
		err = c.deliver(ctx, task, agentID)
	}
	if err != nil {
		c.logger.Warn("retry not assigned",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		_ = c.tasks.FailTask(taskID, err.Error())
	}
}

func (c *Coordinator) onStatus(m *messaging.StatusMessage) {
	c.agentsMu.Lock()
	e, ok := c.agents[m.SourceAgent]
	if ok {
		e.status = m.AgentStatus
		e.lastSeen = m.Timestamp
	}
	c.agentsMu.Unlock()
	if ok {
		c.logger.Debug("agent status",
			zap.String("agent_id", m.SourceAgent),
			zap.String("status", m.AgentStatus),
		)
	}
}

// spawn runs fn in the background under the coordinator's run context so
// slow work does not hold up the bus consumer.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.runCtx)
	}()
}

// issuesOf decodes the findings of a detection result, logging entries that
// could not be read as findings.
func (c *Coordinator) issuesOf(taskID string, result map[string]any) []domain.Issue {
	issues, skipped := domain.DecodeIssues(result)
	if skipped > 0 {
		c.logger.Warn("detection result has unreadable findings",
			zap.String("task_id", taskID),
			zap.Int("skipped", skipped),
			zap.Int("kept", len(issues)),
		)
	}
	return issues
}

// workflowOfTask reads the workflow id stored in the task data.
func (c *Coordinator) workflowOfTask(taskID string) string {
	task, err := c.tasks.GetTask(taskID)
	if err != nil {
		return ""
	}
	return workflowIDOf(task.Data)
}

func (c *Coordinator) logTaskEvent(ctx context.Context, ev domain.TaskEvent) {
	if c.audit == nil {
		return
	}
	if err := c.audit.LogTaskEvent(ctx, ev); err != nil {
		c.logger.Warn("audit task event failed", zap.String("task_id", ev.TaskID), zap.Error(err))
	}
}

func (c *Coordinator) logDecisions(ctx context.Context, workflowID, taskID string, decisions []domain.Decision) {
	if c.audit == nil {
		return
	}
	for _, d := range decisions {
		err := c.audit.LogDecision(ctx, domain.DecisionLog{
			WorkflowID: workflowID,
			TaskID:     taskID,
			IssueType:  d.Issue.Type,
			File:       d.Issue.File,
			Category:   d.Category,
			Strategy:   d.Strategy,
			Confidence: d.Confidence,
			RuleSource: d.RuleSource,
			Reason:     d.Reason,
			CreatedAt:  d.DecidedAt,
		})
		if err != nil {
			c.logger.Warn("audit decision failed", zap.String("workflow_id", workflowID), zap.Error(err))
			return
		}
	}
}

type Stats struct {
	Running        bool              `json:"running"`
	Uptime         float64           `json:"uptime_seconds"`
	Agents         []AgentInfo       `json:"agents"`
	Tasks          taskmanager.Stats `json:"tasks"`
	Bus            inproc.Stats      `json:"bus"`
	Decisions      decision.Stats    `json:"decisions"`
	Workflows      map[string]int    `json:"workflows"`
	ErrorsReceived int64             `json:"errors_received"`
}

type AgentInfo struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status,omitempty"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
	Load         int       `json:"load"`
}

func (c *Coordinator) GetStats() Stats {
	c.lifecycleMu.Lock()
	running, startedAt := c.running, c.startedAt
	c.lifecycleMu.Unlock()

	var uptime float64
	if running {
		uptime = time.Since(startedAt).Seconds()
	}

	c.wfMu.Lock()
	byStatus := map[string]int{"total": len(c.workflows)}
	for _, wf := range c.workflows {
		byStatus[string(wf.Status)]++
	}
	c.wfMu.Unlock()

	return Stats{
		Running:        running,
		Uptime:         uptime,
		Agents:         c.agentInfos(),
		Tasks:          c.tasks.Stats(),
		Bus:            c.bus.Stats(),
		Decisions:      c.decisions.Stats(),
		Workflows:      byStatus,
		ErrorsReceived: c.errorsReceived.Load(),
	}
}

type Health struct {
	Status     string            `json:"status"`
	Running    bool              `json:"running"`
	Agents     int               `json:"agents"`
	QueueDepth int               `json:"queue_depth"`
	Checks     map[string]string `json:"checks"`
}

// HealthCheck reports "healthy" when the coordinator and its bus are running
// and "degraded" otherwise. Missing pipeline agents are reported per check.
func (c *Coordinator) HealthCheck() Health {
	running := c.isRunning()
	busStats := c.bus.Stats()

	checks := map[string]string{
		"bus": "ok",
	}
	if !busStats.Running {
		checks["bus"] = "stopped"
	}
	for _, id := range []string{c.cfg.DetectionAgent, c.cfg.FixAgent} {
		if c.hasAgent(id) {
			checks[id] = "ok"
		} else {
			checks[id] = "missing"
		}
	}

	status := "healthy"
	if !running || !busStats.Running {
		status = "degraded"
	}
	c.agentsMu.RLock()
	n := len(c.agents)
	c.agentsMu.RUnlock()

	return Health{
		Status:     status,
		Running:    running,
		Agents:     n,
		QueueDepth: busStats.QueueDepth,
		Checks:     checks,
	}
}

func (c *Coordinator) agentInfos() []AgentInfo {
	c.agentsMu.RLock()
	out := make([]AgentInfo, 0, len(c.agents))
	for id, e := range c.agents {
		out = append(out, AgentInfo{
			ID:           id,
			Capabilities: append([]string(nil), e.capabilities...),
			Status:       e.status,
			LastSeen:     e.lastSeen,
		})
	}
	c.agentsMu.RUnlock()

	for i := range out {
		out[i].Load = c.tasks.AgentLoad(out[i].ID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func workflowIDOf(data map[string]any) string {
	v, _ := data["workflow_id"].(string)
	return v
}

func copyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func waitGroupTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
