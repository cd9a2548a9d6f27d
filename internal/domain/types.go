package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether no agent is expected to move the task further.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive reports whether the task is still waiting on an agent.
func (s TaskStatus) IsActive() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusRunning, TaskStatusProcessing:
		return true
	}
	return false
}

// Priority orders tasks in the scheduler; higher values are more urgent.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "unknown"
}

// ParsePriority accepts the lowercase names; anything else is normal.
func ParsePriority(v string) Priority {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	}
	return PriorityNormal
}

const (
	TaskTypeDetectBugs    = "detect_bugs"
	TaskTypeFixIssues     = "fix_issues"
	TaskTypeGenerateTests = "generate_tests"
)

type Task struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Data          map[string]any `json:"data"`
	Status        TaskStatus     `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Priority      Priority       `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	RetryCount    int            `json:"retry_count"`
	TimeoutAt     time.Time      `json:"timeout_at"`
}

// TaskSnapshot is the read-only view of a task handed to pollers.
type TaskSnapshot struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	Status        TaskStatus     `json:"status"`
	Priority      Priority       `json:"priority"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	TimeoutAt     time.Time      `json:"timeout_at"`
	RetryCount    int            `json:"retry_count"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// TaskResult is what a waiter receives from the task manager.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	Status   TaskStatus     `json:"status"`
	Success  bool           `json:"success"`
	Result   map[string]any `json:"result,omitempty"`
	Error    string         `json:"error,omitempty"`
	TimedOut bool           `json:"timed_out,omitempty"`
}

type AgentTaskState string

const (
	AgentTaskPending   AgentTaskState = "pending"
	AgentTaskRunning   AgentTaskState = "running"
	AgentTaskCompleted AgentTaskState = "completed"
	AgentTaskFailed    AgentTaskState = "failed"
)

func (s AgentTaskState) IsTerminal() bool {
	return s == AgentTaskCompleted || s == AgentTaskFailed
}

// AgentTaskStatus is what an agent reports about a task it was handed.
type AgentTaskStatus struct {
	Status AgentTaskState `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Issue is one finding produced by a detection agent.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
	Message  string `json:"message,omitempty"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Tool     string `json:"tool,omitempty"`
}

type DecisionCategory string

const (
	CategoryAutoFixable  DecisionCategory = "auto_fixable"
	CategoryAIAssisted   DecisionCategory = "ai_assisted"
	CategoryManualReview DecisionCategory = "manual_review"
	CategorySkip         DecisionCategory = "skip"
)

type Decision struct {
	Issue      Issue            `json:"issue"`
	Category   DecisionCategory `json:"category"`
	Strategy   string           `json:"strategy"`
	Confidence float64          `json:"confidence"`
	Reason     string           `json:"reason"`
	RuleSource string           `json:"rule_source"`
	DecidedAt  time.Time        `json:"decided_at"`
}

// FixPlan is the input to risk evaluation.
type FixPlan struct {
	FixType      string `json:"fix_type"`
	FilePath     string `json:"file_path"`
	ChangesCount int    `json:"changes_count"`
}

type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

type WorkflowStage struct {
	Name      string     `json:"name"`
	TaskID    string     `json:"task_id,omitempty"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type Workflow struct {
	ID          string          `json:"id"`
	FilePath    string          `json:"file_path,omitempty"`
	ProjectPath string          `json:"project_path,omitempty"`
	Status      WorkflowStatus  `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	Stages      []WorkflowStage `json:"stages"`
	Error       string          `json:"error,omitempty"`
	Result      map[string]any  `json:"result,omitempty"`
}

type WorkflowRequest struct {
	FilePath    string `json:"file_path,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
}

type WorkflowResult struct {
	WorkflowID  string         `json:"workflow_id"`
	Success     bool           `json:"success"`
	Status      WorkflowStatus `json:"status"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	IssuesFound int            `json:"issues_found"`
	Decisions   map[string]int `json:"decisions,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
}

// TaskEvent is one row of the audit journal.
type TaskEvent struct {
	ID         int64           `json:"id"`
	TaskID     string          `json:"task_id"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	TaskType   string          `json:"task_type"`
	AgentID    string          `json:"agent_id,omitempty"`
	Status     TaskStatus      `json:"status"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DecisionLog is a persisted decision.
type DecisionLog struct {
	ID         int64            `json:"id"`
	WorkflowID string           `json:"workflow_id"`
	TaskID     string           `json:"task_id,omitempty"`
	IssueType  string           `json:"issue_type"`
	File       string           `json:"file,omitempty"`
	Category   DecisionCategory `json:"category"`
	Strategy   string           `json:"strategy"`
	Confidence float64          `json:"confidence"`
	RuleSource string           `json:"rule_source"`
	Reason     string           `json:"reason"`
	CreatedAt  time.Time        `json:"created_at"`
}
