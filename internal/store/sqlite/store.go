package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codeagent/internal/domain"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	file_path TEXT NOT NULL DEFAULT '',
	project_path TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	stages TEXT NOT NULL DEFAULT '[]',
	result TEXT NOT NULL DEFAULT '{}',
	started_at INTEGER NOT NULL,
	ended_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_started ON workflows(started_at);

CREATE TABLE IF NOT EXISTS task_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, id);
CREATE INDEX IF NOT EXISTS idx_task_events_workflow ON task_events(workflow_id, id);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	issue_type TEXT NOT NULL,
	file TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL,
	strategy TEXT NOT NULL,
	confidence REAL NOT NULL,
	rule_source TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_workflow ON decision_log(workflow_id, id);
`

// Store is the append-only audit journal for workflows, task transitions and
// decisions. Nothing in it is read back to drive scheduling.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveWorkflow inserts the workflow or overwrites its mutable fields.
func (s *Store) SaveWorkflow(ctx context.Context, wf domain.Workflow) error {
	stages, err := json.Marshal(nonNilStages(wf.Stages))
	if err != nil {
		return fmt.Errorf("encode workflow stages: %w", err)
	}
	result, err := encodeMap(wf.Result)
	if err != nil {
		return fmt.Errorf("encode workflow result: %w", err)
	}
	if wf.StartedAt.IsZero() {
		wf.StartedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflows(id, file_path, project_path, status, error, stages, result, started_at, ended_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			stages = excluded.stages,
			result = excluded.result,
			ended_at = excluded.ended_at`,
		wf.ID, wf.FilePath, wf.ProjectPath, string(wf.Status), wf.Error, string(stages), result,
		wf.StartedAt.UnixMilli(), nullableUnixMilli(wf.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

const workflowColumns = `id, file_path, project_path, status, error, stages, result, started_at, ended_at`

func (s *Store) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Workflow{}, fmt.Errorf("get workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Workflow{}, fmt.Errorf("get workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns the most recent workflows first.
func (s *Store) ListWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+workflowColumns+` FROM workflows ORDER BY started_at DESC, id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Workflow, 0)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		result = append(result, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflows: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (domain.Workflow, error) {
	var wf domain.Workflow
	var status, stages, result string
	var started int64
	var ended sql.NullInt64
	if err := row.Scan(&wf.ID, &wf.FilePath, &wf.ProjectPath, &status, &wf.Error, &stages, &result, &started, &ended); err != nil {
		return domain.Workflow{}, err
	}
	wf.Status = domain.WorkflowStatus(status)
	wf.StartedAt = unixMilliToTime(started)
	wf.EndedAt = nullUnixMilliToTime(ended)
	if err := json.Unmarshal([]byte(stages), &wf.Stages); err != nil {
		return domain.Workflow{}, fmt.Errorf("decode stages: %w", err)
	}
	if result != "" && result != "{}" {
		if err := json.Unmarshal([]byte(result), &wf.Result); err != nil {
			return domain.Workflow{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return wf, nil
}

func (s *Store) LogTaskEvent(ctx context.Context, ev domain.TaskEvent) error {
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_events(task_id, workflow_id, task_type, agent_id, status, error, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.TaskID, ev.WorkflowID, ev.TaskType, ev.AgentID, string(ev.Status), ev.Error, payload, ev.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns a task's journal in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]domain.TaskEvent, error) {
	return s.listTaskEvents(ctx, `task_id = ?`, taskID, limit)
}

func (s *Store) ListWorkflowEvents(ctx context.Context, workflowID string, limit int) ([]domain.TaskEvent, error) {
	return s.listTaskEvents(ctx, `workflow_id = ?`, workflowID, limit)
}

func (s *Store) listTaskEvents(ctx context.Context, where string, arg string, limit int) ([]domain.TaskEvent, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, workflow_id, task_type, agent_id, status, error, payload, created_at
		FROM task_events
		WHERE `+where+`
		ORDER BY id ASC
		LIMIT ?`,
		arg, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.TaskEvent, 0)
	for rows.Next() {
		var item domain.TaskEvent
		var status, payload string
		var createdAt int64
		if err := rows.Scan(
			&item.ID, &item.TaskID, &item.WorkflowID, &item.TaskType, &item.AgentID,
			&status, &item.Error, &payload, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		item.Status = domain.TaskStatus(status)
		item.Payload = json.RawMessage(payload)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task events: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(workflow_id, task_id, issue_type, file, category, strategy, confidence, rule_source, reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.WorkflowID, entry.TaskID, entry.IssueType, entry.File, string(entry.Category), entry.Strategy,
		entry.Confidence, entry.RuleSource, entry.Reason, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, workflowID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, task_id, issue_type, file, category, strategy, confidence, rule_source, reason, created_at
		FROM decision_log
		WHERE workflow_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		workflowID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0)
	for rows.Next() {
		var item domain.DecisionLog
		var category string
		var createdAt int64
		if err := rows.Scan(
			&item.ID, &item.WorkflowID, &item.TaskID, &item.IssueType, &item.File, &category,
			&item.Strategy, &item.Confidence, &item.RuleSource, &item.Reason, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Category = domain.DecisionCategory(category)
		item.CreatedAt = unixMilliToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func nonNilStages(s []domain.WorkflowStage) []domain.WorkflowStage {
	if s == nil {
		return []domain.WorkflowStage{}
	}
	return s
}

func encodeMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unixMilliToTime(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func nullUnixMilliToTime(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := unixMilliToTime(v.Int64)
	return &t
}

func nullableUnixMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}
