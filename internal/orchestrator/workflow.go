package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeagent/internal/decision"
	"codeagent/internal/domain"
)

const (
	stageDetection      = "detection"
	stageDecision       = "decision"
	stageTestGeneration = "test_generation"
	stageFix            = "fix"

	stageRunning   = "running"
	stageCompleted = "completed"
	stageFailed    = "failed"
)

// ProcessWorkflow runs detect, decide, optional test generation and fix for
// one target and returns once the workflow is finished. Failures are
// reported in the result; the coordinator keeps running.
func (c *Coordinator) ProcessWorkflow(ctx context.Context, req domain.WorkflowRequest) domain.WorkflowResult {
	wf := c.beginWorkflow(req)
	log := c.logger.With(zap.String("workflow_id", wf.ID))
	log.Info("workflow started", zap.String("file_path", req.FilePath), zap.String("project_path", req.ProjectPath))
	c.saveWorkflow(ctx, wf.ID)

	if !c.isRunning() {
		return c.failWorkflow(ctx, wf.ID, ErrNotRunning)
	}
	if req.FilePath == "" && req.ProjectPath == "" {
		return c.failWorkflow(ctx, wf.ID, errors.New("file_path or project_path is required"))
	}
	if c.workspace != nil {
		resolved, err := c.workspace.ResolveRequest(req)
		if err != nil {
			return c.failWorkflow(ctx, wf.ID, err)
		}
		req = resolved
		c.updateWorkflow(wf.ID, func(w *domain.Workflow) {
			w.FilePath = req.FilePath
			w.ProjectPath = req.ProjectPath
		})
	}
	target := map[string]any{"workflow_id": wf.ID}
	if req.FilePath != "" {
		target["file_path"] = req.FilePath
	}
	if req.ProjectPath != "" {
		target["project_path"] = req.ProjectPath
	}

	detection, err := c.runStage(ctx, wf.ID, stageDetection, domain.TaskTypeDetectBugs, c.cfg.DetectionAgent,
		target, domain.PriorityHigh, c.cfg.DetectionTimeout)
	if err != nil {
		return c.failWorkflow(ctx, wf.ID, err)
	}

	issues := c.issuesOf(detection.TaskID, detection.Result)
	if len(issues) == 0 {
		return c.completeWorkflow(ctx, wf.ID, domain.WorkflowResult{
			Message: "no defects found",
			Result:  map[string]any{"detection": detection.Result},
		})
	}

	idx := c.beginStage(wf.ID, stageDecision, "")
	decisions := c.decisions.AnalyzeComplexity(ctx, issues)
	c.logDecisions(ctx, wf.ID, detection.TaskID, decisions)
	c.endStage(wf.ID, idx, stageCompleted, "")
	summary := decision.Summarize(decisions)
	log.Info("issues classified", zap.Int("issues", len(issues)), zap.Any("categories", summary))

	fixData := withTarget(target, map[string]any{
		"issues":    issues,
		"decisions": decisions,
	})
	out := map[string]any{
		"detection": detection.Result,
		"decisions": decisions,
	}

	if c.cfg.EnableTestGeneration && c.hasAgent(c.cfg.TestAgent) {
		tests, err := c.runStage(ctx, wf.ID, stageTestGeneration, domain.TaskTypeGenerateTests, c.cfg.TestAgent,
			withTarget(target, map[string]any{"issues": issues}), domain.PriorityNormal, c.cfg.TestGenerationTimeout)
		if err != nil {
			return c.failWorkflow(ctx, wf.ID, err)
		}
		fixData["test_results"] = tests.Result
		out["tests"] = tests.Result
	}

	fix, err := c.runStage(ctx, wf.ID, stageFix, domain.TaskTypeFixIssues, c.cfg.FixAgent,
		fixData, domain.PriorityHigh, c.cfg.FixTimeout)
	if err != nil {
		return c.failWorkflow(ctx, wf.ID, err)
	}
	out["fix"] = fix.Result

	return c.completeWorkflow(ctx, wf.ID, domain.WorkflowResult{
		Message:     fmt.Sprintf("processed %d issues", len(issues)),
		IssuesFound: len(issues),
		Decisions:   summary,
		Result:      out,
	})
}

// runStage creates one task, hands it to agentID and waits for its settled
// result. A missing agent, a timeout or an unsuccessful result is an error.
// A timed out task is failed for good so nothing retries it.
func (c *Coordinator) runStage(ctx context.Context, wfID, name, taskType, agentID string, data map[string]any, priority domain.Priority, timeout time.Duration) (domain.TaskResult, error) {
	if !c.hasAgent(agentID) {
		idx := c.beginStage(wfID, name, "")
		err := fmt.Errorf("%s stage: %s: %w", name, agentID, ErrAgentNotRegistered)
		c.endStage(wfID, idx, stageFailed, err.Error())
		return domain.TaskResult{}, err
	}

	taskID, err := c.SubmitTask(ctx, taskType, data, priority, agentID)
	idx := c.beginStage(wfID, name, taskID)
	c.saveWorkflow(ctx, wfID)
	if err != nil {
		c.endStage(wfID, idx, stageFailed, err.Error())
		return domain.TaskResult{}, fmt.Errorf("%s stage: %w", name, err)
	}

	res, err := c.tasks.GetTaskResult(ctx, taskID, timeout)
	if err != nil {
		c.endStage(wfID, idx, stageFailed, err.Error())
		return res, fmt.Errorf("%s stage: %w", name, err)
	}
	if res.TimedOut {
		_ = c.tasks.FailTask(taskID, "timeout")
		msg := fmt.Sprintf("%s stage timed out after %s", name, timeout)
		c.endStage(wfID, idx, stageFailed, msg)
		return res, errors.New(msg)
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		c.endStage(wfID, idx, stageFailed, reason)
		return res, fmt.Errorf("%s stage failed: %s", name, reason)
	}
	c.endStage(wfID, idx, stageCompleted, "")
	return res, nil
}

func (c *Coordinator) GetWorkflow(id string) (domain.Workflow, bool) {
	c.wfMu.Lock()
	defer c.wfMu.Unlock()
	wf, ok := c.workflows[id]
	if !ok {
		return domain.Workflow{}, false
	}
	return copyWorkflow(wf), true
}

// ListWorkflows returns the retained workflows, newest first.
func (c *Coordinator) ListWorkflows() []domain.Workflow {
	c.wfMu.Lock()
	out := make([]domain.Workflow, 0, len(c.workflows))
	for _, wf := range c.workflows {
		out = append(out, copyWorkflow(wf))
	}
	c.wfMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (c *Coordinator) beginWorkflow(req domain.WorkflowRequest) domain.Workflow {
	wf := &domain.Workflow{
		ID:          uuid.NewString(),
		FilePath:    req.FilePath,
		ProjectPath: req.ProjectPath,
		Status:      domain.WorkflowStatusRunning,
		StartedAt:   time.Now().UTC(),
		Stages:      []domain.WorkflowStage{},
	}

	c.wfMu.Lock()
	defer c.wfMu.Unlock()
	c.workflows[wf.ID] = wf
	c.wfOrder = append(c.wfOrder, wf.ID)
	c.evictWorkflowsLocked()
	return copyWorkflow(wf)
}

// evictWorkflowsLocked drops the oldest finished workflows beyond the limit.
func (c *Coordinator) evictWorkflowsLocked() {
	excess := len(c.wfOrder) - c.cfg.MaxWorkflows
	if excess <= 0 {
		return
	}
	kept := c.wfOrder[:0]
	for _, id := range c.wfOrder {
		if excess > 0 && c.workflows[id].Status != domain.WorkflowStatusRunning {
			delete(c.workflows, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	c.wfOrder = kept
}

func (c *Coordinator) updateWorkflow(id string, fn func(*domain.Workflow)) {
	c.wfMu.Lock()
	defer c.wfMu.Unlock()
	if wf, ok := c.workflows[id]; ok {
		fn(wf)
	}
}

func (c *Coordinator) beginStage(wfID, name, taskID string) int {
	idx := -1
	c.updateWorkflow(wfID, func(w *domain.Workflow) {
		w.Stages = append(w.Stages, domain.WorkflowStage{
			Name:      name,
			TaskID:    taskID,
			Status:    stageRunning,
			StartedAt: time.Now().UTC(),
		})
		idx = len(w.Stages) - 1
	})
	return idx
}

func (c *Coordinator) endStage(wfID string, idx int, status, errMsg string) {
	c.updateWorkflow(wfID, func(w *domain.Workflow) {
		if idx < 0 || idx >= len(w.Stages) {
			return
		}
		now := time.Now().UTC()
		w.Stages[idx].Status = status
		w.Stages[idx].EndedAt = &now
		w.Stages[idx].Error = errMsg
	})
}

func (c *Coordinator) failWorkflow(ctx context.Context, id string, err error) domain.WorkflowResult {
	c.updateWorkflow(id, func(w *domain.Workflow) {
		now := time.Now().UTC()
		w.Status = domain.WorkflowStatusFailed
		w.EndedAt = &now
		w.Error = err.Error()
	})
	c.saveWorkflow(ctx, id)
	c.metrics.Workflow(string(domain.WorkflowStatusFailed))
	c.logger.Warn("workflow failed", zap.String("workflow_id", id), zap.Error(err))

	return domain.WorkflowResult{
		WorkflowID: id,
		Success:    false,
		Status:     domain.WorkflowStatusFailed,
		Error:      err.Error(),
	}
}

func (c *Coordinator) completeWorkflow(ctx context.Context, id string, res domain.WorkflowResult) domain.WorkflowResult {
	res.WorkflowID = id
	res.Success = true
	res.Status = domain.WorkflowStatusCompleted

	c.updateWorkflow(id, func(w *domain.Workflow) {
		now := time.Now().UTC()
		w.Status = domain.WorkflowStatusCompleted
		w.EndedAt = &now
		w.Result = map[string]any{
			"message":      res.Message,
			"issues_found": res.IssuesFound,
		}
		if res.Decisions != nil {
			w.Result["decisions"] = res.Decisions
		}
	})
	c.saveWorkflow(ctx, id)
	c.metrics.Workflow(string(domain.WorkflowStatusCompleted))
	c.logger.Info("workflow completed",
		zap.String("workflow_id", id),
		zap.String("message", res.Message),
		zap.Int("issues", res.IssuesFound),
	)
	return res
}

func (c *Coordinator) saveWorkflow(ctx context.Context, id string) {
	if c.audit == nil {
		return
	}
	wf, ok := c.GetWorkflow(id)
	if !ok {
		return
	}
	if err := c.audit.SaveWorkflow(ctx, wf); err != nil {
		c.logger.Warn("audit workflow failed", zap.String("workflow_id", id), zap.Error(err))
	}
}

func withTarget(target, extra map[string]any) map[string]any {
	out := make(map[string]any, len(target)+len(extra))
	for k, v := range target {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func copyWorkflow(wf *domain.Workflow) domain.Workflow {
	out := *wf
	out.Stages = append([]domain.WorkflowStage(nil), wf.Stages...)
	if wf.Result != nil {
		out.Result = make(map[string]any, len(wf.Result))
		for k, v := range wf.Result {
			out.Result[k] = v
		}
	}
	return out
}
