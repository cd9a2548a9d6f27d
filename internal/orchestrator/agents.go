package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"codeagent/internal/domain"
	"codeagent/internal/messaging"
	"codeagent/internal/messaging/inproc"
)

// Agent is a worker the coordinator hands tasks to. SubmitTask must return
// promptly; progress is observed through GetTaskStatus.
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SubmitTask(ctx context.Context, taskID string, payload map[string]any) (string, error)
	GetTaskStatus(ctx context.Context, taskID string) (domain.AgentTaskStatus, error)
	GetCapabilities() []string
}

type agentEntry struct {
	id           string
	agent        Agent
	capabilities []string
	status       string
	lastSeen     time.Time
}

// RegisterAgent starts the agent and routes tasks addressed to id into it.
func (c *Coordinator) RegisterAgent(ctx context.Context, id string, a Agent) error {
	if id == "" || id == CoordinatorID {
		return fmt.Errorf("invalid agent id %q", id)
	}
	c.agentsMu.Lock()
	if _, ok := c.agents[id]; ok {
		c.agentsMu.Unlock()
		return fmt.Errorf("register %s: %w", id, ErrAgentExists)
	}
	c.agentsMu.Unlock()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start agent %s: %w", id, err)
	}
	caps := a.GetCapabilities()

	// The bus route exists before the dispatch loop can pick the agent.
	c.bus.Register(id, c.agentHandler(id, a))
	c.agentsMu.Lock()
	c.agents[id] = &agentEntry{
		id:           id,
		agent:        a,
		capabilities: caps,
		status:       "idle",
		lastSeen:     time.Now().UTC(),
	}
	c.agentsMu.Unlock()
	c.kick()

	if err := c.bus.Publish(ctx, messaging.EventAgentStarted, map[string]any{
		"agent_id":     id,
		"capabilities": caps,
	}, id, "", true); err != nil {
		c.logger.Debug("agent_started not published", zap.String("agent_id", id), zap.Error(err))
	}
	c.logger.Info("agent registered", zap.String("agent_id", id), zap.Strings("capabilities", caps))
	return nil
}

// UnregisterAgent removes the agent from the bus and stops it.
func (c *Coordinator) UnregisterAgent(ctx context.Context, id string) error {
	c.agentsMu.Lock()
	e, ok := c.agents[id]
	if ok {
		delete(c.agents, id)
	}
	c.agentsMu.Unlock()
	if !ok {
		return fmt.Errorf("unregister %s: %w", id, ErrAgentNotRegistered)
	}

	c.bus.Unregister(id)
	c.stopAgent(ctx, e)

	if err := c.bus.Publish(ctx, messaging.EventAgentStopped, map[string]any{"agent_id": id}, id, "", true); err != nil {
		c.logger.Debug("agent_stopped not published", zap.String("agent_id", id), zap.Error(err))
	}
	c.logger.Info("agent unregistered", zap.String("agent_id", id))
	return nil
}

func (c *Coordinator) hasAgent(id string) bool {
	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	_, ok := c.agents[id]
	return ok
}

func (c *Coordinator) stopAgent(ctx context.Context, e *agentEntry) {
	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownGrace)
	defer cancel()
	if err := e.agent.Stop(stopCtx); err != nil {
		c.logger.Warn("agent stop failed", zap.String("agent_id", e.id), zap.Error(err))
	}
}

// agentHandler submits task messages to the agent and leaves a tracker
// polling for the outcome, so the bus consumer is free as soon as the agent
// accepts the task. A submit error is returned for the bus to retry.
func (c *Coordinator) agentHandler(id string, a Agent) inproc.Handler {
	return func(ctx context.Context, msg messaging.Message) error {
		task, ok := msg.(*messaging.TaskMessage)
		if !ok {
			return nil
		}
		if c.finished(task.TaskID) {
			c.logger.Debug("task settled before delivery, not submitted",
				zap.String("agent_id", id),
				zap.String("task_id", task.TaskID),
			)
			return nil
		}
		if _, err := a.SubmitTask(ctx, task.TaskID, task.Payload); err != nil {
			return fmt.Errorf("submit %s to %s: %w", task.TaskID, id, err)
		}
		if err := c.tasks.UpdateTaskStatus(task.TaskID, domain.TaskStatusRunning); err != nil {
			c.logger.Debug("task not marked running", zap.String("task_id", task.TaskID), zap.Error(err))
		}
		c.reportStatus(id, "busy", task.TaskID)
		c.spawn(func(runCtx context.Context) { c.track(runCtx, id, a, task.TaskID) })
		return nil
	}
}

// track polls the agent until the task is terminal or the ceiling passes,
// then reports the outcome to the coordinator as a result message. It stops
// without reporting once the task manager has settled the task some other
// way, such as a stage timeout.
func (c *Coordinator) track(ctx context.Context, id string, a Agent, taskID string) {
	log := c.logger.With(zap.String("agent_id", id), zap.String("task_id", taskID))
	ticker := time.NewTicker(c.cfg.AgentPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.cfg.AgentTaskCeiling)
	defer deadline.Stop()

	for {
		if c.finished(taskID) {
			log.Debug("task finished before agent reported, tracking stopped")
			c.reportStatus(id, "idle", taskID)
			return
		}
		st, err := a.GetTaskStatus(ctx, taskID)
		switch {
		case err != nil:
			log.Warn("agent status query failed", zap.Error(err))
			if sendErr := c.bus.SendError(ctx, id, CoordinatorID, "status_query_failed", err.Error(), map[string]any{"task_id": taskID}); sendErr != nil {
				log.Debug("error message not sent", zap.Error(sendErr))
			}
			c.sendResult(ctx, id, taskID, nil, messaging.ResultFailed, err.Error())
			return
		case st.Status == domain.AgentTaskCompleted:
			c.sendResult(ctx, id, taskID, st.Result, messaging.ResultCompleted, st.Error)
			return
		case st.Status == domain.AgentTaskFailed:
			errMsg := st.Error
			if errMsg == "" {
				errMsg = "agent reported failure"
			}
			c.sendResult(ctx, id, taskID, st.Result, messaging.ResultFailed, errMsg)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			log.Warn("agent task exceeded ceiling", zap.Duration("ceiling", c.cfg.AgentTaskCeiling))
			c.sendResult(ctx, id, taskID, nil, messaging.ResultFailed, "agent task ceiling exceeded")
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) finished(taskID string) bool {
	snap, err := c.tasks.GetTaskStatus(taskID)
	return err != nil || snap.Status.IsTerminal()
}

func (c *Coordinator) sendResult(ctx context.Context, id, taskID string, result map[string]any, status messaging.ResultStatus, errMsg string) {
	if err := c.bus.SendResult(ctx, id, CoordinatorID, taskID, result, status, errMsg); err != nil {
		c.logger.Warn("result not sent",
			zap.String("agent_id", id),
			zap.String("task_id", taskID),
			zap.Error(err),
		)
	}
	c.reportStatus(id, "idle", taskID)
}

// reportStatus announces an agent state change on the bus without blocking.
func (c *Coordinator) reportStatus(id, status, taskID string) {
	if err := c.bus.TrySend(messaging.NewStatusMessage(id, status, map[string]any{"task_id": taskID})); err != nil {
		c.logger.Debug("status not sent", zap.String("agent_id", id), zap.Error(err))
	}
}
