package orchestrator

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"codeagent/internal/domain"
)

// dispatchLoop hands queued tasks to agents on every tick and whenever
// something may have made a task runnable.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.wake:
		}
		c.dispatchOnce(ctx)
	}
}

// dispatchOnce drains every queued task that some registered agent can run.
func (c *Coordinator) dispatchOnce(ctx context.Context) int {
	candidates := c.candidates()
	n := 0
	for ctx.Err() == nil {
		task, ok := c.tasks.ClaimNext(func(t domain.Task) []string { return candidates[t.Type] })
		if !ok {
			return n
		}
		if err := c.deliver(ctx, task, task.AssignedAgent); err != nil {
			c.logger.Warn("dispatch failed",
				zap.String("task_id", task.ID),
				zap.String("agent_id", task.AssignedAgent),
				zap.Error(err),
			)
			if !c.tasks.RetryTask(task.ID) {
				_ = c.tasks.FailTask(task.ID, err.Error())
			}
			continue
		}
		n++
	}
	return n
}

// candidates maps task types to the agents that can run them: agents that
// advertise the type as a capability, plus the pipeline role agent for it.
// It is built before ClaimNext takes the task lock.
func (c *Coordinator) candidates() map[string][]string {
	roles := map[string]string{
		domain.TaskTypeDetectBugs:    c.cfg.DetectionAgent,
		domain.TaskTypeFixIssues:     c.cfg.FixAgent,
		domain.TaskTypeGenerateTests: c.cfg.TestAgent,
	}

	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	out := make(map[string][]string)
	for id, e := range c.agents {
		for _, capability := range e.capabilities {
			out[capability] = append(out[capability], id)
		}
	}
	for taskType, id := range roles {
		if _, ok := c.agents[id]; ok && !slices.Contains(out[taskType], id) {
			out[taskType] = append(out[taskType], id)
		}
	}
	for taskType := range out {
		slices.Sort(out[taskType])
	}
	return out
}

// kick asks the dispatch loop for an early pass.
func (c *Coordinator) kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
