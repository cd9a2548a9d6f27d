// Package agent holds the worker adapters the coordinator drives: a
// subprocess-backed agent and the model-backed classifier for the decision
// engine's AI tier.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"codeagent/internal/domain"
)

const (
	defaultCommandTimeout    = 10 * time.Minute
	defaultMaxCommandOutput  = 8 * 1024 * 1024
	defaultHeartbeatInterval = 30 * time.Second
	defaultMaxConcurrent     = 4
	defaultRetention         = 10 * time.Minute
)

var (
	ErrAgentStopped = errors.New("agent is stopped")
	ErrUnknownTask  = errors.New("task is unknown to agent")
	ErrTaskActive   = errors.New("task is already running on agent")
)

type CommandAgentConfig struct {
	ID                string
	Command           string
	Args              []string
	Dir               string
	Env               []string
	Capabilities      []string
	Timeout           time.Duration
	MaxConcurrent     int
	MaxOutputBytes    int
	HeartbeatInterval time.Duration
	// Retention is how long a finished task's status stays queryable.
	Retention         time.Duration
	Logger            *zap.Logger
}

// CommandAgent runs one process per task. The task payload is written to the
// process's stdin as JSON and stdout must contain one JSON object, which
// becomes the task result.
type CommandAgent struct {
	id           string
	command      string
	args         []string
	dir          string
	env          []string
	capabilities []string
	timeout      time.Duration
	maxOutput    int
	heartbeat    time.Duration
	retention    time.Duration
	sem          *semaphore.Weighted
	logger       *zap.Logger

	mu      sync.Mutex
	tasks   map[string]taskState
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type taskState struct {
	status     domain.AgentTaskStatus
	finishedAt time.Time
}

func NewCommandAgent(cfg CommandAgentConfig) (*CommandAgent, error) {
	command := strings.TrimSpace(cfg.Command)
	if command == "" {
		return nil, fmt.Errorf("agent %q: empty command", cfg.ID)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxCommandOutput
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetention
	}

	return &CommandAgent{
		id:           cfg.ID,
		command:      command,
		args:         append([]string(nil), cfg.Args...),
		dir:          cfg.Dir,
		env:          append([]string(nil), cfg.Env...),
		capabilities: append([]string(nil), cfg.Capabilities...),
		timeout:      timeout,
		maxOutput:    maxOutput,
		heartbeat:    heartbeat,
		retention:    retention,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		logger:       cfg.Logger.Named("agent").With(zap.String("agent_id", cfg.ID)),
		tasks:        make(map[string]taskState),
	}, nil
}

func (a *CommandAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.running = true
	a.logger.Info("agent started", zap.String("command", a.command))
	return nil
}

// Stop cancels running commands and waits for them until ctx is done.
func (a *CommandAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info("agent stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop agent %s: %w", a.id, ctx.Err())
	}
}

func (a *CommandAgent) GetCapabilities() []string {
	return append([]string(nil), a.capabilities...)
}

// SubmitTask records the task and starts it in the background. An id that
// is still pending or running is rejected; a finished one may run again.
func (a *CommandAgent) SubmitTask(_ context.Context, taskID string, payload map[string]any) (string, error) {
	input, err := json.Marshal(map[string]any{"task_id": taskID, "payload": payload})
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", taskID, err)
	}

	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return "", ErrAgentStopped
	}
	if prev, ok := a.tasks[taskID]; ok && prev.finishedAt.IsZero() {
		a.mu.Unlock()
		return "", fmt.Errorf("submit %s: %w", taskID, ErrTaskActive)
	}
	a.pruneLocked(time.Now())
	a.tasks[taskID] = taskState{status: domain.AgentTaskStatus{Status: domain.AgentTaskPending}}
	runCtx := a.ctx
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		a.run(runCtx, taskID, input)
	}()
	return taskID, nil
}

func (a *CommandAgent) GetTaskStatus(_ context.Context, taskID string) (domain.AgentTaskStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tasks[taskID]
	if !ok {
		return domain.AgentTaskStatus{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return st.status, nil
}

// pruneLocked forgets tasks that finished more than the retention ago.
func (a *CommandAgent) pruneLocked(now time.Time) {
	for id, st := range a.tasks {
		if !st.finishedAt.IsZero() && now.Sub(st.finishedAt) > a.retention {
			delete(a.tasks, id)
		}
	}
}

func (a *CommandAgent) run(ctx context.Context, taskID string, input []byte) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		a.setStatus(taskID, domain.AgentTaskStatus{Status: domain.AgentTaskFailed, Error: "agent stopped before task started"})
		return
	}
	defer a.sem.Release(1)

	a.setStatus(taskID, domain.AgentTaskStatus{Status: domain.AgentTaskRunning})
	log := a.logger.With(zap.String("task_id", taskID))
	log.Info("task started")

	stop := startHeartbeat(ctx, a.heartbeat, func(elapsed time.Duration) {
		log.Info("task still running", zap.Duration("elapsed", elapsed.Round(time.Second)))
	})
	result, err := a.execute(ctx, input)
	stop()

	if err != nil {
		log.Warn("task failed", zap.Error(err))
		a.setStatus(taskID, domain.AgentTaskStatus{Status: domain.AgentTaskFailed, Error: err.Error()})
		return
	}
	log.Info("task completed")
	a.setStatus(taskID, domain.AgentTaskStatus{Status: domain.AgentTaskCompleted, Result: result})
}

func (a *CommandAgent) execute(ctx context.Context, input []byte) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, a.command, a.args...)
	cmd.Dir = a.dir
	cmd.Env = append(os.Environ(), a.env...)
	cmd.Stdin = bytes.NewReader(input)
	stdout := &limitedBuffer{max: a.maxOutput}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", a.command, ctx.Err())
		}
		return nil, fmt.Errorf("%s failed: %w; stderr: %s", a.command, err, trim(strings.TrimSpace(stderr.String()), 800))
	}
	if stdout.overflow {
		return nil, fmt.Errorf("%s output exceeds %d bytes", a.command, a.maxOutput)
	}

	result, err := parseJSONObject(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parse %s output: %w; output: %s", a.command, err, trim(stdout.String(), 800))
	}
	return result, nil
}

func (a *CommandAgent) setStatus(taskID string, st domain.AgentTaskStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := taskState{status: st}
	if st.Status == domain.AgentTaskCompleted || st.Status == domain.AgentTaskFailed {
		next.finishedAt = time.Now()
	}
	a.tasks[taskID] = next
}

// parseJSONObject accepts a bare object, one wrapped in markdown fences, or
// one surrounded by log noise.
func parseJSONObject(raw []byte) (map[string]any, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil && out != nil {
		return out, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in output")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, err
	}
	return out, nil
}

type limitedBuffer struct {
	bytes.Buffer
	max      int
	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.max {
		b.overflow = true
		room := b.max - b.Len()
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

func startHeartbeat(ctx context.Context, interval time.Duration, onTick func(elapsed time.Duration)) func() {
	stop := make(chan struct{})
	started := time.Now()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				onTick(time.Since(started))
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
