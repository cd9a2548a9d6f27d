package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"

	"codeagent/internal/agent"
	"codeagent/internal/decision"
	"codeagent/internal/messaging/inproc"
	"codeagent/internal/orchestrator"
	"codeagent/internal/taskmanager"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CODEAGENT_"

type Config struct {
	Orchestrator OrchestratorConfig     `toml:"orchestrator" envPrefix:"ORCHESTRATOR_"`
	Bus          BusConfig              `toml:"bus" envPrefix:"BUS_"`
	Tasks        TasksConfig            `toml:"tasks" envPrefix:"TASKS_"`
	Decision     DecisionConfig         `toml:"decision" envPrefix:"DECISION_"`
	Workflow     WorkflowConfig         `toml:"workflow" envPrefix:"WORKFLOW_"`
	Classifier   ClassifierConfig       `toml:"classifier" envPrefix:"CLASSIFIER_"`
	Agents       map[string]AgentConfig `toml:"agents" env:"-"`
	Path         string                 `toml:"-" env:"-"`
}

type OrchestratorConfig struct {
	Addr          string `toml:"addr" env:"ADDR"`
	DBPath        string `toml:"db_path" env:"DB_PATH"`
	WorkspaceRoot string `toml:"workspace_root" env:"WORKSPACE_ROOT"`
	LogLevel      string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat     string `toml:"log_format" env:"LOG_FORMAT"`
}

type BusConfig struct {
	QueueSize       int `toml:"queue_size" env:"QUEUE_SIZE"`
	MaxRetries      int `toml:"max_retries" env:"MAX_RETRIES"`
	BaseDelayMS     int `toml:"base_delay_ms" env:"BASE_DELAY_MS"`
	MaxDelayMS      int `toml:"max_delay_ms" env:"MAX_DELAY_MS"`
	ShutdownGraceMS int `toml:"shutdown_grace_ms" env:"SHUTDOWN_GRACE_MS"`
}

type TasksConfig struct {
	TimeoutMS       int `toml:"timeout_ms" env:"TIMEOUT_MS"`
	MaxRetries      int `toml:"max_retries" env:"MAX_RETRIES"`
	SweepIntervalMS int `toml:"sweep_interval_ms" env:"SWEEP_INTERVAL_MS"`
	MaxHistory      int `toml:"max_history" env:"MAX_HISTORY"`
}

type DecisionConfig struct {
	ConfidenceThreshold float64 `toml:"confidence_threshold" env:"CONFIDENCE_THRESHOLD"`
	HistoryLimit        int     `toml:"history_limit" env:"HISTORY_LIMIT"`
	HistoryKeep         int     `toml:"history_keep" env:"HISTORY_KEEP"`
}

type WorkflowConfig struct {
	DetectionTimeoutMS      int    `toml:"detection_timeout_ms" env:"DETECTION_TIMEOUT_MS"`
	TestGenerationTimeoutMS int    `toml:"test_generation_timeout_ms" env:"TEST_GENERATION_TIMEOUT_MS"`
	FixTimeoutMS            int    `toml:"fix_timeout_ms" env:"FIX_TIMEOUT_MS"`
	AgentPollIntervalMS     int    `toml:"agent_poll_interval_ms" env:"AGENT_POLL_INTERVAL_MS"`
	AgentTaskCeilingMS      int    `toml:"agent_task_ceiling_ms" env:"AGENT_TASK_CEILING_MS"`
	DispatchIntervalMS      int    `toml:"dispatch_interval_ms" env:"DISPATCH_INTERVAL_MS"`
	ShutdownGraceMS         int    `toml:"shutdown_grace_ms" env:"SHUTDOWN_GRACE_MS"`
	DisableAutoRetry        bool   `toml:"disable_auto_retry" env:"DISABLE_AUTO_RETRY"`
	EnableTestGeneration    bool   `toml:"enable_test_generation" env:"ENABLE_TEST_GENERATION"`
	DetectionAgent          string `toml:"detection_agent" env:"DETECTION_AGENT"`
	FixAgent                string `toml:"fix_agent" env:"FIX_AGENT"`
	TestAgent               string `toml:"test_agent" env:"TEST_AGENT"`
	MaxWorkflows            int    `toml:"max_workflows" env:"MAX_WORKFLOWS"`
}

// ClassifierConfig enables the AI decision tier when Endpoint and Model are
// both set.
type ClassifierConfig struct {
	Endpoint        string `toml:"endpoint" env:"ENDPOINT"`
	Model           string `toml:"model" env:"MODEL"`
	ReasoningEffort string `toml:"reasoning_effort" env:"REASONING_EFFORT"`
	AuthToken       string `toml:"auth_token" env:"AUTH_TOKEN"`
	AuthTokenEnv    string `toml:"auth_token_env" env:"AUTH_TOKEN_ENV"`
	TimeoutMS       int    `toml:"timeout_ms" env:"TIMEOUT_MS"`
	Retries         int    `toml:"retries" env:"RETRIES"`
	RetryBackoffMS  int    `toml:"retry_backoff_ms" env:"RETRY_BACKOFF_MS"`
	MaxOutputTokens int    `toml:"max_output_tokens" env:"MAX_OUTPUT_TOKENS"`
}

// AgentConfig describes one subprocess agent under [agents.<id>].
type AgentConfig struct {
	Command        string   `toml:"command"`
	Args           []string `toml:"args"`
	Dir            string   `toml:"dir"`
	Env            []string `toml:"env"`
	Capabilities   []string `toml:"capabilities"`
	TimeoutMS      int      `toml:"timeout_ms"`
	MaxConcurrent  int      `toml:"max_concurrent"`
	MaxOutputBytes int      `toml:"max_output_bytes"`
}

// Load reads the TOML file at path, then applies CODEAGENT_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		resolved, err := expandHome(path)
		if err != nil {
			return Config{}, err
		}
		raw, err := os.ReadFile(resolved)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
		}
		if _, err := toml.Decode(string(raw), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		cfg.Path = resolved
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Decision.ConfidenceThreshold < 0 || c.Decision.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("decision.confidence_threshold must be within [0, 1], got %v", c.Decision.ConfidenceThreshold))
	}
	if c.Decision.HistoryKeep > 0 && c.Decision.HistoryLimit > 0 && c.Decision.HistoryKeep > c.Decision.HistoryLimit {
		errs = append(errs, fmt.Errorf("decision.history_keep (%d) exceeds history_limit (%d)", c.Decision.HistoryKeep, c.Decision.HistoryLimit))
	}
	for _, id := range c.AgentIDs() {
		if strings.TrimSpace(c.Agents[id].Command) == "" {
			errs = append(errs, fmt.Errorf("agents.%s.command is required", id))
		}
	}
	return errors.Join(errs...)
}

// AgentIDs returns the configured agent ids in sorted order.
func (c Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c Config) Addr() string {
	return firstNonEmpty(c.Orchestrator.Addr, ":8091")
}

func (c Config) DBPath() string {
	return firstNonEmpty(c.Orchestrator.DBPath, "data/codeagent.db")
}

func (c Config) BusConfig() inproc.Config {
	return inproc.Config{
		QueueSize:     c.Bus.QueueSize,
		MaxRetries:    c.Bus.MaxRetries,
		BaseDelay:     durationMS(c.Bus.BaseDelayMS, 0),
		MaxDelay:      durationMS(c.Bus.MaxDelayMS, 0),
		ShutdownGrace: durationMS(c.Bus.ShutdownGraceMS, 0),
	}
}

func (c Config) TaskConfig() taskmanager.Config {
	return taskmanager.Config{
		TaskTimeout:   durationMS(c.Tasks.TimeoutMS, 0),
		MaxRetries:    c.Tasks.MaxRetries,
		SweepInterval: durationMS(c.Tasks.SweepIntervalMS, 0),
		MaxHistory:    c.Tasks.MaxHistory,
	}
}

func (c Config) DecisionConfig() decision.Config {
	return decision.Config{
		ConfidenceThreshold: c.Decision.ConfidenceThreshold,
		HistoryLimit:        c.Decision.HistoryLimit,
		HistoryKeep:         c.Decision.HistoryKeep,
	}
}

// CoordinatorConfig converts the workflow section. Failed tasks are retried
// unless disable_auto_retry is set.
func (c Config) CoordinatorConfig() orchestrator.Config {
	return orchestrator.Config{
		AgentPollInterval:     durationMS(c.Workflow.AgentPollIntervalMS, 0),
		AgentTaskCeiling:      durationMS(c.Workflow.AgentTaskCeilingMS, 0),
		DetectionTimeout:      durationMS(c.Workflow.DetectionTimeoutMS, 0),
		TestGenerationTimeout: durationMS(c.Workflow.TestGenerationTimeoutMS, 0),
		FixTimeout:            durationMS(c.Workflow.FixTimeoutMS, 0),
		ShutdownGrace:         durationMS(c.Workflow.ShutdownGraceMS, 0),
		DispatchInterval:      durationMS(c.Workflow.DispatchIntervalMS, 0),
		AutoRetry:             !c.Workflow.DisableAutoRetry,
		EnableTestGeneration:  c.Workflow.EnableTestGeneration,
		DetectionAgent:        c.Workflow.DetectionAgent,
		FixAgent:              c.Workflow.FixAgent,
		TestAgent:             c.Workflow.TestAgent,
		MaxWorkflows:          c.Workflow.MaxWorkflows,
	}
}

// ClassifierEnabled reports whether the AI tier has an endpoint to call.
func (c Config) ClassifierEnabled() bool {
	return strings.TrimSpace(c.Classifier.Endpoint) != "" && strings.TrimSpace(c.Classifier.Model) != ""
}

func (c Config) ClassifierConfig() agent.APIClassifierConfig {
	token := c.Classifier.AuthToken
	if token == "" && c.Classifier.AuthTokenEnv != "" {
		token = os.Getenv(c.Classifier.AuthTokenEnv)
	}
	return agent.APIClassifierConfig{
		Endpoint:        c.Classifier.Endpoint,
		Model:           c.Classifier.Model,
		ReasoningEffort: c.Classifier.ReasoningEffort,
		AuthToken:       token,
		Timeout:         durationMS(c.Classifier.TimeoutMS, 0),
		Retries:         c.Classifier.Retries,
		RetryBackoff:    durationMS(c.Classifier.RetryBackoffMS, 0),
		MaxOutputTokens: c.Classifier.MaxOutputTokens,
	}
}

func (c Config) CommandAgentConfig(id string) (agent.CommandAgentConfig, error) {
	a, ok := c.Agents[id]
	if !ok {
		return agent.CommandAgentConfig{}, fmt.Errorf("agent %q is not configured", id)
	}
	return agent.CommandAgentConfig{
		ID:             id,
		Command:        a.Command,
		Args:           a.Args,
		Dir:            a.Dir,
		Env:            a.Env,
		Capabilities:   a.Capabilities,
		Timeout:        durationMS(a.TimeoutMS, 0),
		MaxConcurrent:  a.MaxConcurrent,
		MaxOutputBytes: a.MaxOutputBytes,
	}, nil
}

func expandHome(path string) (string, error) {
	resolved := path
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	return filepath.Clean(resolved), nil
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
