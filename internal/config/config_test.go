package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[orchestrator]
addr = ":9000"
workspace_root = "/srv/code"

[bus]
queue_size = 64
base_delay_ms = 250

[tasks]
max_retries = 5

[workflow]
detection_timeout_ms = 120000
dispatch_interval_ms = 50
enable_test_generation = true
fix_agent = "llm_fixer"

[classifier]
endpoint = "http://localhost:8080/v1/responses"
model = "small"
auth_token_env = "TEST_CLASSIFIER_TOKEN"

[agents.bug_detection_agent]
command = "detector"
args = ["--json"]
capabilities = ["detect_bugs"]
timeout_ms = 30000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "codeagent.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileAndConvert(t *testing.T) {
	t.Setenv("TEST_CLASSIFIER_TOKEN", "tok")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr())
	assert.Equal(t, "data/codeagent.db", cfg.DBPath())

	bus := cfg.BusConfig()
	assert.Equal(t, 64, bus.QueueSize)
	assert.Equal(t, 250*time.Millisecond, bus.BaseDelay)
	assert.Zero(t, bus.MaxDelay)

	assert.Equal(t, 5, cfg.TaskConfig().MaxRetries)

	coord := cfg.CoordinatorConfig()
	assert.Equal(t, 2*time.Minute, coord.DetectionTimeout)
	assert.Equal(t, 50*time.Millisecond, coord.DispatchInterval)
	assert.True(t, coord.AutoRetry)
	assert.True(t, coord.EnableTestGeneration)
	assert.Equal(t, "llm_fixer", coord.FixAgent)

	require.True(t, cfg.ClassifierEnabled())
	assert.Equal(t, "tok", cfg.ClassifierConfig().AuthToken)

	assert.Equal(t, []string{"bug_detection_agent"}, cfg.AgentIDs())
	agentCfg, err := cfg.CommandAgentConfig("bug_detection_agent")
	require.NoError(t, err)
	assert.Equal(t, "detector", agentCfg.Command)
	assert.Equal(t, 30*time.Second, agentCfg.Timeout)
	_, err = cfg.CommandAgentConfig("missing")
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("CODEAGENT_ORCHESTRATOR_ADDR", ":7000")
	t.Setenv("CODEAGENT_BUS_QUEUE_SIZE", "8")
	t.Setenv("CODEAGENT_WORKFLOW_DISABLE_AUTO_RETRY", "true")
	t.Setenv("CODEAGENT_DECISION_CONFIDENCE_THRESHOLD", "0.9")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr())
	assert.Equal(t, 8, cfg.BusConfig().QueueSize)
	assert.False(t, cfg.CoordinatorConfig().AutoRetry)
	assert.Equal(t, 0.9, cfg.DecisionConfig().ConfidenceThreshold)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, ":8091", cfg.Addr())
	assert.False(t, cfg.ClassifierEnabled())
	assert.Empty(t, cfg.AgentIDs())
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, `
[decision]
confidence_threshold = 1.5
history_limit = 10
history_keep = 20

[agents.empty]
args = ["x"]
`))
	require.Error(t, err)
	for _, want := range []string{"confidence_threshold", "history_keep", "agents.empty.command"} {
		assert.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}

	_, err = Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
