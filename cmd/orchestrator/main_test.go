package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeagent/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (domain.WorkflowResult, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()

	var res domain.WorkflowResult
	if stdout.Len() > 0 {
		require.NoError(t, json.Unmarshal(stdout.Bytes(), &res), stdout.String())
	}
	return res, err
}

func TestRunCommandWithoutDefects(t *testing.T) {
	cfgPath := writeConfig(t, `
[orchestrator]
log_level = "debug"

[agents.bug_detection_agent]
command = "cat"
capabilities = ["detect_bugs"]
`)
	project := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "audit", "codeagent.db")

	res, err := execute(t, "--config", cfgPath, "--db", dbPath, "run", project)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "no defects found", res.Message)
	assert.FileExists(t, dbPath)
}

func TestRunCommandReportsFailure(t *testing.T) {
	cfgPath := writeConfig(t, "")

	res, err := execute(t, "--config", cfgPath, "--no-audit", "run", "--file", "main.py")
	require.ErrorIs(t, err, errWorkflowFailed)
	assert.False(t, res.Success)
	assert.Equal(t, domain.WorkflowStatusFailed, res.Status)
	assert.Contains(t, res.Error, "detection stage")
}

func TestRunCommandRejectsWorkspaceEscape(t *testing.T) {
	cfgPath := writeConfig(t, `
[agents.bug_detection_agent]
command = "cat"
`)
	workspace := t.TempDir()

	res, err := execute(t, "--config", cfgPath, "--no-audit", "--workspace", workspace, "run", "../outside")
	require.ErrorIs(t, err, errWorkflowFailed)
	assert.False(t, res.Success)
}

func TestInvalidConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
[agents.fix_agent]
args = ["--fix"]
`)
	_, err := execute(t, "--config", cfgPath, "--no-audit", "run", ".")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.fix_agent.command is required")
}
