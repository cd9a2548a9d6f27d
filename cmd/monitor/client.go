package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codeagent/internal/domain"
	"codeagent/internal/orchestrator"
)

type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
}

// snapshot is one refresh worth of dashboard data.
type snapshot struct {
	health    orchestrator.Health
	stats     orchestrator.Stats
	workflows []domain.Workflow
}

func (c *client) fetchSnapshot(ctx context.Context, limit int) (snapshot, error) {
	var s snapshot
	// A degraded coordinator answers 503 with a decodable body.
	if err := c.getJSON(ctx, "/healthz", &s.health); err != nil && s.health.Status == "" {
		return s, fmt.Errorf("health: %w", err)
	}
	if err := c.getJSON(ctx, "/stats", &s.stats); err != nil {
		return s, fmt.Errorf("stats: %w", err)
	}
	if err := c.getJSON(ctx, fmt.Sprintf("/workflows?limit=%d", limit), &s.workflows); err != nil {
		return s, fmt.Errorf("workflows: %w", err)
	}
	return s, nil
}

func (c *client) listDecisions(ctx context.Context, workflowID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(ctx, fmt.Sprintf("/workflows/%s/decisions?limit=%d", workflowID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// startWorkflow blocks until the workflow finishes. A failed workflow is
// returned as a result, not an error.
func (c *client) startWorkflow(ctx context.Context, req domain.WorkflowRequest) (domain.WorkflowResult, error) {
	var out domain.WorkflowResult
	code, err := c.postJSON(ctx, "/workflows", req, &out)
	if err != nil && code != http.StatusUnprocessableEntity {
		return out, err
	}
	return out, nil
}

func (c *client) waitHealth(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(400 * time.Millisecond)
	defer ticker.Stop()
	for {
		var h orchestrator.Health
		if err := c.getJSON(ctx, "/healthz", &h); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for /healthz")
		case <-ticker.C:
		}
	}
}

func (c *client) getJSON(ctx context.Context, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	_, err = c.do(req, out)
	return err
}

func (c *client) postJSON(ctx context.Context, path string, in any, out any) (int, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// do decodes the body into out even on an error status so callers can read
// structured failures.
func (c *client) do(req *http.Request, out any) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, err
		}
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return resp.StatusCode, nil
}
