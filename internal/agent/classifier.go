package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"codeagent/internal/decision"
)

const (
	defaultReasoningEffort   = "low"
	defaultAPIRetries        = 2
	defaultAPIRetryBackoff   = 1500 * time.Millisecond
	defaultAPITimeout        = 2 * time.Minute
	defaultMaxStreamBytes    = 256 * 1024
	defaultMaxOutputTokens   = 2000
	maxHTTPErrorBodyReadSize = 64 * 1024
)

var allowedReasoningEfforts = map[string]struct{}{
	"none":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

type APIClassifierConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Timeout         time.Duration
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Logger          *zap.Logger
	Client          *http.Client
}

// APIClassifier answers AI-tier classification prompts through a streaming
// Responses endpoint.
type APIClassifier struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	logger          *zap.Logger
	client          *http.Client
}

func NewAPIClassifier(cfg APIClassifierConfig) (*APIClassifier, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultAPIRetries
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxStreamBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &APIClassifier{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: normalizeReasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		logger:          cfg.Logger.Named("classifier"),
		client:          client,
	}, nil
}

// Classify sends prompt and parses the model's JSON answer. Rate limits,
// server errors and network failures are retried with growing waits.
func (c *APIClassifier) Classify(ctx context.Context, prompt string) (decision.Classification, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryBackoff
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	attempt := 0
	op := func() (decision.Classification, error) {
		attempt++
		out, err := c.classifyOnce(ctx, prompt)
		if err != nil && !isRetryableAPIError(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("classification retry",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.retries+1)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return decision.Classification{}, err
	}
	return out, nil
}

func (c *APIClassifier) classifyOnce(ctx context.Context, prompt string) (decision.Classification, error) {
	payload := responsesRequest{
		Model:        c.model,
		Instructions: classifierInstructions,
		Stream:       true,
		Reasoning:    &responsesReasoning{Effort: c.reasoningEffort},
		Input: []responsesInputMessage{
			{
				Role:    "user",
				Content: []responsesInputContent{{Type: "input_text", Text: prompt}},
			},
		},
		MaxOutputTokens: c.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return decision.Classification{}, fmt.Errorf("marshal responses request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return decision.Classification{}, fmt.Errorf("create API request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decision.Classification{}, fmt.Errorf("responses api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPErrorBodyReadSize))
		if readErr != nil {
			return decision.Classification{}, fmt.Errorf("responses api status=%d and read body failed: %w", resp.StatusCode, readErr)
		}
		return decision.Classification{}, apiHTTPError{statusCode: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}

	text, err := readResponsesStream(resp.Body, c.maxOutputBytes)
	if err != nil {
		return decision.Classification{}, fmt.Errorf("read responses stream: %w", err)
	}
	out, err := parseClassification(text)
	if err != nil {
		return decision.Classification{}, fmt.Errorf("parse model output: %w; output: %s", err, trim(text, 400))
	}
	return out, nil
}

func parseClassification(text string) (decision.Classification, error) {
	obj, err := parseJSONObject([]byte(text))
	if err != nil {
		return decision.Classification{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return decision.Classification{}, err
	}
	var out decision.Classification
	if err := json.Unmarshal(raw, &out); err != nil {
		return decision.Classification{}, err
	}
	if strings.TrimSpace(out.Complexity) == "" {
		return decision.Classification{}, errors.New("missing complexity")
	}
	return out, nil
}

func normalizeReasoningEffort(value string) string {
	effort := strings.ToLower(strings.TrimSpace(value))
	if _, ok := allowedReasoningEfforts[effort]; !ok {
		return defaultReasoningEffort
	}
	return effort
}

func isRetryableAPIError(err error) bool {
	var statusErr apiHTTPError
	if errors.As(err, &statusErr) {
		return statusErr.statusCode == http.StatusTooManyRequests || statusErr.statusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}

// readResponsesStream concatenates text deltas from a server-sent event
// stream. A completed event carrying the whole output is used when no deltas
// arrived.
func readResponsesStream(body io.Reader, maxBytes int) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBytes+64*1024)

	var output strings.Builder
	appendText := func(s string) error {
		if output.Len()+len(s) > maxBytes {
			return fmt.Errorf("responses output exceeds %d bytes", maxBytes)
		}
		output.WriteString(s)
		return nil
	}
	handle := func(lines []string) error {
		data := strings.TrimSpace(strings.Join(lines, "\n"))
		if data == "" || data == "[DONE]" {
			return nil
		}
		var event responsesStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return fmt.Errorf("unmarshal stream event: %w", err)
		}
		if event.Error != nil {
			return fmt.Errorf("responses stream error: %s", event.Error.Message)
		}
		if event.Response != nil && event.Response.Error != nil {
			return fmt.Errorf("responses completion error: %s", event.Response.Error.Message)
		}
		switch event.Type {
		case "response.output_text.delta":
			return appendText(event.Delta)
		case "response.completed":
			if output.Len() == 0 {
				return appendText(event.Response.text())
			}
		}
		return nil
	}

	var pending []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := handle(pending); err != nil {
				return "", err
			}
			pending = pending[:0]
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			pending = append(pending, strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := handle(pending); err != nil {
		return "", err
	}

	text := strings.TrimSpace(output.String())
	if text == "" {
		return "", errors.New("empty output stream")
	}
	return text, nil
}

type responsesRequest struct {
	Model           string                  `json:"model"`
	Instructions    string                  `json:"instructions"`
	Stream          bool                    `json:"stream"`
	Reasoning       *responsesReasoning     `json:"reasoning,omitempty"`
	Input           []responsesInputMessage `json:"input"`
	MaxOutputTokens int                     `json:"max_output_tokens,omitempty"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

type responsesInputMessage struct {
	Role    string                  `json:"role"`
	Content []responsesInputContent `json:"content"`
}

type responsesInputContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responsesStreamEvent struct {
	Type     string                  `json:"type"`
	Delta    string                  `json:"delta,omitempty"`
	Response *responsesEventResponse `json:"response,omitempty"`
	Error    *responsesAPIError      `json:"error,omitempty"`
}

type responsesEventResponse struct {
	Error  *responsesAPIError `json:"error,omitempty"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output,omitempty"`
}

func (r *responsesEventResponse) text() string {
	if r == nil {
		return ""
	}
	var out strings.Builder
	for _, item := range r.Output {
		for _, part := range item.Content {
			if part.Type == "output_text" || part.Type == "text" {
				out.WriteString(part.Text)
			}
		}
	}
	return out.String()
}

type responsesAPIError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
}

type apiHTTPError struct {
	statusCode int
	body       string
}

func (e apiHTTPError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("responses api status=%d", e.statusCode)
	}
	return fmt.Sprintf("responses api status=%d body=%s", e.statusCode, e.body)
}

const classifierInstructions = `You triage static analysis findings for an automated repair pipeline.
Return only valid JSON. Do not wrap output in markdown fences.
Required shape:
{"complexity": "simple|medium|complex", "strategy": "string", "confidence": 0.0, "reason": "string", "suggestions": ["string"]}`
