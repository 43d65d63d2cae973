// Package orchestrator is a thin HTTP client for the external workflow
// orchestrator's REST API. It only covers the four operations stagehand
// needs: list, get, resume, and cancel.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
)

// Workflow is the orchestrator's workflow handle, reduced to the fields
// resume correlation reads.
type Workflow struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	Suspended bool              `json:"suspended"`
	Phase     string            `json:"phase"`
	CreatedAt time.Time         `json:"created_at"`
}

// APIError is a non-2xx response from the orchestrator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator: %s (status %d)", e.Message, e.Status)
}

// StatusOf extracts the HTTP status from an orchestrator error chain.
func StatusOf(err error) (int, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, true
	}
	return 0, false
}

// Doer issues HTTP requests. *http.Client satisfies it; tests substitute
// their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client calls the orchestrator API.
type Client struct {
	baseURL string
	token   string
	http    Doer
	logger  *zap.Logger
}

// NewClient builds a client from the orchestrator config. The bearer token,
// if any, is read from the environment variable named by token_env.
func NewClient(cfg config.OrchestratorConfig, logger *zap.Logger) (*Client, error) {
	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("orchestrator request_timeout: %w", err)
	}
	token := ""
	if cfg.TokenEnv != "" {
		token = os.Getenv(cfg.TokenEnv)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// SetDoer swaps the HTTP transport. Used by tests.
func (c *Client) SetDoer(d Doer) {
	c.http = d
}

// ListWorkflows returns the workflows matching a label selector, e.g.
// "workflow-type=play-orchestration,task-id=5".
func (c *Client) ListWorkflows(ctx context.Context, labelSelector string) ([]Workflow, error) {
	path := "/api/v1/workflows"
	if labelSelector != "" {
		path += "?labelSelector=" + url.QueryEscape(labelSelector)
	}

	var out struct {
		Items []Workflow `json:"items"`
	}
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	return out.Items, nil
}

// GetWorkflow fetches one workflow by name.
func (c *Client) GetWorkflow(ctx context.Context, name string) (*Workflow, error) {
	var wf Workflow
	if err := c.call(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(name), nil, &wf); err != nil {
		return nil, fmt.Errorf("getting workflow %s: %w", name, err)
	}
	return &wf, nil
}

// ResumeWorkflow resumes a suspended workflow, passing resume parameters
// through to the workflow's next stage.
func (c *Client) ResumeWorkflow(ctx context.Context, name string, params map[string]string) (*Workflow, error) {
	body := struct {
		Parameters map[string]string `json:"parameters,omitempty"`
	}{Parameters: params}

	var wf Workflow
	if err := c.call(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(name)+"/resume", body, &wf); err != nil {
		return nil, fmt.Errorf("resuming workflow %s: %w", name, err)
	}
	c.logger.Info("workflow resumed", zap.String("workflow", name))
	return &wf, nil
}

// CancelWorkflow stops a workflow. Used to clear duplicates once a winner
// has been picked.
func (c *Client) CancelWorkflow(ctx context.Context, name string) error {
	if err := c.call(ctx, http.MethodPut, "/api/v1/workflows/"+url.PathEscape(name)+"/stop", nil, nil); err != nil {
		return fmt.Errorf("cancelling workflow %s: %w", name, err)
	}
	c.logger.Info("workflow cancelled", zap.String("workflow", name))
	return nil
}

// call issues one request and decodes the response into out (when non-nil).
// Non-2xx responses become APIErrors carrying the status and response body.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp)
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// readErrorMessage pulls a human-readable message out of an error response,
// preferring a JSON {"message": ...} body and falling back to status text.
func readErrorMessage(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
		return trimmed
	}
	return strings.ToLower(http.StatusText(resp.StatusCode))
}
