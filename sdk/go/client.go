package flowlinesdk

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Flowline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "api/v1",
		Timeout:  10 * time.Second,
	}
}

// Workflow represents the API workflow model.
type Workflow struct {
	ID            uint64 `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	BudgetFloor   uint64 `json:"budget_floor"`
	BudgetCeiling uint64 `json:"budget_ceiling"`
	TotalBudget   uint64 `json:"total_budget"`
	Owner         string `json:"owner"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// Task represents the API task model.
type Task struct {
	WorkflowID    uint64   `json:"workflow_id"`
	ID            uint64   `json:"id"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Assignee      *string  `json:"assignee,omitempty"`
	State         string   `json:"state"`
	LoggedHours   uint64   `json:"logged_hours"`
	Prerequisites []uint64 `json:"prerequisites"`
}

// Contributor is a roster entry.
type Contributor struct {
	Principal string `json:"principal"`
	Tier      uint64 `json:"tier"`
	CreatedAt string `json:"created_at"`
}

// Checkpoint is an immutable milestone.
type Checkpoint struct {
	WorkflowID       uint64 `json:"workflow_id"`
	ID               uint64 `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	TargetHeight     uint64 `json:"target_height"`
	BudgetAllocation uint64 `json:"budget_allocation"`
	CreatedAt        string `json:"created_at"`
}

// Event is a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	WorkflowID uint64 `json:"workflow_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkflow creates a workflow owned by the authenticated actor.
func (c *Client) CreateWorkflow(ctx context.Context, title string, floor, ceiling, total uint64) (Workflow, error) {
	body := map[string]any{
		"title":          title,
		"budget_floor":   floor,
		"budget_ceiling": ceiling,
		"total_budget":   total,
	}
	var resp Workflow
	err := c.do(ctx, http.MethodPost, "workflows", body, &resp)
	return resp, err
}

// GetWorkflow fetches one workflow.
func (c *Client) GetWorkflow(ctx context.Context, id uint64) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("workflows/%d", id), nil, &resp)
	return resp, err
}

// Enroll adds a contributor at the given tier.
func (c *Client) Enroll(ctx context.Context, workflowID uint64, principal string, tier uint64) (Contributor, error) {
	body := map[string]any{"principal": principal, "tier": tier}
	var resp Contributor
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/contributors", workflowID), body, &resp)
	return resp, err
}

// SpawnTask creates a task in a workflow.
func (c *Client) SpawnTask(ctx context.Context, workflowID uint64, title string) (Task, error) {
	body := map[string]any{"title": title}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/tasks", workflowID), body, &resp)
	return resp, err
}

// Transition advances a task to the given state.
func (c *Client) Transition(ctx context.Context, workflowID, taskID uint64, state string) (Task, error) {
	body := map[string]any{"state": state}
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/tasks/%d/transition", workflowID, taskID), body, &resp)
	return resp, err
}

// EstablishPrerequisite requires prerequisiteID before taskID.
func (c *Client) EstablishPrerequisite(ctx context.Context, workflowID, taskID, prerequisiteID uint64) error {
	body := map[string]any{"prerequisite_id": prerequisiteID}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/tasks/%d/prerequisites", workflowID, taskID), body, nil)
}

// AttachArtifact records a content hash against a task.
func (c *Client) AttachArtifact(ctx context.Context, workflowID, taskID uint64, hash []byte) error {
	body := map[string]any{"hash": hex.EncodeToString(hash)}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/tasks/%d/artifacts", workflowID, taskID), body, nil)
}

// LogTime records hours against a task and returns the running total.
func (c *Client) LogTime(ctx context.Context, workflowID, taskID, hours uint64, note string) (uint64, error) {
	body := map[string]any{"hours": hours, "note": note}
	var resp struct {
		LoggedHours uint64 `json:"logged_hours"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/tasks/%d/time", workflowID, taskID), body, &resp)
	return resp.LoggedHours, err
}

// CreateCheckpoint records a milestone. Requires manager tier or better.
func (c *Client) CreateCheckpoint(ctx context.Context, workflowID uint64, title string, targetHeight, allocation uint64) (Checkpoint, error) {
	body := map[string]any{
		"title":             title,
		"target_height":     targetHeight,
		"budget_allocation": allocation,
	}
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("workflows/%d/checkpoints", workflowID), body, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("events?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.Trim(c.BasePath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
