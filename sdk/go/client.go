package planforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planforge HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	RepoURL     *string  `json:"repo_url,omitempty"`
	RepoName    *string  `json:"repo_name,omitempty"`
	TechStack   []string `json:"tech_stack,omitempty"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

// Conversation represents the planning dialogue state.
type Conversation struct {
	ID           string `json:"id"`
	Phase        string `json:"phase"`
	CurrentState string `json:"current_state"`
	Version      int64  `json:"version"`
}

// Turn is the result of one planning exchange.
type Turn struct {
	Project      Project      `json:"project"`
	Conversation Conversation `json:"conversation"`
	Reply        string       `json:"reply"`
	Ready        bool         `json:"ready_to_finalize"`
}

// Task represents the API task model.
type Task struct {
	ID             string   `json:"id"`
	StoryID        string   `json:"story_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"task_type"`
	EstimatedHours *float64 `json:"estimated_hours,omitempty"`
	ActualHours    *float64 `json:"actual_hours,omitempty"`
	Status         string   `json:"status"`
	OrderIndex     int      `json:"order_index"`
	IssueNumber    *int     `json:"issue_number,omitempty"`
	IssueURL       *string  `json:"issue_url,omitempty"`
}

// NextTask is a task together with its story and epic context.
type NextTask struct {
	Task       Task   `json:"task"`
	StoryTitle string `json:"story_title"`
	EpicTitle  string `json:"epic_title"`
}

// Story groups tasks under a user story.
type Story struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	UserStory  string `json:"user_story,omitempty"`
	Priority   int    `json:"priority"`
	Status     string `json:"status"`
	OrderIndex int    `json:"order_index"`
	Tasks      []Task `json:"tasks"`
}

// Epic groups stories.
type Epic struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	Priority        int     `json:"priority"`
	Status          string  `json:"status"`
	OrderIndex      int     `json:"order_index"`
	MilestoneNumber *int    `json:"milestone_number,omitempty"`
	Stories         []Story `json:"stories"`
}

// Plan is the persisted work breakdown of a project.
type Plan struct {
	Project Project `json:"project"`
	Epics   []Epic  `json:"epics"`
}

// IssueRef points at a tracker issue created for a task.
type IssueRef struct {
	TaskID string `json:"task_id"`
	Number int    `json:"number"`
	URL    string `json:"url,omitempty"`
}

// FinalizeResult summarizes a finalization run.
type FinalizeResult struct {
	ProjectID  string     `json:"project_id"`
	Status     string     `json:"status"`
	RepoURL    string     `json:"repo_url,omitempty"`
	Epics      int        `json:"epics"`
	Stories    int        `json:"stories"`
	Tasks      int        `json:"tasks"`
	Milestones int        `json:"milestones"`
	Issues     []IssueRef `json:"issues"`
}

// ExecutionLog is one agent run against a task.
type ExecutionLog struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Command     string  `json:"command"`
	Output      string  `json:"output,omitempty"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// APIError wraps non-2xx responses carrying the error envelope.
type APIError struct {
	StatusCode int
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

// CreateProject starts a planning dialogue from a raw idea.
func (c *Client) CreateProject(ctx context.Context, idea string) (Turn, error) {
	var resp Turn
	err := c.do(ctx, http.MethodPost, "v1/projects", map[string]string{"description": idea}, &resp)
	return resp, err
}

// Chat sends the next user message in the planning dialogue.
func (c *Client) Chat(ctx context.Context, projectID, message string) (Turn, error) {
	var resp Turn
	endpoint := c.projectPath(projectID, "messages")
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"message": message}, &resp)
	return resp, err
}

// Finalize persists the plan and materializes it in the tracker.
func (c *Client) Finalize(ctx context.Context, projectID string, createRepo, createIssues bool) (FinalizeResult, error) {
	body := map[string]any{
		"create_repo":   createRepo,
		"create_issues": createIssues,
	}
	var resp FinalizeResult
	err := c.do(ctx, http.MethodPost, c.projectPath(projectID, "finalize"), body, &resp)
	return resp, err
}

// Projects lists projects, optionally filtered by status and capped at limit.
func (c *Client) Projects(ctx context.Context, status string, limit int) ([]Project, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v1/projects"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Project fetches one project.
func (c *Client) Project(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v1/projects/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// DeleteProject removes a project and everything under it.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	return c.do(ctx, http.MethodDelete, "v1/projects/"+url.PathEscape(projectID), nil, nil)
}

// Plan returns the persisted work breakdown.
func (c *Client) Plan(ctx context.Context, projectID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "plan"), nil, &resp)
	return resp, err
}

// NextTasks returns up to limit actionable tasks in plan order.
func (c *Client) NextTasks(ctx context.Context, projectID string, limit int) ([]NextTask, error) {
	endpoint := c.projectPath(projectID, "next-tasks")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []NextTask
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTaskStatus moves a task through its lifecycle.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string, actualHours *float64) (Task, error) {
	body := map[string]any{"status": status}
	if actualHours != nil {
		body["actual_hours"] = *actualHours
	}
	var resp Task
	endpoint := fmt.Sprintf("v1/tasks/%s/status", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// ExecuteTask hands a task to the coding agent. extraContext is optional
// free-form context forwarded alongside the task.
func (c *Client) ExecuteTask(ctx context.Context, taskID, extraContext string) (ExecutionLog, error) {
	var resp ExecutionLog
	endpoint := fmt.Sprintf("v1/tasks/%s/execute", url.PathEscape(taskID))
	var body any
	if extraContext != "" {
		body = map[string]string{"context": extraContext}
	}
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ExecutionLogs returns the agent runs recorded for a task, newest first.
func (c *Client) ExecutionLogs(ctx context.Context, taskID string) ([]ExecutionLog, error) {
	var resp []ExecutionLog
	endpoint := fmt.Sprintf("v1/tasks/%s/logs", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExportMarkdown returns the project plan rendered as a markdown document.
func (c *Client) ExportMarkdown(ctx context.Context, projectID string) (string, error) {
	endpoint := c.base() + "/" + c.projectPath(projectID, "export.md")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}
	b, err := io.ReadAll(resp.Body)
	return string(b), err
}

// Health reports database and provider reachability.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var resp map[string]string
	err := c.do(ctx, http.MethodGet, "v1/health", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(b, &envelope); err == nil && envelope.Error != nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	} else {
		apiErr.Message = string(b)
	}
	return apiErr
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: c.Timeout}
}

func (c *Client) projectPath(projectID, p string) string {
	return fmt.Sprintf("v1/projects/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
