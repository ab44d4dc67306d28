package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"planforge/internal/toolclient"
)

// Model generates planning replies from a conversation transcript.
type Model struct {
	Client    *toolclient.Client
	Name      string
	MaxTokens int
}

// ChatMessage is one transcript entry sent to the model provider.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completion struct {
	Content string `json:"content"`
}

// Complete sends the system prompt and transcript and returns the raw reply.
func (m Model) Complete(ctx context.Context, system string, messages []ChatMessage) (string, error) {
	args := map[string]any{
		"messages": messages,
		"system":   system,
	}
	if m.Name != "" {
		args["model"] = m.Name
	}
	if m.MaxTokens > 0 {
		args["max_tokens"] = m.MaxTokens
	}
	data, err := m.Client.Invoke(ctx, "model", "complete", args)
	if err != nil {
		return "", err
	}
	var out completion
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode completion: %w", err)
	}
	return out.Content, nil
}

// Tracker materializes the plan in the external issue tracker.
type Tracker struct {
	Client *toolclient.Client
}

type RepoRef struct {
	Name string `json:"repo_name"`
	URL  string `json:"repo_url"`
}

type MilestoneRef struct {
	ID int `json:"milestone_id"`
}

type IssueRef struct {
	Number int    `json:"issue_number"`
	URL    string `json:"issue_url"`
}

func (t Tracker) CreateRepository(ctx context.Context, name, description string, private bool) (RepoRef, error) {
	var ref RepoRef
	data, err := t.Client.Invoke(ctx, "tracker", "create_repository", map[string]any{
		"name":        name,
		"description": description,
		"private":     private,
		"auto_init":   true,
	})
	if err != nil {
		return ref, err
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("decode repository: %w", err)
	}
	if ref.Name == "" {
		ref.Name = name
	}
	return ref, nil
}

func (t Tracker) CreateMilestone(ctx context.Context, repoName, title, description string) (MilestoneRef, error) {
	var ref MilestoneRef
	data, err := t.Client.Invoke(ctx, "tracker", "create_milestone", map[string]any{
		"repo_name":   repoName,
		"title":       title,
		"description": description,
	})
	if err != nil {
		return ref, err
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("decode milestone: %w", err)
	}
	return ref, nil
}

func (t Tracker) CreateIssue(ctx context.Context, repoName, title, body string, labels []string, milestone *int) (IssueRef, error) {
	var ref IssueRef
	args := map[string]any{
		"repo_name": repoName,
		"title":     title,
		"body":      body,
		"labels":    labels,
	}
	if milestone != nil {
		args["milestone"] = *milestone
	}
	data, err := t.Client.Invoke(ctx, "tracker", "create_issue", args)
	if err != nil {
		return ref, err
	}
	if err := json.Unmarshal(data, &ref); err != nil {
		return ref, fmt.Errorf("decode issue: %w", err)
	}
	return ref, nil
}

// CreateLabels provisions one of the tracker's predefined label sets
// (basic, extended or priority).
func (t Tracker) CreateLabels(ctx context.Context, repoName, labelSet string) error {
	_, err := t.Client.Invoke(ctx, "tracker", "create_labels", map[string]any{
		"repo_name": repoName,
		"label_set": labelSet,
	})
	return err
}

// CreateProjectStructure scaffolds the repository with starter files for the
// given project type.
func (t Tracker) CreateProjectStructure(ctx context.Context, repoName, projectType string) error {
	_, err := t.Client.Invoke(ctx, "tracker", "create_project_structure", map[string]any{
		"repo_name":    repoName,
		"project_type": projectType,
	})
	return err
}

// Agent drives a local coding agent for task execution and project setup.
type Agent struct {
	Client *toolclient.Client
}

type ExecutionResult struct {
	Status string `json:"status"`
	Output string `json:"output"`
}

// Failed reports whether the agent run ended in an error state. Any other
// status (prepared, completed, ...) counts as success.
func (r ExecutionResult) Failed() bool {
	return r.Status == "failed" || r.Status == "error"
}

// ExecuteTask hands one task to the agent. The task payload carries the full
// task attributes plus its story and epic titles; extra is free-form caller
// context.
func (a Agent) ExecuteTask(ctx context.Context, projectID string, task map[string]any, extra string) (ExecutionResult, error) {
	var res ExecutionResult
	data, err := a.Client.Invoke(ctx, "agent", "execute_task", map[string]any{
		"project_id": projectID,
		"task":       task,
		"context":    extra,
	})
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, fmt.Errorf("decode execution result: %w", err)
	}
	return res, nil
}

func (a Agent) InitProject(ctx context.Context, projectID, repoURL, projectName string) error {
	_, err := a.Client.Invoke(ctx, "agent", "init_project", map[string]any{
		"project_id":   projectID,
		"repo_url":     repoURL,
		"project_name": projectName,
	})
	return err
}
