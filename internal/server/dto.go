package server

import (
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/finalize"
	"planforge/internal/repo"
)

// Request payloads

type CreateProjectRequest struct {
	Description string `json:"description" doc:"Free-text project idea to start planning from"`
}

type ContinueRequest struct {
	Message string `json:"message" doc:"Next user message in the planning dialogue"`
}

type FinalizeRequest struct {
	CreateRepo   *bool `json:"create_repo,omitempty" doc:"Create the tracker repository (default true)"`
	CreateIssues *bool `json:"create_issues,omitempty" doc:"Create tracker issues per task (default true)"`
}

type UpdateTaskStatusRequest struct {
	Status      string   `json:"status" enum:"todo,in_progress,review,done,blocked"`
	ActualHours *float64 `json:"actual_hours,omitempty"`
}

type ExecuteTaskRequest struct {
	Context string `json:"context,omitempty" doc:"Additional free-form context passed to the coding agent"`
}

// Response payloads

type ProjectResponse struct {
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

type ConversationResponse struct {
	ID           string `json:"id"`
	Phase        string `json:"phase"`
	CurrentState string `json:"current_state"`
	Version      int64  `json:"version"`
}

type TurnResponse struct {
	Project      ProjectResponse      `json:"project"`
	Conversation ConversationResponse `json:"conversation"`
	Reply        string               `json:"reply"`
	Ready        bool                 `json:"ready_to_finalize"`
}

type TaskResponse struct {
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

type NextTaskResponse struct {
	Task       TaskResponse `json:"task"`
	StoryTitle string       `json:"story_title"`
	EpicTitle  string       `json:"epic_title"`
}

type ExecutionLogResponse struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Command     string  `json:"command"`
	Output      string  `json:"output,omitempty"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

type FinalizeResponse struct {
	ProjectID  string              `json:"project_id"`
	Status     string              `json:"status"`
	RepoURL    string              `json:"repo_url,omitempty"`
	Epics      int                 `json:"epics"`
	Stories    int                 `json:"stories"`
	Tasks      int                 `json:"tasks"`
	Milestones int                 `json:"milestones"`
	Issues     []finalize.IssueRef `json:"issues"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
		RepoURL:     p.RepoURL,
		RepoName:    p.RepoName,
		TechStack:   p.TechStack,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func turnResponse(r engine.ConversationResult) TurnResponse {
	return TurnResponse{
		Project: projectResponse(r.Project),
		Conversation: ConversationResponse{
			ID:           r.Conversation.ID,
			Phase:        r.Conversation.Phase,
			CurrentState: r.Conversation.CurrentState,
			Version:      r.Conversation.Version,
		},
		Reply: r.Reply,
		Ready: r.Ready,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		StoryID:        t.StoryID,
		Title:          t.Title,
		Description:    t.Description,
		TaskType:       t.TaskType,
		EstimatedHours: t.EstimatedHours,
		ActualHours:    t.ActualHours,
		Status:         t.Status,
		OrderIndex:     t.OrderIndex,
		IssueNumber:    t.IssueNumber,
		IssueURL:       t.IssueURL,
	}
}

func mapNextTasks(items []repo.TaskContext) []NextTaskResponse {
	res := make([]NextTaskResponse, 0, len(items))
	for _, tc := range items {
		res = append(res, NextTaskResponse{
			Task:       taskResponse(tc.Task),
			StoryTitle: tc.StoryTitle,
			EpicTitle:  tc.EpicTitle,
		})
	}
	return res
}

func logResponse(l domain.ExecutionLog) ExecutionLogResponse {
	return ExecutionLogResponse{
		ID:          l.ID,
		TaskID:      l.TaskID,
		Command:     l.Command,
		Output:      l.Output,
		Status:      l.Status,
		StartedAt:   l.StartedAt,
		CompletedAt: l.CompletedAt,
	}
}

func finalizeResponse(r finalize.Result) FinalizeResponse {
	issues := r.Issues
	if issues == nil {
		issues = []finalize.IssueRef{}
	}
	return FinalizeResponse{
		ProjectID:  r.ProjectID,
		Status:     r.Status,
		RepoURL:    r.RepoURL,
		Epics:      r.Epics,
		Stories:    r.Stories,
		Tasks:      r.Tasks,
		Milestones: r.Milestones,
		Issues:     issues,
	}
}
