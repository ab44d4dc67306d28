package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"planforge/internal/domain"
	"planforge/internal/events"
	"planforge/internal/repo"
)

// ensureTaskTransition validates a work-item status move.
func ensureTaskTransition(from, to string) error {
	if from == to {
		return nil
	}
	allowed := map[string][]string{
		domain.StatusTodo:       {domain.StatusInProgress, domain.StatusBlocked},
		domain.StatusInProgress: {domain.StatusReview, domain.StatusDone, domain.StatusBlocked, domain.StatusTodo},
		domain.StatusReview:     {domain.StatusDone, domain.StatusInProgress, domain.StatusBlocked},
		domain.StatusBlocked:    {domain.StatusTodo, domain.StatusInProgress},
		domain.StatusDone:       {},
	}
	for _, next := range allowed[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task transition %s -> %s", from, to)
}

// UpdateTaskStatus moves a task through its lifecycle, optionally recording
// actual hours spent.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status string, actualHours *float64) (domain.Task, error) {
	if !domain.ValidWorkStatus(status) {
		return domain.Task{}, fmt.Errorf("unknown status %q", status)
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := ensureTaskTransition(task.Status, status); err != nil {
		return domain.Task{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, status, actualHours); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.status", "", "task", taskID,
		events.EventPayload{"from": task.Status, "to": status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	task.Status = status
	if actualHours != nil {
		task.ActualHours = actualHours
	}
	return task, nil
}

// ExecuteTask hands a task to the coding agent. The task moves to
// in_progress first; the agent's outcome decides whether it lands in review
// or blocked. Every run leaves an execution log row. extra is free-form
// context forwarded to the agent alongside the task.
func (e Engine) ExecuteTask(ctx context.Context, taskID, extra string) (domain.ExecutionLog, error) {
	tc, err := e.Repo.TaskContextByID(ctx, taskID)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	task := tc.Task
	if err := ensureTaskTransition(task.Status, domain.StatusInProgress); err != nil {
		return domain.ExecutionLog{}, err
	}

	log := domain.ExecutionLog{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Command:   "execute_task",
		Status:    "running",
		StartedAt: e.timestamp(),
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ExecutionLog{}, err
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, taskID, domain.StatusInProgress, nil); err != nil {
		tx.Rollback()
		return domain.ExecutionLog{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.execute", "", "task", taskID, events.EventPayload{"log_id": log.ID}); err != nil {
		tx.Rollback()
		return domain.ExecutionLog{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ExecutionLog{}, err
	}
	if err := e.Repo.InsertExecutionLog(ctx, log); err != nil {
		return domain.ExecutionLog{}, err
	}

	result, err := e.Agent.ExecuteTask(ctx, tc.ProjectID, taskPayload(tc), extra)
	completed := e.timestamp()
	if err != nil {
		e.Log.Warn("agent execution failed", "task", taskID, "err", err)
		if logErr := e.Repo.CompleteExecutionLog(ctx, log.ID, "failed", err.Error(), completed); logErr != nil {
			return domain.ExecutionLog{}, logErr
		}
		if _, sErr := e.UpdateTaskStatus(ctx, taskID, domain.StatusBlocked, nil); sErr != nil {
			return domain.ExecutionLog{}, sErr
		}
		log.Status = "failed"
		log.Output = err.Error()
		log.CompletedAt = &completed
		return log, err
	}

	status := "succeeded"
	next := domain.StatusReview
	if result.Failed() {
		status = "failed"
		next = domain.StatusBlocked
	}
	if err := e.Repo.CompleteExecutionLog(ctx, log.ID, status, result.Output, completed); err != nil {
		return domain.ExecutionLog{}, err
	}
	if _, err := e.UpdateTaskStatus(ctx, taskID, next, nil); err != nil {
		return domain.ExecutionLog{}, err
	}
	log.Status = status
	log.Output = result.Output
	log.CompletedAt = &completed
	return log, nil
}

// taskPayload is the task object the agent expects: the task's attributes
// plus its story and epic titles for orientation.
func taskPayload(tc repo.TaskContext) map[string]any {
	t := tc.Task
	payload := map[string]any{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"task_type":   t.TaskType,
		"story_title": tc.StoryTitle,
		"epic_title":  tc.EpicTitle,
	}
	if t.EstimatedHours != nil {
		payload["estimated_hours"] = *t.EstimatedHours
	}
	if len(t.TechnicalDetails) > 0 {
		payload["technical_details"] = t.TechnicalDetails
	}
	return payload
}

// ExecutionLogs lists agent runs for a task, newest first.
func (e Engine) ExecutionLogs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListExecutionLogs(ctx, taskID)
}
