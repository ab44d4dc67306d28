package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"planforge/internal/db"
	"planforge/internal/domain"
	"planforge/internal/migrate"
	"planforge/internal/repo"
)

const ts = "2026-01-02T03:04:05Z"

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("tx func: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedProject(t *testing.T, r repo.Repo, id string) domain.Project {
	t.Helper()
	p := domain.Project{
		ID:        id,
		Name:      "Test Project",
		Status:    domain.ProjectPlanning,
		TechStack: []string{"go"},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertProject(context.Background(), tx, p)
	})
	return p
}

func seedGraph(t *testing.T, r repo.Repo, projectID string) (epicID, storyID, taskID string) {
	t.Helper()
	epicID, storyID, taskID = projectID+"-e1", projectID+"-s1", projectID+"-t1"
	inTx(t, r, func(tx *sql.Tx) error {
		ctx := context.Background()
		if err := r.InsertEpic(ctx, tx, domain.Epic{
			ID: epicID, ProjectID: projectID, Title: "Epic", Priority: 1, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts,
		}); err != nil {
			return err
		}
		if err := r.InsertStory(ctx, tx, domain.Story{
			ID: storyID, EpicID: epicID, Title: "Story", Priority: 1, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts,
		}); err != nil {
			return err
		}
		return r.InsertTask(ctx, tx, domain.Task{
			ID: taskID, StoryID: storyID, Title: "Task", TaskType: "feature", Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts,
		})
	})
	return epicID, storyID, taskID
}

func TestDeleteProjectCascades(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	_, _, taskID := seedGraph(t, r, p.ID)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertConversation(ctx, tx, domain.Conversation{
			ID: "c1", ProjectID: p.ID, Phase: domain.PhaseCreation, CurrentState: domain.ConversationActive,
			Version: 1, CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			return err
		}
		return r.AppendMessage(ctx, tx, domain.Message{ConversationID: "c1", Role: "user", Content: "hi", CreatedAt: ts})
	})

	if err := r.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete project: %v", err)
	}
	if _, err := r.GetTask(ctx, taskID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("task should cascade away, got %v", err)
	}
	if _, err := r.GetConversation(ctx, "c1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("conversation should cascade away, got %v", err)
	}
	msgs, err := r.ListMessages(ctx, "c1")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("messages should cascade away, got %d (%v)", len(msgs), err)
	}
}

func TestOrderIndexUniquePerParent(t *testing.T) {
	r := newTestRepo(t)
	p := seedProject(t, r, "p1")
	seedGraph(t, r, p.ID)

	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertEpic(context.Background(), tx, domain.Epic{
		ID: "e-dup", ProjectID: p.ID, Title: "Dup", Priority: 1, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts,
	})
	if err == nil {
		t.Fatal("duplicate order_index within a project should be rejected")
	}
}

func TestNextOrderIndex(t *testing.T) {
	r := newTestRepo(t)
	p := seedProject(t, r, "p1")
	epicID, storyID, _ := seedGraph(t, r, p.ID)

	inTx(t, r, func(tx *sql.Tx) error {
		ctx := context.Background()
		next, err := r.NextEpicOrderIndex(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if next != 2 {
			return fmt.Errorf("expected next epic order 2, got %d", next)
		}
		next, err = r.NextStoryOrderIndex(ctx, tx, epicID)
		if err != nil {
			return err
		}
		if next != 2 {
			return fmt.Errorf("expected next story order 2, got %d", next)
		}
		next, err = r.NextTaskOrderIndex(ctx, tx, storyID)
		if err != nil {
			return err
		}
		if next != 2 {
			return fmt.Errorf("expected next task order 2, got %d", next)
		}
		// empty parent starts at 1
		next, err = r.NextEpicOrderIndex(ctx, tx, "no-such-project")
		if err != nil {
			return err
		}
		if next != 1 {
			return fmt.Errorf("expected first order 1, got %d", next)
		}
		return nil
	})
}

func TestNextTasksOrdering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")

	// two epics with inverted priorities, tasks in mixed states
	inTx(t, r, func(tx *sql.Tx) error {
		for _, e := range []domain.Epic{
			{ID: "e-low", ProjectID: p.ID, Title: "Low priority", Priority: 2, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts},
			{ID: "e-high", ProjectID: p.ID, Title: "High priority", Priority: 1, Status: domain.StatusTodo, OrderIndex: 2, CreatedAt: ts},
		} {
			if err := r.InsertEpic(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, s := range []domain.Story{
			{ID: "s-low", EpicID: "e-low", Title: "S low", Priority: 1, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts},
			{ID: "s-high", EpicID: "e-high", Title: "S high", Priority: 1, Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts},
		} {
			if err := r.InsertStory(ctx, tx, s); err != nil {
				return err
			}
		}
		for _, task := range []domain.Task{
			{ID: "t-low-1", StoryID: "s-low", Title: "low first", TaskType: "feature", Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts},
			{ID: "t-high-2", StoryID: "s-high", Title: "high second", TaskType: "feature", Status: domain.StatusTodo, OrderIndex: 2, CreatedAt: ts},
			{ID: "t-high-1", StoryID: "s-high", Title: "high first", TaskType: "feature", Status: domain.StatusTodo, OrderIndex: 1, CreatedAt: ts},
			{ID: "t-done", StoryID: "s-high", Title: "already done", TaskType: "feature", Status: domain.StatusDone, OrderIndex: 3, CreatedAt: ts},
		} {
			if err := r.InsertTask(ctx, tx, task); err != nil {
				return err
			}
		}
		return nil
	})

	items, err := r.NextTasks(ctx, p.ID, 10)
	if err != nil {
		t.Fatalf("next tasks: %v", err)
	}
	got := make([]string, 0, len(items))
	for _, tc := range items {
		got = append(got, tc.Task.ID)
	}
	want := []string{"t-high-1", "t-high-2", "t-low-1"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if items[0].EpicTitle != "High priority" || items[0].StoryTitle != "S high" {
		t.Fatalf("context not joined: %+v", items[0])
	}
}

func TestConversationCAS(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertConversation(ctx, tx, domain.Conversation{
			ID: "c1", ProjectID: p.ID, Phase: domain.PhaseCreation, CurrentState: domain.ConversationActive,
			Version: 1, CreatedAt: ts, UpdatedAt: ts,
		})
	})

	// matching version succeeds and bumps
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateConversationCAS(ctx, tx, "c1", 1, domain.PhaseRefinement, domain.ConversationActive,
			map[string]any{"ready_to_finalize": true}, ts)
	})
	c, err := r.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if c.Version != 2 || c.Phase != domain.PhaseRefinement {
		t.Fatalf("expected version 2 refinement, got %+v", c)
	}
	if v, ok := c.Metadata["ready_to_finalize"].(bool); !ok || !v {
		t.Fatalf("metadata not persisted: %v", c.Metadata)
	}

	// stale version conflicts
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.UpdateConversationCAS(ctx, tx, "c1", 1, domain.PhaseRefinement, domain.ConversationActive, nil, ts)
	tx.Rollback()
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// unknown conversation is not found
	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.UpdateConversationCAS(ctx, tx, "missing", 1, domain.PhaseRefinement, domain.ConversationActive, nil, ts)
	tx.Rollback()
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateProjectAttrsPartial(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")

	desc := "a new description"
	inTx(t, r, func(tx *sql.Tx) error {
		return r.UpdateProjectAttrs(ctx, tx, p.ID, nil, &desc, []string{"go", "sqlite"}, ts)
	})
	got, err := r.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "Test Project" {
		t.Fatalf("nil name should leave column untouched, got %q", got.Name)
	}
	if got.Description != desc {
		t.Fatalf("description not updated: %q", got.Description)
	}
	if len(got.TechStack) != 2 {
		t.Fatalf("tech stack not updated: %v", got.TechStack)
	}
}

func TestGetPlanAssembly(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	_, storyID, _ := seedGraph(t, r, p.ID)
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertTask(ctx, tx, domain.Task{
			ID: "t2", StoryID: storyID, Title: "Second", TaskType: "test", Status: domain.StatusTodo, OrderIndex: 2, CreatedAt: ts,
		})
	})

	plan, err := r.GetPlan(ctx, p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Project.ID != p.ID {
		t.Fatalf("wrong project: %+v", plan.Project)
	}
	if len(plan.Epics) != 1 || len(plan.Epics[0].Stories) != 1 {
		t.Fatalf("unexpected shape: %+v", plan.Epics)
	}
	tasks := plan.Epics[0].Stories[0].Tasks
	if len(tasks) != 2 || tasks[0].Title != "Task" || tasks[1].Title != "Second" {
		t.Fatalf("tasks out of order: %+v", tasks)
	}
	counts := plan.TaskCounts()
	if counts[domain.StatusTodo] != 2 {
		t.Fatalf("task counts wrong: %v", counts)
	}
}

func TestSetExternalRefs(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	epicID, _, taskID := seedGraph(t, r, p.ID)

	if err := r.SetProjectRepo(ctx, p.ID, "http://git/x", "org/x", ts); err != nil {
		t.Fatalf("set repo: %v", err)
	}
	if err := r.SetEpicMilestone(ctx, epicID, "7"); err != nil {
		t.Fatalf("set milestone: %v", err)
	}
	if err := r.SetTaskIssue(ctx, taskID, 42, "http://git/x/issues/42"); err != nil {
		t.Fatalf("set issue: %v", err)
	}

	got, err := r.GetProject(ctx, p.ID)
	if err != nil || got.RepoURL == nil || *got.RepoURL != "http://git/x" {
		t.Fatalf("repo url not persisted: %+v (%v)", got, err)
	}
	epic, err := r.GetEpic(ctx, epicID)
	if err != nil || epic.MilestoneID == nil || *epic.MilestoneID != "7" {
		t.Fatalf("milestone not persisted: %+v (%v)", epic, err)
	}
	task, err := r.GetTask(ctx, taskID)
	if err != nil || task.IssueNumber == nil || *task.IssueNumber != 42 {
		t.Fatalf("issue not persisted: %+v (%v)", task, err)
	}
}

func TestCompleteExecutionLogOnlyOnce(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	p := seedProject(t, r, "p1")
	_, _, taskID := seedGraph(t, r, p.ID)

	log := domain.ExecutionLog{
		ID: "l1", TaskID: taskID, Command: "execute_task", Status: "running", StartedAt: ts,
	}
	if err := r.InsertExecutionLog(ctx, log); err != nil {
		t.Fatalf("insert log: %v", err)
	}
	if err := r.CompleteExecutionLog(ctx, "l1", "succeeded", "done", ts); err != nil {
		t.Fatalf("complete log: %v", err)
	}
	// a finished log is immutable
	if err := r.CompleteExecutionLog(ctx, "l1", "failed", "overwritten", ts); !errors.Is(err, repo.ErrLogCompleted) {
		t.Fatalf("expected ErrLogCompleted, got %v", err)
	}
	logs, err := r.ListExecutionLogs(ctx, taskID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d (%v)", len(logs), err)
	}
	if logs[0].Status != "succeeded" || logs[0].Output != "done" {
		t.Fatalf("finished log was rewritten: %+v", logs[0])
	}
	if err := r.CompleteExecutionLog(ctx, "missing", "failed", "", ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
