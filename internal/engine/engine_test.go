package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"planforge/internal/config"
	"planforge/internal/conversation"
	"planforge/internal/db"
	"planforge/internal/domain"
	"planforge/internal/engine"
	"planforge/internal/finalize"
	"planforge/internal/migrate"
)

// fakeProviders serves the call_tool protocol for all three providers from a
// single endpoint. Model replies are scripted and consumed in order.
type fakeProviders struct {
	mu         sync.Mutex
	replies    []string
	calls      map[string]int
	failModel  bool
	nextNumber int
}

func (f *fakeProviders) push(replies ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replies...)
}

func (f *fakeProviders) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProviders) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls[req.Name]++
		respond := func(success bool, data any, errMsg string) {
			json.NewEncoder(w).Encode(map[string]any{"success": success, "data": data, "error": errMsg})
		}
		switch req.Name {
		case "complete":
			if f.failModel {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			if len(f.replies) == 0 {
				respond(false, nil, "no scripted reply")
				return
			}
			reply := f.replies[0]
			f.replies = f.replies[1:]
			respond(true, map[string]string{"content": reply}, "")
		case "create_repository":
			name, _ := req.Arguments["name"].(string)
			respond(true, map[string]any{"repo_name": name, "repo_url": "http://git/test"}, "")
		case "create_milestone":
			f.nextNumber++
			respond(true, map[string]any{"milestone_id": f.nextNumber}, "")
		case "create_issue":
			f.nextNumber++
			respond(true, map[string]any{"issue_number": f.nextNumber, "issue_url": "http://git/test/issues/1"}, "")
		case "execute_task":
			if req.Arguments["project_id"] == nil || req.Arguments["task"] == nil {
				respond(false, nil, "project_id and task are required")
				return
			}
			respond(true, map[string]any{"status": "completed", "output": "done"}, "")
		case "create_labels", "create_project_structure", "init_project":
			respond(true, nil, "")
		default:
			respond(false, nil, "unknown operation")
		}
	}
}

type testEnv struct {
	Engine    engine.Engine
	Providers *fakeProviders
	Ctx       context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fp := &fakeProviders{calls: map[string]int{}}
	srv := httptest.NewServer(fp.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default()
	for name := range cfg.Providers {
		cfg.Providers[name] = config.Provider{BaseURL: srv.URL, Timeout: config.Duration(2 * time.Second)}
	}
	cfg.Retry.MaxRetries = 0
	cfg.Retry.InitialBackoff = config.Duration(time.Millisecond)
	cfg.Retry.MaxBackoff = config.Duration(time.Millisecond)
	cfg.Retry.Multiplier = 1

	eng := engine.New(conn, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	eng.Final.Now = eng.Now
	return testEnv{Engine: eng, Providers: fp, Ctx: context.Background()}
}

const clarifyReply = `Sounds interesting. What database do you want to use?`

const planReply = `Here is a first breakdown.
{"project_structure": {"project": {"name": "Task Tracker", "description": "a tracker", "tech_stack": ["go"]}, "epics": [{"title": "Core", "priority": 1, "stories": [{"title": "CRUD", "user_story": "As a user I can manage tasks", "priority": 1, "tasks": [{"title": "Schema", "task_type": "setup"}, {"title": "Endpoints", "task_type": "feature"}]}]}]}, "ready_to_finalize": false}`

const readyReply = `The plan is confirmed.
{"project_structure": {"project": {"name": "Task Tracker", "description": "a tracker", "tech_stack": ["go"]}, "epics": [{"title": "Core", "priority": 1, "stories": [{"title": "CRUD", "user_story": "As a user I can manage tasks", "priority": 1, "tasks": [{"title": "Schema", "task_type": "setup"}, {"title": "Endpoints", "task_type": "feature"}]}]}]}, "ready_to_finalize": true}`

func TestCreateProjectStartsDialogue(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(clarifyReply)

	res, err := env.Engine.CreateProject(env.Ctx, "I want a task tracker")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if res.Project.Status != domain.ProjectPlanning {
		t.Fatalf("expected planning, got %s", res.Project.Status)
	}
	if res.Conversation.Phase != domain.PhaseClarification {
		t.Fatalf("question reply should land in clarification, got %s", res.Conversation.Phase)
	}
	if res.Ready {
		t.Fatal("fresh project must not be ready")
	}
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, res.Conversation.ID)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("expected 2 transcript messages, got %d (%v)", len(msgs), err)
	}
	// no work breakdown rows during dialogue
	epics, err := env.Engine.Repo.ListEpics(env.Ctx, res.Project.ID)
	if err != nil || len(epics) != 0 {
		t.Fatalf("dialogue must not persist epics, got %d (%v)", len(epics), err)
	}
}

func TestCreateProjectNamesFromPlan(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(planReply)

	res, err := env.Engine.CreateProject(env.Ctx, "I want a task tracker")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if res.Project.Name != "Task Tracker" {
		t.Fatalf("project should take the proposed name, got %q", res.Project.Name)
	}
	if res.Conversation.Phase != domain.PhaseRefinement {
		t.Fatalf("structured reply should land in refinement, got %s", res.Conversation.Phase)
	}
}

func TestCreateProjectModelFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.failModel = true

	_, err := env.Engine.CreateProject(env.Ctx, "an idea")
	if err == nil {
		t.Fatal("expected model failure")
	}
	projects, err := env.Engine.ListProjects(env.Ctx, "", 0)
	if err != nil || len(projects) != 0 {
		t.Fatalf("no project should be persisted, got %d (%v)", len(projects), err)
	}
}

func TestContinueAdvancesDialogue(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(clarifyReply, planReply, readyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "I want a task tracker")
	if err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.Continue(env.Ctx, created.Project.ID, "sqlite please")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if res.Ready {
		t.Fatal("unsignaled plan must not be ready")
	}
	if res.Project.Status != domain.ProjectRefining {
		t.Fatalf("plan reply should move project to refining, got %s", res.Project.Status)
	}
	if res.Conversation.Version != created.Conversation.Version+1 {
		t.Fatalf("version should bump, got %d", res.Conversation.Version)
	}

	res, err = env.Engine.Continue(env.Ctx, created.Project.ID, "looks good, confirmed")
	if err != nil {
		t.Fatalf("continue: %v", err)
	}
	if !res.Ready {
		t.Fatal("signaled complete plan should be ready")
	}
	// still nothing persisted until finalize
	epics, _ := env.Engine.Repo.ListEpics(env.Ctx, created.Project.ID)
	if len(epics) != 0 {
		t.Fatalf("dialogue must not persist epics, got %d", len(epics))
	}
}

func TestReadinessResetsWhenFlagOmitted(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(planReply, readyReply, planReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.Continue(env.Ctx, created.Project.ID, "confirm it")
	if err != nil || !res.Ready {
		t.Fatalf("expected ready, got %v (%v)", res.Ready, err)
	}
	// next reply carries ready_to_finalize=false again
	res, err = env.Engine.Continue(env.Ctx, created.Project.ID, "actually, change something")
	if err != nil {
		t.Fatal(err)
	}
	if res.Ready {
		t.Fatal("readiness must follow the latest reply")
	}
}

func TestContinueModelFailurePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(clarifyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	env.Providers.failModel = true
	_, err = env.Engine.Continue(env.Ctx, created.Project.ID, "sqlite")
	if err == nil {
		t.Fatal("expected model failure")
	}
	msgs, _ := env.Engine.Repo.ListMessages(env.Ctx, created.Conversation.ID)
	if len(msgs) != 2 {
		t.Fatalf("failed turn must not persist messages, got %d", len(msgs))
	}
}

func TestFinalizeEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(planReply, readyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Continue(env.Ctx, created.Project.ID, "confirmed"); err != nil {
		t.Fatal(err)
	}

	res, err := env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{CreateRepo: true, CreateIssues: true})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Status != domain.ProjectCompleted || res.Tasks != 2 || len(res.Issues) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// the coordinator stamps rows with the injected clock
	p, err := env.Engine.Repo.GetProject(env.Ctx, created.Project.ID)
	if err != nil || p.UpdatedAt != "2026-01-02T03:04:05Z" {
		t.Fatalf("finalize should use the injected clock, got %q (%v)", p.UpdatedAt, err)
	}

	// conversation is closed to further planning
	_, err = env.Engine.Continue(env.Ctx, created.Project.ID, "one more thing")
	if !errors.Is(err, conversation.ErrClosed) {
		t.Fatalf("expected closed conversation, got %v", err)
	}

	// a second finalize finds no active conversation
	_, err = env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{})
	var notReady *finalize.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}

	next, err := env.Engine.NextTasks(env.Ctx, created.Project.ID, 5)
	if err != nil || len(next) != 2 {
		t.Fatalf("expected 2 next tasks, got %d (%v)", len(next), err)
	}
	if next[0].Task.Title != "Schema" {
		t.Fatalf("wrong ordering: %+v", next[0].Task)
	}
}

func TestFinalizeBeforeReady(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(planReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{})
	var notReady *finalize.NotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}
	if env.Providers.count("create_repository") != 0 {
		t.Fatal("no external calls before readiness")
	}
}

func TestExecuteTask(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(readyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{CreateRepo: true, CreateIssues: false}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	next, err := env.Engine.NextTasks(env.Ctx, created.Project.ID, 1)
	if err != nil || len(next) != 1 {
		t.Fatalf("next tasks: %d (%v)", len(next), err)
	}

	log, err := env.Engine.ExecuteTask(env.Ctx, next[0].Task.ID, "focus on the schema first")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if log.Status != "succeeded" {
		t.Fatalf("expected succeeded, got %s", log.Status)
	}
	task, err := env.Engine.Repo.GetTask(env.Ctx, next[0].Task.ID)
	if err != nil || task.Status != domain.StatusReview {
		t.Fatalf("task should land in review, got %s (%v)", task.Status, err)
	}
	logs, err := env.Engine.ExecutionLogs(env.Ctx, task.ID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d (%v)", len(logs), err)
	}
}

func TestUpdateTaskStatusGuards(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(readyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	next, _ := env.Engine.NextTasks(env.Ctx, created.Project.ID, 1)
	taskID := next[0].Task.ID

	// todo -> done is illegal
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, domain.StatusDone, nil); err == nil {
		t.Fatal("todo -> done should be rejected")
	}
	task, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, domain.StatusInProgress, nil)
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("to in_progress: %v", err)
	}
	hours := 3.5
	task, err = env.Engine.UpdateTaskStatus(env.Ctx, taskID, domain.StatusDone, &hours)
	if err != nil || task.Status != domain.StatusDone {
		t.Fatalf("to done: %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, taskID)
	if got.ActualHours == nil || *got.ActualHours != 3.5 {
		t.Fatalf("actual hours not recorded: %+v", got.ActualHours)
	}
	// done is terminal
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, domain.StatusTodo, nil); err == nil {
		t.Fatal("done should be terminal")
	}
}

func TestExportMarkdown(t *testing.T) {
	env := newTestEnv(t)
	env.Providers.push(readyReply)

	created, err := env.Engine.CreateProject(env.Ctx, "task tracker")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Finalize(env.Ctx, created.Project.ID, finalize.Options{}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	md, err := env.Engine.ExportMarkdown(env.Ctx, created.Project.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	for _, want := range []string{"# Task Tracker", "## Core", "### CRUD", "Schema", "Endpoints"} {
		if !strings.Contains(md, want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}
