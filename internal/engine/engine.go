package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"planforge/internal/config"
	"planforge/internal/conversation"
	"planforge/internal/domain"
	"planforge/internal/events"
	"planforge/internal/extract"
	"planforge/internal/finalize"
	"planforge/internal/providers"
	"planforge/internal/repo"
	"planforge/internal/toolclient"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Tools   *toolclient.Client
	Model   providers.Model
	Tracker providers.Tracker
	Agent   providers.Agent
	Final   *finalize.Coordinator
	Log     *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	tools := toolclient.New(cfg.Providers, cfg.Retry, log)
	r := repo.Repo{DB: db}
	tracker := providers.Tracker{Client: tools}
	agent := providers.Agent{Client: tools}
	e := Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Tools:   tools,
		Model:   providers.Model{Client: tools, Name: cfg.Model.Name, MaxTokens: cfg.Model.MaxTokens},
		Tracker: tracker,
		Agent:   agent,
		Log:     log,
		Now:     time.Now,
	}
	// Final.Now stays unset; Engine is copied by value, so a closure over e
	// would pin the coordinator clock to this copy. Callers overriding Now
	// must set Final.Now too.
	e.Final = &finalize.Coordinator{
		DB:          db,
		Repo:        r,
		Events:      events.Writer{DB: db},
		Tracker:     tracker,
		Agent:       agent,
		Log:         log,
		Concurrency: cfg.Finalize.IssueConcurrency,
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ConversationResult is the outcome of one dialogue turn.
type ConversationResult struct {
	Project      domain.Project
	Conversation domain.Conversation
	Reply        string
	Ready        bool
}

// CreateProject starts a planning dialogue from a raw idea. The model is
// consulted first; nothing is persisted when it fails, so the caller can
// simply resend.
func (e Engine) CreateProject(ctx context.Context, idea string) (ConversationResult, error) {
	var result ConversationResult
	if strings.TrimSpace(idea) == "" {
		return result, errors.New("idea is required")
	}

	raw, err := e.Model.Complete(ctx, creationPrompt, []providers.ChatMessage{{Role: "user", Content: idea}})
	if err != nil {
		return result, err
	}
	reply, err := extract.Parse(raw)
	if err != nil {
		return result, err
	}

	now := e.timestamp()
	project := domain.Project{
		ID:        uuid.NewString(),
		Name:      projectName(reply.Plan, idea),
		Status:    domain.ProjectPlanning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if reply.Plan != nil && reply.Plan.Project != nil {
		project.Description = reply.Plan.Project.Description
		project.TechStack = reply.Plan.Project.TechStack
	}
	signaled := reply.Ready != nil && *reply.Ready
	conv := domain.Conversation{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Phase:        domain.PhaseCreation,
		CurrentState: domain.ConversationActive,
		Version:      1,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProject(ctx, tx, project); err != nil {
		return result, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.InsertConversation(ctx, tx, conv); err != nil {
		return result, fmt.Errorf("insert conversation: %w", err)
	}
	for _, m := range []domain.Message{
		{ConversationID: conv.ID, Role: "user", Content: idea, CreatedAt: now},
		{ConversationID: conv.ID, Role: "assistant", Content: raw, CreatedAt: now},
	} {
		if err := e.Repo.AppendMessage(ctx, tx, m); err != nil {
			return result, fmt.Errorf("append message: %w", err)
		}
	}

	nextPhase := conversation.Classify(conv.Phase, reply)
	if err := conversation.EnsurePhaseTransition(conv.Phase, nextPhase); err != nil {
		return result, err
	}
	meta := map[string]any{"ready_to_finalize": signaled}
	if err := e.Repo.UpdateConversationCAS(ctx, tx, conv.ID, conv.Version, nextPhase, conv.CurrentState, meta, now); err != nil {
		return result, err
	}
	if err := e.Events.Append(ctx, tx, "project.created", project.ID, "project", project.ID,
		events.EventPayload{"name": project.Name, "phase": nextPhase}); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	conv.Phase = nextPhase
	conv.Version++
	conv.Metadata = meta
	return ConversationResult{
		Project:      project,
		Conversation: conv,
		Reply:        reply.Text,
		Ready:        conversation.ReadyToFinalize(signaled, reply.Plan),
	}, nil
}

// Continue feeds a user message into an existing planning dialogue. Work
// breakdown rows are never written here; the plan accumulates in the
// transcript until finalization persists it.
func (e Engine) Continue(ctx context.Context, projectID, message string) (ConversationResult, error) {
	var result ConversationResult
	if strings.TrimSpace(message) == "" {
		return result, errors.New("message is required")
	}
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return result, err
	}
	conv, err := e.Repo.ActiveConversation(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return result, conversation.ErrClosed
		}
		return result, err
	}
	if conv.CurrentState == domain.ConversationClosed || conv.Phase == domain.PhaseExecution {
		return result, conversation.ErrClosed
	}

	history, err := e.Repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return result, err
	}
	transcript := make([]providers.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		transcript = append(transcript, providers.ChatMessage{Role: m.Role, Content: m.Content})
	}
	transcript = append(transcript, providers.ChatMessage{Role: "user", Content: message})

	raw, err := e.Model.Complete(ctx, refinementPrompt, transcript)
	if err != nil {
		// nothing persisted, the user can resend the same message
		return result, err
	}
	reply, err := extract.Parse(raw)
	if err != nil {
		return result, err
	}

	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer tx.Rollback()

	for _, m := range []domain.Message{
		{ConversationID: conv.ID, Role: "user", Content: message, CreatedAt: now},
		{ConversationID: conv.ID, Role: "assistant", Content: raw, CreatedAt: now},
	} {
		if err := e.Repo.AppendMessage(ctx, tx, m); err != nil {
			return result, fmt.Errorf("append message: %w", err)
		}
	}

	if reply.Plan != nil && reply.Plan.Project != nil {
		attrs := reply.Plan.Project
		var name, desc *string
		if attrs.Name != "" {
			name = &attrs.Name
		}
		if attrs.Description != "" {
			desc = &attrs.Description
		}
		if err := e.Repo.UpdateProjectAttrs(ctx, tx, project.ID, name, desc, attrs.TechStack, now); err != nil {
			return result, err
		}
	}

	nextPhase := conversation.Classify(conv.Phase, reply)
	if err := conversation.EnsurePhaseTransition(conv.Phase, nextPhase); err != nil {
		return result, err
	}
	// readiness follows the latest assistant reply: an omitted flag resets it
	signaled := reply.Ready != nil && *reply.Ready
	meta := conv.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	meta["ready_to_finalize"] = signaled
	if err := e.Repo.UpdateConversationCAS(ctx, tx, conv.ID, conv.Version, nextPhase, conv.CurrentState, meta, now); err != nil {
		return result, err
	}

	if reply.Plan != nil && !reply.Plan.Empty() && project.Status == domain.ProjectPlanning {
		if err := e.Repo.UpdateProjectStatus(ctx, tx, project.ID, domain.ProjectRefining, now); err != nil {
			return result, err
		}
		project.Status = domain.ProjectRefining
	}
	if err := e.Events.Append(ctx, tx, "conversation.advanced", project.ID, "conversation", conv.ID,
		events.EventPayload{"phase": nextPhase, "ready": signaled}); err != nil {
		return result, err
	}
	if err := tx.Commit(); err != nil {
		return result, err
	}

	conv.Phase = nextPhase
	conv.Version++
	conv.Metadata = meta

	cumulative, err := e.CumulativePlan(ctx, conv.ID)
	if err != nil {
		return result, err
	}
	return ConversationResult{
		Project:      project,
		Conversation: conv,
		Reply:        reply.Text,
		Ready:        conversation.ReadyToFinalize(signaled, cumulative),
	}, nil
}

// CumulativePlan folds every parseable assistant reply in a conversation into
// the current working plan. Replies that fail to parse are skipped; they were
// already rejected or tolerated when they arrived.
func (e Engine) CumulativePlan(ctx context.Context, conversationID string) (*extract.PartialPlan, error) {
	history, err := e.Repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var plan *extract.PartialPlan
	for _, m := range history {
		if m.Role != "assistant" {
			continue
		}
		reply, err := extract.Parse(m.Content)
		if err != nil || reply.Plan == nil {
			continue
		}
		plan = extract.Merge(plan, reply.Plan)
	}
	return plan, nil
}

// Finalize runs the finalization protocol for a project.
func (e Engine) Finalize(ctx context.Context, projectID string, opts finalize.Options) (finalize.Result, error) {
	conv, err := e.Repo.ActiveConversation(ctx, projectID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return finalize.Result{}, &finalize.NotReadyError{Reason: "no active conversation"}
		}
		return finalize.Result{}, err
	}
	plan, err := e.CumulativePlan(ctx, conv.ID)
	if err != nil {
		return finalize.Result{}, err
	}
	return e.Final.Finalize(ctx, projectID, conv, plan, opts)
}

func projectName(plan *extract.PartialPlan, idea string) string {
	if plan != nil && plan.Project != nil && plan.Project.Name != "" {
		return plan.Project.Name
	}
	name := strings.TrimSpace(idea)
	if len(name) > 60 {
		name = strings.TrimSpace(name[:60])
	}
	if name == "" {
		name = "Untitled Project"
	}
	return name
}

// Plan returns the aggregated work breakdown for a project.
func (e Engine) Plan(ctx context.Context, projectID string) (domain.Plan, error) {
	return e.Repo.GetPlan(ctx, projectID)
}

// NextTasks returns the highest priority todo tasks for a project.
func (e Engine) NextTasks(ctx context.Context, projectID string, limit int) ([]repo.TaskContext, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.NextTasks(ctx, projectID, limit)
}

// ListProjects returns all projects, optionally filtered by status.
func (e Engine) ListProjects(ctx context.Context, status string, limit int) ([]domain.Project, error) {
	if status != "" {
		switch status {
		case domain.ProjectPlanning, domain.ProjectRefining, domain.ProjectReady,
			domain.ProjectInProgress, domain.ProjectCompleted, domain.ProjectArchived:
		default:
			return nil, fmt.Errorf("unknown project status %q", status)
		}
	}
	return e.Repo.ListProjects(ctx, status, limit)
}

// Health reports db and per-provider reachability.
func (e Engine) Health(ctx context.Context) map[string]string {
	res := map[string]string{}
	if err := e.DB.PingContext(ctx); err != nil {
		res["database"] = "unreachable"
	} else {
		res["database"] = "ok"
	}
	for name := range e.Config.Providers {
		if err := e.Tools.Health(ctx, name); err != nil {
			res[name] = "unreachable"
		} else {
			res[name] = "ok"
		}
	}
	return res
}
