// Package finalize turns a finalize-ready conversation into durable plan rows
// and external tracker resources. The protocol is idempotent by
// reconciliation: every step first checks what already exists, so rerunning
// after a partial failure creates only what is still missing.
package finalize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"planforge/internal/conversation"
	"planforge/internal/domain"
	"planforge/internal/events"
	"planforge/internal/extract"
	"planforge/internal/providers"
	"planforge/internal/repo"
)

// Coordinator executes the finalization protocol.
type Coordinator struct {
	DB          *sql.DB
	Repo        repo.Repo
	Events      events.Writer
	Tracker     providers.Tracker
	Agent       providers.Agent
	Log         *slog.Logger
	Concurrency int
	Now         func() time.Time

	locks sync.Map // project id -> *sync.Mutex
}

// Options selects which external resources finalization creates.
type Options struct {
	CreateRepo   bool `json:"create_repo"`
	CreateIssues bool `json:"create_issues"`
}

// IssueRef is one tracker issue tied to a task.
type IssueRef struct {
	TaskID      string `json:"task_id"`
	TaskTitle   string `json:"task_title"`
	IssueNumber int    `json:"issue_number"`
	IssueURL    string `json:"issue_url,omitempty"`
}

// Result summarizes a completed finalization.
type Result struct {
	ProjectID  string     `json:"project_id"`
	Status     string     `json:"status"`
	RepoURL    string     `json:"repo_url,omitempty"`
	Epics      int        `json:"epics"`
	Stories    int        `json:"stories"`
	Tasks      int        `json:"tasks"`
	Milestones int        `json:"milestones"`
	Issues     []IssueRef `json:"issues"`
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) timestamp() string {
	return c.now().UTC().Format(time.RFC3339)
}

func (c *Coordinator) lock(projectID string) func() {
	v, _ := c.locks.LoadOrStore(projectID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Finalize runs the four-step protocol for one project. Concurrent calls for
// the same project serialize on an in-process mutex; the conversation's
// versioned update catches dialogue races.
func (c *Coordinator) Finalize(ctx context.Context, projectID string, conv domain.Conversation, plan *extract.PartialPlan, opts Options) (Result, error) {
	unlock := c.lock(projectID)
	defer unlock()

	var result Result
	result.ProjectID = projectID

	// readiness gate: nothing is persisted and nothing external is called
	// unless the conversation signaled readiness and the plan is complete
	if !conversation.ReadySignaled(conv) {
		return result, &NotReadyError{Reason: "conversation has not signaled readiness"}
	}
	if plan == nil {
		return result, &NotReadyError{Reason: "no plan extracted from conversation"}
	}
	if err := plan.Validate(); err != nil {
		return result, &NotReadyError{Reason: err.Error()}
	}

	project, err := c.Repo.GetProject(ctx, projectID)
	if err != nil {
		return result, err
	}

	// step 1: persist the entity graph, all or nothing
	if err := c.persistGraph(ctx, projectID, project.Status, plan); err != nil {
		return result, err
	}
	project, err = c.Repo.GetProject(ctx, projectID)
	if err != nil {
		return result, err
	}
	result.Status = project.Status

	// step 2: repository creation, gated on an absent reference
	if opts.CreateRepo {
		if err := c.ensureRepository(ctx, &project, plan); err != nil {
			return result, &PartialError{FailedStep: "repository", Err: err}
		}
	}
	if project.RepoURL != nil {
		result.RepoURL = *project.RepoURL
	}

	// step 3: milestones then issues, each reference persisted immediately
	if opts.CreateIssues && project.RepoName != nil {
		created, err := c.ensureMilestones(ctx, project)
		result.Milestones = created
		if err != nil {
			return result, &PartialError{FailedStep: "milestones", Err: err}
		}
		issues, failures, err := c.ensureIssues(ctx, project)
		result.Issues = issues
		if err != nil || len(failures) > 0 {
			return result, &PartialError{
				FailedStep:      "issues",
				CompletedIssues: len(issues),
				FailedTasks:     failures,
				Err:             err,
			}
		}
	}

	// step 4: close out only when every attempted step succeeded
	if err := c.complete(ctx, projectID); err != nil {
		return result, err
	}
	result.Status = domain.ProjectCompleted

	result.Epics = len(plan.Epics)
	for _, e := range plan.Epics {
		result.Stories += len(e.Stories)
		for _, s := range e.Stories {
			result.Tasks += len(s.Tasks)
		}
	}
	c.Log.Info("finalize completed", "project", projectID,
		"epics", result.Epics, "stories", result.Stories, "tasks", result.Tasks,
		"issues", len(result.Issues))
	return result, nil
}

// persistGraph is step 1: reconcile the extracted plan into storage inside a
// single transaction. Entities match by title within their parent scope;
// missing ones are inserted with a fresh order index after existing siblings.
func (c *Coordinator) persistGraph(ctx context.Context, projectID, status string, plan *extract.PartialPlan) error {
	now := c.timestamp()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if status == domain.ProjectPlanning || status == domain.ProjectRefining {
		if err := conversation.EnsureProjectTransition(status, domain.ProjectReady); err != nil {
			return err
		}
		if err := c.Repo.UpdateProjectStatus(ctx, tx, projectID, domain.ProjectReady, now); err != nil {
			return err
		}
	}

	for _, ep := range plan.Epics {
		epic, err := c.Repo.GetEpicByTitle(ctx, tx, projectID, ep.Title)
		if errors.Is(err, repo.ErrNotFound) {
			idx, err := c.Repo.NextEpicOrderIndex(ctx, tx, projectID)
			if err != nil {
				return err
			}
			epic = domain.Epic{
				ID:          uuid.NewString(),
				ProjectID:   projectID,
				Title:       ep.Title,
				Description: ep.Description,
				Priority:    ep.Priority,
				Status:      domain.StatusTodo,
				OrderIndex:  idx,
				CreatedAt:   now,
			}
			if err := c.Repo.InsertEpic(ctx, tx, epic); err != nil {
				return fmt.Errorf("insert epic %q: %w", ep.Title, err)
			}
		} else if err != nil {
			return err
		}

		for _, sp := range ep.Stories {
			story, err := c.Repo.GetStoryByTitle(ctx, tx, epic.ID, sp.Title)
			if errors.Is(err, repo.ErrNotFound) {
				idx, err := c.Repo.NextStoryOrderIndex(ctx, tx, epic.ID)
				if err != nil {
					return err
				}
				story = domain.Story{
					ID:                 uuid.NewString(),
					EpicID:             epic.ID,
					Title:              sp.Title,
					Description:        sp.Description,
					UserStory:          sp.UserStory,
					AcceptanceCriteria: sp.AcceptanceCriteria,
					StoryPoints:        sp.StoryPoints,
					Priority:           sp.Priority,
					Status:             domain.StatusTodo,
					OrderIndex:         idx,
					CreatedAt:          now,
				}
				if err := c.Repo.InsertStory(ctx, tx, story); err != nil {
					return fmt.Errorf("insert story %q: %w", sp.Title, err)
				}
			} else if err != nil {
				return err
			}

			for _, tp := range sp.Tasks {
				_, err := c.Repo.GetTaskByTitle(ctx, tx, story.ID, tp.Title)
				if errors.Is(err, repo.ErrNotFound) {
					idx, err := c.Repo.NextTaskOrderIndex(ctx, tx, story.ID)
					if err != nil {
						return err
					}
					task := domain.Task{
						ID:               uuid.NewString(),
						StoryID:          story.ID,
						Title:            tp.Title,
						Description:      tp.Description,
						TaskType:         tp.TaskType,
						EstimatedHours:   tp.EstimatedHours,
						Status:           domain.StatusTodo,
						OrderIndex:       idx,
						TechnicalDetails: tp.TechnicalDetails,
						CreatedAt:        now,
					}
					if err := c.Repo.InsertTask(ctx, tx, task); err != nil {
						return fmt.Errorf("insert task %q: %w", tp.Title, err)
					}
				} else if err != nil {
					return err
				}
			}
		}
	}

	if err := c.Events.Append(ctx, tx, "finalize.persisted", projectID, "project", projectID,
		events.EventPayload{"epics": len(plan.Epics)}); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureRepository is step 2. A project that already carries a repository
// reference skips creation entirely. Label, board and agent bootstrap are
// best-effort extras.
func (c *Coordinator) ensureRepository(ctx context.Context, project *domain.Project, plan *extract.PartialPlan) error {
	if project.RepoURL != nil && *project.RepoURL != "" {
		return nil
	}
	name := repoSlug(project.Name)
	ref, err := c.Tracker.CreateRepository(ctx, name, project.Description, true)
	if err != nil {
		return err
	}
	now := c.timestamp()
	if err := c.Repo.SetProjectRepo(ctx, project.ID, ref.URL, ref.Name, now); err != nil {
		return err
	}
	project.RepoURL = &ref.URL
	project.RepoName = &ref.Name

	if err := c.Tracker.CreateLabels(ctx, ref.Name, defaultLabelSet); err != nil {
		c.Log.Warn("label bootstrap failed", "project", project.ID, "err", err)
	}
	if err := c.Tracker.CreateProjectStructure(ctx, ref.Name, projectType(project.TechStack)); err != nil {
		c.Log.Warn("structure bootstrap failed", "project", project.ID, "err", err)
	}
	if err := c.Agent.InitProject(ctx, project.ID, ref.URL, project.Name); err != nil {
		c.Log.Warn("agent init failed", "project", project.ID, "err", err)
	}
	return nil
}

// ensureMilestones creates one tracker milestone per epic that lacks one,
// sequentially, persisting each reference as soon as it exists.
func (c *Coordinator) ensureMilestones(ctx context.Context, project domain.Project) (int, error) {
	epics, err := c.Repo.ListEpics(ctx, project.ID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, epic := range epics {
		if epic.MilestoneID != nil && *epic.MilestoneID != "" {
			continue
		}
		ref, err := c.Tracker.CreateMilestone(ctx, *project.RepoName, epic.Title, epic.Description)
		if err != nil {
			return created, fmt.Errorf("milestone for epic %q: %w", epic.Title, err)
		}
		milestoneID := fmt.Sprintf("%d", ref.ID)
		if err := c.Repo.SetEpicMilestone(ctx, epic.ID, milestoneID); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ensureIssues creates tracker issues for every task that has none, with
// bounded concurrency. Each created reference is persisted immediately so a
// crash mid-batch loses nothing.
func (c *Coordinator) ensureIssues(ctx context.Context, project domain.Project) ([]IssueRef, []TaskFailure, error) {
	contexts, err := c.Repo.ListTaskContexts(ctx, project.ID)
	if err != nil {
		return nil, nil, err
	}
	milestones := map[string]*int{}
	epics, err := c.Repo.ListEpics(ctx, project.ID)
	if err != nil {
		return nil, nil, err
	}
	for _, epic := range epics {
		if epic.MilestoneID != nil {
			var n int
			if _, err := fmt.Sscanf(*epic.MilestoneID, "%d", &n); err == nil {
				milestones[epic.ID] = &n
			}
		}
	}

	var mu sync.Mutex
	var issues []IssueRef
	var failures []TaskFailure
	for _, tc := range contexts {
		if tc.Task.IssueNumber != nil {
			issues = append(issues, IssueRef{
				TaskID:      tc.Task.ID,
				TaskTitle:   tc.Task.Title,
				IssueNumber: *tc.Task.IssueNumber,
				IssueURL:    stringOrEmpty(tc.Task.IssueURL),
			})
		}
	}

	limit := c.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, tc := range contexts {
		if tc.Task.IssueNumber != nil {
			continue
		}
		tc := tc
		g.Go(func() error {
			ref, err := c.Tracker.CreateIssue(gctx, *project.RepoName, tc.Task.Title,
				issueBody(tc), []string{tc.Task.TaskType}, milestones[tc.EpicID])
			if err != nil {
				mu.Lock()
				failures = append(failures, TaskFailure{TaskID: tc.Task.ID, Title: tc.Task.Title, Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			if err := c.Repo.SetTaskIssue(gctx, tc.Task.ID, ref.Number, ref.URL); err != nil {
				mu.Lock()
				failures = append(failures, TaskFailure{TaskID: tc.Task.ID, Title: tc.Task.Title, Reason: err.Error()})
				mu.Unlock()
				return nil
			}
			mu.Lock()
			issues = append(issues, IssueRef{TaskID: tc.Task.ID, TaskTitle: tc.Task.Title, IssueNumber: ref.Number, IssueURL: ref.URL})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return issues, failures, err
	}
	return issues, failures, nil
}

// complete is step 4: mark the project completed and move the conversation
// into execution, closed to further planning messages.
func (c *Coordinator) complete(ctx context.Context, projectID string) error {
	now := c.timestamp()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	project, err := c.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return err
	}
	if project.Status != domain.ProjectCompleted {
		if err := conversation.EnsureProjectTransition(project.Status, domain.ProjectCompleted); err != nil {
			return err
		}
		if err := c.Repo.UpdateProjectStatus(ctx, tx, projectID, domain.ProjectCompleted, now); err != nil {
			return err
		}
	}
	conv, err := c.Repo.ActiveConversationTx(ctx, tx, projectID)
	if err == nil {
		if err := conversation.EnsurePhaseTransition(conv.Phase, domain.PhaseExecution); err != nil {
			return err
		}
		if err := c.Repo.UpdateConversationCAS(ctx, tx, conv.ID, conv.Version,
			domain.PhaseExecution, domain.ConversationClosed, conv.Metadata, now); err != nil {
			return err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err := c.Events.Append(ctx, tx, "finalize.completed", projectID, "project", projectID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func issueBody(tc repo.TaskContext) string {
	var b strings.Builder
	if tc.Task.Description != "" {
		b.WriteString(tc.Task.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "**Type:** %s\n", tc.Task.TaskType)
	if tc.Task.EstimatedHours != nil {
		fmt.Fprintf(&b, "**Estimated Hours:** %.1f\n", *tc.Task.EstimatedHours)
	}
	fmt.Fprintf(&b, "**Story:** %s\n", tc.StoryTitle)
	fmt.Fprintf(&b, "**Epic:** %s\n", tc.EpicTitle)
	if tc.UserStory != "" {
		fmt.Fprintf(&b, "\n> %s\n", tc.UserStory)
	}
	if len(tc.Task.TechnicalDetails) > 0 {
		b.WriteString("\n**Technical Details:**\n")
		for k, v := range tc.Task.TechnicalDetails {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}
	return b.String()
}

// defaultLabelSet is the tracker label set covering all task types.
const defaultLabelSet = "extended"

// projectType maps the project's tech stack onto the tracker's scaffolding
// types. The first tag wins; an untagged project gets a generic layout.
func projectType(techStack []string) string {
	if len(techStack) > 0 {
		return strings.ToLower(techStack[0])
	}
	return "generic"
}

// repoSlug lowercases a project name into a tracker-safe repository name.
func repoSlug(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "project"
	}
	if len(slug) > 64 {
		slug = strings.Trim(slug[:64], "-")
	}
	return slug
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
