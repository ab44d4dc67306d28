package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"planforge/internal/domain"
)

// ExportMarkdown renders the full project plan as a markdown document.
func (e Engine) ExportMarkdown(ctx context.Context, projectID string) (string, error) {
	plan, err := e.Repo.GetPlan(ctx, projectID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", plan.Project.Name)
	if plan.Project.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", plan.Project.Description)
	}
	fmt.Fprintf(&b, "**Status:** %s\n\n", plan.Project.Status)
	if len(plan.Project.TechStack) > 0 {
		fmt.Fprintf(&b, "**Tech stack:** %s\n\n", strings.Join(plan.Project.TechStack, ", "))
	}
	if plan.Project.RepoURL != nil {
		fmt.Fprintf(&b, "**Repository:** %s\n\n", *plan.Project.RepoURL)
	}

	counts := plan.TaskCounts()
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(&b, "Tasks: %d total", total)
	for _, status := range []string{domain.StatusTodo, domain.StatusInProgress, domain.StatusReview, domain.StatusDone, domain.StatusBlocked} {
		if counts[status] > 0 {
			fmt.Fprintf(&b, ", %d %s", counts[status], status)
		}
	}
	b.WriteString("\n\n")

	for _, epic := range plan.Epics {
		fmt.Fprintf(&b, "## %s\n\n", epic.Title)
		if epic.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", epic.Description)
		}
		for _, story := range epic.Stories {
			fmt.Fprintf(&b, "### %s\n\n", story.Title)
			if story.UserStory != "" {
				fmt.Fprintf(&b, "> %s\n\n", story.UserStory)
			}
			if len(story.AcceptanceCriteria) > 0 {
				b.WriteString("Acceptance criteria:\n\n")
				for _, c := range story.AcceptanceCriteria {
					fmt.Fprintf(&b, "- %s\n", c)
				}
				b.WriteString("\n")
			}
			if len(story.Tasks) > 0 {
				b.WriteString(taskTable(story.Tasks))
				b.WriteString("\n\n")
			}
		}
	}
	return b.String(), nil
}

func taskTable(tasks []domain.Task) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Task", "Type", "Status", "Est. Hours", "Issue"})
	for _, t := range tasks {
		est := ""
		if t.EstimatedHours != nil {
			est = fmt.Sprintf("%.1f", *t.EstimatedHours)
		}
		issue := ""
		if t.IssueNumber != nil {
			issue = fmt.Sprintf("#%d", *t.IssueNumber)
		}
		tw.AppendRow(table.Row{t.Title, t.TaskType, t.Status, est, issue})
	}
	return tw.RenderMarkdown()
}
