// Package extract parses structured planning data out of model replies.
// Replies mix prose with an optional JSON document, frequently wrapped in
// markdown code fences, so parsing is tolerant: it strips fences, locates the
// first balanced JSON object, and validates whatever structure it finds.
package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"planforge/internal/domain"
)

// Reply is the parsed form of one model turn.
type Reply struct {
	// Text is the reply with the structured block removed.
	Text string
	// Ready is the ready_to_finalize flag, nil when the reply omitted it.
	Ready *bool
	// Plan is the proposed structure, nil when the reply carried none.
	Plan *PartialPlan
}

// PartialPlan is a possibly incomplete work breakdown from one reply.
type PartialPlan struct {
	Project *ProjectAttrs `json:"project,omitempty"`
	Epics   []EpicPlan    `json:"epics,omitempty"`
}

type ProjectAttrs struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	TechStack   TechStack `json:"tech_stack"`
}

type EpicPlan struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Priority    int         `json:"priority"`
	Stories     []StoryPlan `json:"stories"`
}

type StoryPlan struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	UserStory          string     `json:"user_story"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	StoryPoints        *int       `json:"story_points"`
	Priority           int        `json:"priority"`
	Tasks              []TaskPlan `json:"tasks"`
}

type TaskPlan struct {
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	TaskType         string         `json:"task_type"`
	EstimatedHours   *float64       `json:"estimated_hours"`
	TechnicalDetails map[string]any `json:"technical_details"`
}

// TechStack accepts either a JSON array of strings or an object whose values
// are strings or string arrays. Models produce both shapes.
type TechStack []string

func (t *TechStack) UnmarshalJSON(data []byte) error {
	var asList []string
	if err := json.Unmarshal(data, &asList); err == nil {
		*t = asList
		return nil
	}
	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		return fmt.Errorf("tech_stack must be an array or object")
	}
	var flat []string
	for _, v := range asMap {
		switch val := v.(type) {
		case string:
			flat = append(flat, val)
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok {
					flat = append(flat, s)
				}
			}
		}
	}
	*t = flat
	return nil
}

// envelope is the structured block models are prompted to emit.
type envelope struct {
	ProjectStructure *PartialPlan `json:"project_structure"`
	ReadyToFinalize  *bool        `json:"ready_to_finalize"`
}

// ValidationError names the first structural problem found in a plan.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Reason)
}

// Parse extracts the structured block from a raw model reply. A reply with no
// JSON block is valid and yields a Reply with only Text set. A block that is
// present but unparseable or structurally invalid is an error.
func Parse(raw string) (Reply, error) {
	reply := Reply{Text: strings.TrimSpace(raw)}
	block, rest, found := extractJSONObject(raw)
	if !found {
		return reply, nil
	}
	var env envelope
	if err := json.Unmarshal([]byte(block), &env); err != nil {
		return reply, fmt.Errorf("malformed structured block: %w", err)
	}
	if env.ProjectStructure != nil {
		if err := env.ProjectStructure.normalize(); err != nil {
			return reply, err
		}
		reply.Plan = env.ProjectStructure
	}
	reply.Ready = env.ReadyToFinalize
	reply.Text = strings.TrimSpace(rest)
	return reply, nil
}

// extractJSONObject returns the first balanced top-level JSON object that
// contains one of the expected keys, plus the surrounding prose. Fenced
// blocks (```json ... ```) are unwrapped first.
func extractJSONObject(raw string) (block, rest string, found bool) {
	candidate := raw
	for {
		start := strings.Index(candidate, "{")
		if start < 0 {
			return "", raw, false
		}
		end := matchBrace(candidate, start)
		if end < 0 {
			return "", raw, false
		}
		obj := candidate[start : end+1]
		if strings.Contains(obj, "project_structure") || strings.Contains(obj, "ready_to_finalize") {
			rest := raw[:strings.Index(raw, obj)] + raw[strings.Index(raw, obj)+len(obj):]
			rest = stripFenceMarkers(rest)
			return obj, rest, true
		}
		candidate = candidate[end+1:]
	}
}

// matchBrace finds the index of the brace closing the one at start,
// honoring JSON string literals and escapes.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

func stripFenceMarkers(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return s
}

// Validate checks that the plan is complete enough to finalize: at least one
// epic, every epic at least one story, every story at least one task.
func (p *PartialPlan) Validate() error {
	if err := p.normalize(); err != nil {
		return err
	}
	if len(p.Epics) == 0 {
		return &ValidationError{Field: "epics", Reason: "plan has no epics"}
	}
	for _, e := range p.Epics {
		if len(e.Stories) == 0 {
			return &ValidationError{Field: "epics", Reason: fmt.Sprintf("epic %q has no stories", e.Title)}
		}
		for _, s := range e.Stories {
			if len(s.Tasks) == 0 {
				return &ValidationError{Field: "stories", Reason: fmt.Sprintf("story %q has no tasks", s.Title)}
			}
		}
	}
	return nil
}

// normalize checks per-node invariants and fills defaults in place. Partial
// plans with empty child lists are fine here; Validate enforces completeness.
func (p *PartialPlan) normalize() error {
	if p.Project != nil && strings.TrimSpace(p.Project.Name) == "" {
		return &ValidationError{Field: "project.name", Reason: "must not be empty"}
	}
	for i := range p.Epics {
		e := &p.Epics[i]
		if strings.TrimSpace(e.Title) == "" {
			return &ValidationError{Field: fmt.Sprintf("epics[%d].title", i), Reason: "must not be empty"}
		}
		if e.Priority <= 0 {
			e.Priority = 1
		}
		for j := range e.Stories {
			s := &e.Stories[j]
			if strings.TrimSpace(s.Title) == "" {
				return &ValidationError{Field: fmt.Sprintf("epics[%d].stories[%d].title", i, j), Reason: "must not be empty"}
			}
			if s.Priority <= 0 {
				s.Priority = 1
			}
			if s.StoryPoints != nil && *s.StoryPoints < 0 {
				return &ValidationError{Field: fmt.Sprintf("epics[%d].stories[%d].story_points", i, j), Reason: "must not be negative"}
			}
			for k := range s.Tasks {
				t := &s.Tasks[k]
				if strings.TrimSpace(t.Title) == "" {
					return &ValidationError{
						Field:  fmt.Sprintf("epics[%d].stories[%d].tasks[%d].title", i, j, k),
						Reason: fmt.Sprintf("must not be empty (story %q)", s.Title),
					}
				}
				if t.TaskType == "" {
					t.TaskType = "feature"
				}
				if !domain.ValidTaskType(t.TaskType) {
					return &ValidationError{
						Field:  fmt.Sprintf("epics[%d].stories[%d].tasks[%d].task_type", i, j, k),
						Reason: fmt.Sprintf("unknown type %q", t.TaskType),
					}
				}
				if t.EstimatedHours != nil && *t.EstimatedHours < 0 {
					return &ValidationError{
						Field:  fmt.Sprintf("epics[%d].stories[%d].tasks[%d].estimated_hours", i, j, k),
						Reason: "must not be negative",
					}
				}
			}
		}
	}
	return nil
}

// Empty reports whether the plan carries no content at all.
func (p *PartialPlan) Empty() bool {
	return p == nil || (p.Project == nil && len(p.Epics) == 0)
}

// Merge folds a newer partial plan over an older one. Project attributes from
// the newer plan win field by field; epics replace wholesale when the newer
// plan proposes any, since refinement replies restate the full breakdown.
func Merge(older, newer *PartialPlan) *PartialPlan {
	if older == nil {
		return newer
	}
	if newer == nil {
		return older
	}
	merged := &PartialPlan{Project: older.Project, Epics: older.Epics}
	if newer.Project != nil {
		if merged.Project == nil {
			merged.Project = newer.Project
		} else {
			p := *merged.Project
			if newer.Project.Name != "" {
				p.Name = newer.Project.Name
			}
			if newer.Project.Description != "" {
				p.Description = newer.Project.Description
			}
			if len(newer.Project.TechStack) > 0 {
				p.TechStack = newer.Project.TechStack
			}
			merged.Project = &p
		}
	}
	if len(newer.Epics) > 0 {
		merged.Epics = newer.Epics
	}
	return merged
}
