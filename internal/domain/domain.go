package domain

// Project lifecycle statuses. Transitions move forward only; archived may be
// entered from any status.
const (
	ProjectPlanning   = "planning"
	ProjectRefining   = "refining"
	ProjectReady      = "ready"
	ProjectInProgress = "in_progress"
	ProjectCompleted  = "completed"
	ProjectArchived   = "archived"
)

// Work-item statuses shared by epics, stories and tasks.
const (
	StatusTodo       = "todo"
	StatusInProgress = "in_progress"
	StatusReview     = "review"
	StatusDone       = "done"
	StatusBlocked    = "blocked"
)

// Conversation phases.
const (
	PhaseCreation      = "creation"
	PhaseClarification = "clarification"
	PhaseRefinement    = "refinement"
	PhaseExecution     = "execution"
)

// Conversation states.
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// TaskTypes is the closed set of task_type values.
var TaskTypes = []string{"setup", "feature", "bug", "test", "documentation", "refactor", "deployment"}

// ValidTaskType reports whether t is a known task type.
func ValidTaskType(t string) bool {
	for _, v := range TaskTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ValidWorkStatus reports whether s is a known epic/story/task status.
func ValidWorkStatus(s string) bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusReview, StatusDone, StatusBlocked:
		return true
	}
	return false
}

type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status" enum:"planning,refining,ready,in_progress,completed,archived"`
	RepoURL     *string        `json:"repo_url,omitempty"`
	RepoName    *string        `json:"repo_name,omitempty"`
	TechStack   []string       `json:"tech_stack,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	UpdatedAt   string         `json:"updated_at" format:"date-time"`
}

type Epic struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    int     `json:"priority"`
	Status      string  `json:"status" enum:"todo,in_progress,review,done,blocked"`
	OrderIndex  int     `json:"order_index"`
	MilestoneID *string `json:"milestone_id,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Story struct {
	ID                 string   `json:"id"`
	EpicID             string   `json:"epic_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description,omitempty"`
	UserStory          string   `json:"user_story,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	StoryPoints        *int     `json:"story_points,omitempty"`
	Priority           int      `json:"priority"`
	Status             string   `json:"status" enum:"todo,in_progress,review,done,blocked"`
	OrderIndex         int      `json:"order_index"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type Task struct {
	ID               string         `json:"id"`
	StoryID          string         `json:"story_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	TaskType         string         `json:"task_type" enum:"setup,feature,bug,test,documentation,refactor,deployment"`
	EstimatedHours   *float64       `json:"estimated_hours,omitempty"`
	ActualHours      *float64       `json:"actual_hours,omitempty"`
	Status           string         `json:"status" enum:"todo,in_progress,review,done,blocked"`
	OrderIndex       int            `json:"order_index"`
	TechnicalDetails map[string]any `json:"technical_details,omitempty"`
	IssueNumber      *int           `json:"issue_number,omitempty"`
	IssueURL         *string        `json:"issue_url,omitempty"`
	Assignee         *string        `json:"assignee,omitempty"`
	CreatedAt        string         `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"project_id"`
	Phase        string         `json:"phase" enum:"creation,clarification,refinement,execution"`
	CurrentState string         `json:"current_state" enum:"active,closed"`
	Version      int64          `json:"version"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
}

type Message struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role" enum:"user,assistant"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type ExecutionLog struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Command     string  `json:"command"`
	Output      string  `json:"output,omitempty"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// Plan is the fully aggregated entity graph for one project.
type Plan struct {
	Project Project    `json:"project"`
	Epics   []PlanEpic `json:"epics"`
}

type PlanEpic struct {
	Epic
	Stories []PlanStory `json:"stories"`
}

type PlanStory struct {
	Story
	Tasks []Task `json:"tasks"`
}

// TaskCounts returns per-status task totals across the plan.
func (p Plan) TaskCounts() map[string]int {
	counts := map[string]int{}
	for _, e := range p.Epics {
		for _, s := range e.Stories {
			for _, t := range s.Tasks {
				counts[t.Status]++
			}
		}
	}
	return counts
}
