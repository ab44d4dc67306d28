package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"planforge/internal/domain"
)

const epicColumns = `id,project_id,title,COALESCE(description,'') AS description,priority,status,order_index,milestone_id,created_at`
const storyColumns = `id,epic_id,title,COALESCE(description,'') AS description,COALESCE(user_story,'') AS user_story,acceptance_criteria_json,story_points,priority,status,order_index,created_at`
const taskColumns = `id,story_id,title,COALESCE(description,'') AS description,task_type,estimated_hours,actual_hours,status,order_index,technical_details_json,issue_number,issue_url,assignee,created_at`

func scanEpicRow(scan func(dest ...any) error) (domain.Epic, error) {
	var e domain.Epic
	var milestone sql.NullString
	err := scan(&e.ID, &e.ProjectID, &e.Title, &e.Description, &e.Priority, &e.Status, &e.OrderIndex, &milestone, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if milestone.Valid {
		e.MilestoneID = &milestone.String
	}
	return e, nil
}

func scanStoryRow(scan func(dest ...any) error) (domain.Story, error) {
	var s domain.Story
	var criteria string
	var points sql.NullInt64
	err := scan(&s.ID, &s.EpicID, &s.Title, &s.Description, &s.UserStory, &criteria, &points, &s.Priority, &s.Status, &s.OrderIndex, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if points.Valid {
		p := int(points.Int64)
		s.StoryPoints = &p
	}
	if err := json.Unmarshal([]byte(criteria), &s.AcceptanceCriteria); err != nil {
		return s, fmt.Errorf("decode acceptance_criteria: %w", err)
	}
	return s, nil
}

func scanTaskRow(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var est, actual sql.NullFloat64
	var details string
	var issueNumber sql.NullInt64
	var issueURL, assignee sql.NullString
	err := scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.TaskType, &est, &actual, &t.Status, &t.OrderIndex, &details, &issueNumber, &issueURL, &assignee, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if est.Valid {
		t.EstimatedHours = &est.Float64
	}
	if actual.Valid {
		t.ActualHours = &actual.Float64
	}
	if issueNumber.Valid {
		n := int(issueNumber.Int64)
		t.IssueNumber = &n
	}
	if issueURL.Valid {
		t.IssueURL = &issueURL.String
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if err := json.Unmarshal([]byte(details), &t.TechnicalDetails); err != nil {
		return t, fmt.Errorf("decode technical_details: %w", err)
	}
	return t, nil
}

func (r Repo) InsertEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epics(id,project_id,title,description,priority,status,order_index,milestone_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ProjectID, e.Title, e.Description, e.Priority, e.Status, e.OrderIndex, nullableStringPtr(e.MilestoneID), e.CreatedAt)
	return err
}

func (r Repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id=?`, id)
	return scanEpicRow(row.Scan)
}

// GetEpicByTitle matches an epic by exact title within a project. Used by the
// finalize reconcile step so rerunning finalization never duplicates rows.
func (r Repo) GetEpicByTitle(ctx context.Context, tx *sql.Tx, projectID, title string) (domain.Epic, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE project_id=? AND title=?`, projectID, title)
	return scanEpicRow(row.Scan)
}

// NextEpicOrderIndex returns MAX(order_index)+1 for a project, starting at 1.
func (r Repo) NextEpicOrderIndex(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(order_index) FROM epics WHERE project_id=?`, projectID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE project_id=? ORDER BY order_index ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		e, err := scanEpicRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) SetEpicMilestone(ctx context.Context, epicID, milestoneID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE epics SET milestone_id=? WHERE id=?`, milestoneID, epicID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateEpicStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE epics SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertStory(ctx context.Context, tx *sql.Tx, s domain.Story) error {
	criteria, err := json.Marshal(emptyIfNil(s.AcceptanceCriteria))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO stories(id,epic_id,title,description,user_story,acceptance_criteria_json,story_points,priority,status,order_index,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.EpicID, s.Title, s.Description, s.UserStory, string(criteria), nullableIntPtr(s.StoryPoints),
		s.Priority, s.Status, s.OrderIndex, s.CreatedAt)
	return err
}

func (r Repo) GetStory(ctx context.Context, id string) (domain.Story, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE id=?`, id)
	return scanStoryRow(row.Scan)
}

func (r Repo) GetStoryByTitle(ctx context.Context, tx *sql.Tx, epicID, title string) (domain.Story, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE epic_id=? AND title=?`, epicID, title)
	return scanStoryRow(row.Scan)
}

func (r Repo) NextStoryOrderIndex(ctx context.Context, tx *sql.Tx, epicID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(order_index) FROM stories WHERE epic_id=?`, epicID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) ListStories(ctx context.Context, epicID string) ([]domain.Story, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+storyColumns+` FROM stories WHERE epic_id=? ORDER BY order_index ASC`, epicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Story
	for rows.Next() {
		s, err := scanStoryRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStoryStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE stories SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	details, err := json.Marshal(t.TechnicalDetails)
	if err != nil {
		return err
	}
	if t.TechnicalDetails == nil {
		details = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,story_id,title,description,task_type,estimated_hours,actual_hours,status,order_index,technical_details_json,issue_number,issue_url,assignee,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.StoryID, t.Title, t.Description, t.TaskType, nullableFloatPtr(t.EstimatedHours), nullableFloatPtr(t.ActualHours),
		t.Status, t.OrderIndex, string(details), nullableIntPtr(t.IssueNumber), nullableStringPtr(t.IssueURL),
		nullableStringPtr(t.Assignee), t.CreatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTaskRow(row.Scan)
}

func (r Repo) GetTaskByTitle(ctx context.Context, tx *sql.Tx, storyID, title string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE story_id=? AND title=?`, storyID, title)
	return scanTaskRow(row.Scan)
}

func (r Repo) NextTaskOrderIndex(ctx context.Context, tx *sql.Tx, storyID string) (int, error) {
	var max sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(order_index) FROM tasks WHERE story_id=?`, storyID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

func (r Repo) ListTasks(ctx context.Context, storyID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE story_id=? ORDER BY order_index ASC`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetTaskIssue records the tracker issue reference as soon as the issue
// exists, outside any batch transaction, so a later crash cannot lose it.
func (r Repo) SetTaskIssue(ctx context.Context, taskID string, issueNumber int, issueURL string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET issue_number=?, issue_url=? WHERE id=?`, issueNumber, nullable(issueURL), taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, status string, actualHours *float64) error {
	query := `UPDATE tasks SET status=?`
	args := []any{status}
	if actualHours != nil {
		query += `, actual_hours=?`
		args = append(args, *actualHours)
	}
	query += ` WHERE id=?`
	args = append(args, id)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TaskContext is a task joined with its parent story, epic and project, as
// needed for issue bodies, agent payloads and the next-task queue.
type TaskContext struct {
	Task       domain.Task
	StoryID    string
	StoryTitle string
	UserStory  string
	EpicID     string
	EpicTitle  string
	ProjectID  string
}

const taskContextQuery = `SELECT t.id,t.story_id,t.title,COALESCE(t.description,''),t.task_type,t.estimated_hours,t.actual_hours,t.status,t.order_index,t.technical_details_json,t.issue_number,t.issue_url,t.assignee,t.created_at,
s.id,s.title,COALESCE(s.user_story,''),e.id,e.title,e.project_id
FROM tasks t
JOIN stories s ON s.id=t.story_id
JOIN epics e ON e.id=s.epic_id`

func scanTaskContext(rows *sql.Rows) (TaskContext, error) {
	var tc TaskContext
	var est, actual sql.NullFloat64
	var details string
	var issueNumber sql.NullInt64
	var issueURL, assignee sql.NullString
	t := &tc.Task
	err := rows.Scan(&t.ID, &t.StoryID, &t.Title, &t.Description, &t.TaskType, &est, &actual, &t.Status, &t.OrderIndex,
		&details, &issueNumber, &issueURL, &assignee, &t.CreatedAt,
		&tc.StoryID, &tc.StoryTitle, &tc.UserStory, &tc.EpicID, &tc.EpicTitle, &tc.ProjectID)
	if err != nil {
		return tc, err
	}
	if est.Valid {
		t.EstimatedHours = &est.Float64
	}
	if actual.Valid {
		t.ActualHours = &actual.Float64
	}
	if issueNumber.Valid {
		n := int(issueNumber.Int64)
		t.IssueNumber = &n
	}
	if issueURL.Valid {
		t.IssueURL = &issueURL.String
	}
	if assignee.Valid {
		t.Assignee = &assignee.String
	}
	if err := json.Unmarshal([]byte(details), &t.TechnicalDetails); err != nil {
		return tc, fmt.Errorf("decode technical_details: %w", err)
	}
	return tc, nil
}

// TaskContextByID returns one task together with its story, epic and project
// scope.
func (r Repo) TaskContextByID(ctx context.Context, taskID string) (TaskContext, error) {
	query := taskContextQuery + ` WHERE t.id=?`
	rows, err := r.DB.QueryContext(ctx, query, taskID)
	if err != nil {
		return TaskContext{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return TaskContext{}, err
		}
		return TaskContext{}, ErrNotFound
	}
	return scanTaskContext(rows)
}

// ListTaskContexts returns every task of a project in plan order.
func (r Repo) ListTaskContexts(ctx context.Context, projectID string) ([]TaskContext, error) {
	query := taskContextQuery + ` WHERE e.project_id=? ORDER BY e.order_index ASC, s.order_index ASC, t.order_index ASC`
	rows, err := r.DB.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskContext
	for rows.Next() {
		tc, err := scanTaskContext(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tc)
	}
	return res, rows.Err()
}

// NextTasks returns up to limit todo tasks ordered by epic priority, story
// priority, then task position. Ties fall back to creation time.
func (r Repo) NextTasks(ctx context.Context, projectID string, limit int) ([]TaskContext, error) {
	if limit <= 0 {
		limit = 5
	}
	query := taskContextQuery + ` WHERE e.project_id=? AND t.status=?
ORDER BY e.priority ASC, s.priority ASC, t.order_index ASC, t.created_at ASC, t.id ASC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, projectID, domain.StatusTodo, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskContext
	for rows.Next() {
		tc, err := scanTaskContext(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, tc)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.status, count(*) FROM tasks t
JOIN stories s ON s.id=t.story_id
JOIN epics e ON e.id=s.epic_id
WHERE e.project_id=? GROUP BY t.status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// GetPlan aggregates the full project plan in one pass per level.
func (r Repo) GetPlan(ctx context.Context, projectID string) (domain.Plan, error) {
	var plan domain.Plan
	project, err := r.GetProject(ctx, projectID)
	if err != nil {
		return plan, err
	}
	plan.Project = project

	epics, err := r.ListEpics(ctx, projectID)
	if err != nil {
		return plan, err
	}

	storiesByEpic := map[string][]domain.Story{}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+storyColumnsPrefixed("s")+` FROM stories s
JOIN epics e ON e.id=s.epic_id WHERE e.project_id=? ORDER BY s.order_index ASC`, projectID)
	if err != nil {
		return plan, err
	}
	for rows.Next() {
		s, err := scanStoryRow(rows.Scan)
		if err != nil {
			rows.Close()
			return plan, err
		}
		storiesByEpic[s.EpicID] = append(storiesByEpic[s.EpicID], s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return plan, err
	}
	rows.Close()

	tasksByStory := map[string][]domain.Task{}
	rows, err = r.DB.QueryContext(ctx, `SELECT `+taskColumnsPrefixed("t")+` FROM tasks t
JOIN stories s ON s.id=t.story_id
JOIN epics e ON e.id=s.epic_id WHERE e.project_id=? ORDER BY t.order_index ASC`, projectID)
	if err != nil {
		return plan, err
	}
	for rows.Next() {
		t, err := scanTaskRow(rows.Scan)
		if err != nil {
			rows.Close()
			return plan, err
		}
		tasksByStory[t.StoryID] = append(tasksByStory[t.StoryID], t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return plan, err
	}
	rows.Close()

	plan.Epics = make([]domain.PlanEpic, 0, len(epics))
	for _, e := range epics {
		pe := domain.PlanEpic{Epic: e}
		for _, s := range storiesByEpic[e.ID] {
			ps := domain.PlanStory{Story: s, Tasks: tasksByStory[s.ID]}
			if ps.Tasks == nil {
				ps.Tasks = []domain.Task{}
			}
			pe.Stories = append(pe.Stories, ps)
		}
		if pe.Stories == nil {
			pe.Stories = []domain.PlanStory{}
		}
		plan.Epics = append(plan.Epics, pe)
	}
	return plan, nil
}

func storyColumnsPrefixed(alias string) string {
	return alias + `.id,` + alias + `.epic_id,` + alias + `.title,COALESCE(` + alias + `.description,''),COALESCE(` + alias + `.user_story,''),` + alias + `.acceptance_criteria_json,` + alias + `.story_points,` + alias + `.priority,` + alias + `.status,` + alias + `.order_index,` + alias + `.created_at`
}

func taskColumnsPrefixed(alias string) string {
	return alias + `.id,` + alias + `.story_id,` + alias + `.title,COALESCE(` + alias + `.description,''),` + alias + `.task_type,` + alias + `.estimated_hours,` + alias + `.actual_hours,` + alias + `.status,` + alias + `.order_index,` + alias + `.technical_details_json,` + alias + `.issue_number,` + alias + `.issue_url,` + alias + `.assignee,` + alias + `.created_at`
}
