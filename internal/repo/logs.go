package repo

import (
	"context"
	"database/sql"
	"errors"

	"planforge/internal/domain"
)

// ErrLogCompleted signals an attempt to rewrite an execution log that already
// has a completion timestamp.
var ErrLogCompleted = errors.New("execution log already completed")

func (r Repo) InsertExecutionLog(ctx context.Context, l domain.ExecutionLog) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO execution_logs(id,task_id,command,output,status,started_at,completed_at)
VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.TaskID, l.Command, l.Output, l.Status, l.StartedAt, nullableStringPtr(l.CompletedAt))
	return err
}

// CompleteExecutionLog records the outcome of a run. A log that already
// carries a completion timestamp is never rewritten.
func (r Repo) CompleteExecutionLog(ctx context.Context, id, status, output, completedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE execution_logs SET status=?, output=?, completed_at=? WHERE id=? AND completed_at IS NULL`,
		status, output, completedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM execution_logs WHERE id=?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrLogCompleted
	}
	return nil
}

func (r Repo) ListExecutionLogs(ctx context.Context, taskID string) ([]domain.ExecutionLog, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,command,COALESCE(output,''),status,started_at,completed_at
FROM execution_logs WHERE task_id=? ORDER BY started_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ExecutionLog
	for rows.Next() {
		var l domain.ExecutionLog
		var completed sql.NullString
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Command, &l.Output, &l.Status, &l.StartedAt, &completed); err != nil {
			return nil, err
		}
		if completed.Valid {
			l.CompletedAt = &completed.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
