package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sitetrack/internal/domain"
)

const taskColumns = `id, project_id, title, COALESCE(description,''), status, assignee_id, start_date, completed_at, created_at, updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var assignee, startDate, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &assignee, &startDate, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.AssigneeID = stringPtr(assignee)
	t.StartDate = stringPtr(startDate)
	t.CompletedAt = stringPtr(completedAt)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,description,status,assignee_id,start_date,completed_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, nullable(t.Description), string(t.Status), nullableStringPtr(t.AssigneeID),
		nullableStringPtr(t.StartDate), nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.conn(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, domain.NotFoundf("task %s not found", id)
	}
	return t, err
}

type TaskFilters struct {
	ProjectID  string
	Status     string
	AssigneeID string
	Limit      int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkTaskStarted moves a PENDING task to IN_PROGRESS, keeping any recorded
// start date. It returns false when the task was no longer PENDING.
func (r Repo) MarkTaskStarted(ctx context.Context, tx *sql.Tx, id, startDate, updatedAt string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status=?, start_date=COALESCE(start_date, ?), updated_at=?
WHERE id=? AND status=?`, string(domain.TaskInProgress), startDate, updatedAt, id, string(domain.TaskPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkTaskCompleted moves an IN_PROGRESS task to COMPLETED. It returns false
// when the task was no longer IN_PROGRESS.
func (r Repo) MarkTaskCompleted(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, updated_at=?
WHERE id=? AND status=?`, string(domain.TaskCompleted), completedAt, completedAt, id, string(domain.TaskInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountTasksByStatus returns task counts keyed by status for a project.
func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.TaskStatus]int{
		domain.TaskPending:    0,
		domain.TaskInProgress: 0,
		domain.TaskCompleted:  0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}
