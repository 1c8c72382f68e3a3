package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"sitetrack/internal/domain"
)

func (r Repo) InsertTeam(ctx context.Context, tx *sql.Tx, t domain.Team) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO teams(id,project_id,name,created_at) VALUES (?,?,?,?)`, t.ID, t.ProjectID, t.Name, t.CreatedAt)
	return err
}

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, a domain.ConstructionActivity) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO construction_activities(id,project_id,name,created_at) VALUES (?,?,?,?)`, a.ID, a.ProjectID, a.Name, a.CreatedAt)
	return err
}

func (r Repo) GetActivity(ctx context.Context, tx *sql.Tx, id string) (domain.ConstructionActivity, error) {
	var a domain.ConstructionActivity
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id, project_id, name, created_at FROM construction_activities WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.Name, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, domain.NotFoundf("activity %s not found", id)
	}
	return a, err
}

// ProgressScope selects the units a weekly progress update touches.
type ProgressScope struct {
	ProjectID  string
	BuildingID string
	ActivityID string
	WeekStart  string
}

func (s ProgressScope) unitFilter() (string, []any) {
	q := `SELECT u.id FROM units u
JOIN floors f ON f.id=u.floor_id
JOIN buildings b ON b.id=f.building_id
WHERE b.project_id=?`
	args := []any{s.ProjectID}
	if s.BuildingID != "" {
		q += ` AND b.id=?`
		args = append(args, s.BuildingID)
	}
	return q, args
}

// EnsureWorkRecords creates NOT_STARTED records for every unit in scope that
// has none for the activity and week yet.
func (r Repo) EnsureWorkRecords(ctx context.Context, tx *sql.Tx, s ProgressScope, now string) error {
	units, args := s.unitFilter()
	query := `INSERT OR IGNORE INTO work_records(id, unit_id, activity_id, week_start, status, progress, updated_at)
SELECT lower(hex(randomblob(16))), scoped.id, ?, ?, ?, 0, ? FROM (` + units + `) AS scoped`
	all := append([]any{s.ActivityID, s.WeekStart, string(domain.WorkNotStarted), now}, args...)
	_, err := r.conn(tx).ExecContext(ctx, query, all...)
	return err
}

// UpdateWeeklyProgress sets status and progress on every work record in
// scope and returns the number of rows changed.
func (r Repo) UpdateWeeklyProgress(ctx context.Context, tx *sql.Tx, s ProgressScope, status domain.WorkStatus, progress int, now string) (int64, error) {
	units, args := s.unitFilter()
	query := `UPDATE work_records SET status=?, progress=?, updated_at=?
WHERE activity_id=? AND week_start=? AND unit_id IN (` + units + `)`
	all := append([]any{string(status), progress, now, s.ActivityID, s.WeekStart}, args...)
	res, err := r.conn(tx).ExecContext(ctx, query, all...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type WorkRecordFilters struct {
	ProjectID  string
	ActivityID string
	WeekStart  string
	Status     string
}

func (r Repo) ListWorkRecords(ctx context.Context, f WorkRecordFilters) ([]domain.WorkRecord, error) {
	clauses := []string{"b.project_id=?"}
	args := []any{f.ProjectID}
	if f.ActivityID != "" {
		clauses = append(clauses, "w.activity_id=?")
		args = append(args, f.ActivityID)
	}
	if f.WeekStart != "" {
		clauses = append(clauses, "w.week_start=?")
		args = append(args, f.WeekStart)
	}
	if f.Status != "" {
		clauses = append(clauses, "w.status=?")
		args = append(args, f.Status)
	}
	rows, err := r.DB.QueryContext(ctx, `
SELECT w.id, w.unit_id, w.activity_id, w.week_start, w.status, w.progress, w.updated_at
FROM work_records w
JOIN units u ON u.id=w.unit_id
JOIN floors f ON f.id=u.floor_id
JOIN buildings b ON b.id=f.building_id
WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY w.week_start DESC, b.name, f.name, u.name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkRecord
	for rows.Next() {
		var w domain.WorkRecord
		if err := rows.Scan(&w.ID, &w.UnitID, &w.ActivityID, &w.WeekStart, &w.Status, &w.Progress, &w.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// CountCompletedUnits counts units of a project with at least one COMPLETED
// work record.
func (r Repo) CountCompletedUnits(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `
SELECT COUNT(DISTINCT w.unit_id) FROM work_records w
JOIN units u ON u.id=w.unit_id
JOIN floors f ON f.id=u.floor_id
JOIN buildings b ON b.id=f.building_id
WHERE b.project_id=? AND w.status=?`, projectID, string(domain.WorkCompleted)).Scan(&n)
	return n, err
}
