package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitetrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

// ErrNotFound is returned when a row is missing. It matches any
// domain.NotFoundf error under errors.Is.
var ErrNotFound = domain.ErrNotFound

// dbtx is satisfied by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns tx when set, the pool otherwise.
func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `p.id, p.name, COALESCE(p.description,''), p.created_at,
(SELECT COUNT(*) FROM buildings b WHERE b.project_id=p.id),
(SELECT COUNT(*) FROM teams t WHERE t.project_id=p.id),
(SELECT COUNT(*) FROM construction_activities a WHERE a.project_id=p.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt,
		&p.Counts.Buildings, &p.Counts.Teams, &p.Counts.ConstructionActivities)
	return p, err
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO projects(id,name,description,created_at) VALUES (?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.CreatedAt)
	return err
}

// GetProject returns the project row with its counts but without the tree.
func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	p, err := scanProject(r.conn(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects p WHERE p.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, domain.NotFoundf("project %s not found", id)
	}
	return p, err
}

type ProjectFilters struct {
	// AssignedTo limits results to projects the user is assigned to.
	AssignedTo string
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilters) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects p`
	var args []any
	if f.AssignedTo != "" {
		query += ` JOIN project_assignments pa ON pa.project_id=p.id WHERE pa.user_id=?`
		args = append(args, f.AssignedTo)
	}
	query += ` ORDER BY p.name, p.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProject(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("project %s not found", id)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
