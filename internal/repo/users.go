package repo

import (
	"context"
	"database/sql"
	"errors"

	"sitetrack/internal/domain"
)

const userColumns = `id, email, COALESCE(name,''), role, created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt)
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO users(id,email,name,role,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Email, nullable(u.Name), string(u.Role), u.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Conflictf("user %s or email %s already exists", u.ID, u.Email)
	}
	return nil
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	u, err := scanUser(r.conn(tx).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return u, domain.NotFoundf("user %s not found", id)
	}
	return u, err
}

func (r Repo) GetUserByEmail(ctx context.Context, email string) (domain.User, error) {
	u, err := scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=?`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return u, domain.NotFoundf("user with email %s not found", email)
	}
	return u, err
}

func (r Repo) ListUsers(ctx context.Context, role domain.Role) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY email`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// CountAdmins reports how many ADMIN users exist.
func (r Repo) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE role=?`, string(domain.RoleAdmin)).Scan(&n)
	return n, err
}

// AssignUser grants userID access to projectID. Repeated grants are no-ops;
// the returned bool reports whether a row was created.
func (r Repo) AssignUser(ctx context.Context, tx *sql.Tx, projectID, userID, now string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO project_assignments(user_id, project_id, created_at) VALUES (?,?,?)`, userID, projectID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) UnassignUser(ctx context.Context, tx *sql.Tx, projectID, userID string) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM project_assignments WHERE project_id=? AND user_id=?`, projectID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("user %s is not assigned to project %s", userID, projectID)
	}
	return nil
}

func (r Repo) ListAssignments(ctx context.Context, projectID string) ([]domain.ProjectAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id, project_id, created_at FROM project_assignments WHERE project_id=? ORDER BY created_at, user_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectAssignment
	for rows.Next() {
		var a domain.ProjectAssignment
		if err := rows.Scan(&a.UserID, &a.ProjectID, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
