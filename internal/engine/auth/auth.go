package auth

import (
	"context"
	"database/sql"
	"errors"

	"sitetrack/internal/domain"
)

// Service answers authorization lookups against SQL. Callers pass the
// transaction that will also carry the guarded mutation.
type Service struct {
	DB *sql.DB
}

// UserRole returns the stored role of userID.
func (s Service) UserRole(ctx context.Context, tx *sql.Tx, userID string) (domain.Role, error) {
	if userID == "" {
		return "", domain.ErrUnauthorized
	}
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM users WHERE id=?`, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.NotFoundf("user %s not found", userID)
	}
	if err != nil {
		return "", err
	}
	return domain.ParseRole(role)
}

// HasProjectAssignment reports whether userID holds an assignment on projectID.
func (s Service) HasProjectAssignment(ctx context.Context, tx *sql.Tx, projectID, userID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM project_assignments WHERE project_id=? AND user_id=? LIMIT 1`, projectID, userID)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// AssignedProjectIDs lists the projects userID is assigned to.
func (s Service) AssignedProjectIDs(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id FROM project_assignments WHERE user_id=? ORDER BY project_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
