package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

type UserCreateOptions struct {
	ID      string
	Email   string
	Name    string
	Role    string
	ActorID string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	email := strings.ToLower(strings.TrimSpace(opts.Email))
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, domain.Validationf("a valid email is required")
	}
	role, err := domain.ParseRole(strings.ToUpper(strings.TrimSpace(opts.Role)))
	if err != nil {
		return domain.User{}, err
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	u := domain.User{
		ID:        id,
		Email:     email,
		Name:      strings.TrimSpace(opts.Name),
		Role:      role,
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.appendEvent(ctx, tx, events.UserCreated, "", "user", u.ID, opts.ActorID, events.EventPayload{
		"email": u.Email,
		"role":  string(u.Role),
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id string) (domain.User, error) {
	return e.Repo.GetUser(ctx, nil, id)
}

// Profile returns the user and the ids of projects they are assigned to.
func (e Engine) Profile(ctx context.Context, userID string) (domain.User, []string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, nil, err
	}
	defer tx.Rollback()
	u, err := e.Repo.GetUser(ctx, tx, userID)
	if err != nil {
		return domain.User{}, nil, err
	}
	ids, err := e.Auth.AssignedProjectIDs(ctx, tx, userID)
	if err != nil {
		return domain.User{}, nil, err
	}
	return u, ids, tx.Commit()
}

// FindUser looks a user up by id, or by email when ref contains "@".
func (e Engine) FindUser(ctx context.Context, ref string) (domain.User, error) {
	if strings.Contains(ref, "@") {
		return e.Repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(ref)))
	}
	return e.Repo.GetUser(ctx, nil, ref)
}

func (e Engine) ListUsers(ctx context.Context, role string) ([]domain.User, error) {
	var r domain.Role
	if role != "" {
		parsed, err := domain.ParseRole(strings.ToUpper(role))
		if err != nil {
			return nil, err
		}
		r = parsed
	}
	return e.Repo.ListUsers(ctx, r)
}

// AssignUser grants userID access to projectID. Assigning twice is a no-op
// and writes no second event.
func (e Engine) AssignUser(ctx context.Context, projectID, userID, actorID string) (domain.ProjectAssignment, error) {
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectAssignment{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return domain.ProjectAssignment{}, err
	}
	if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
		return domain.ProjectAssignment{}, err
	}
	created, err := e.Repo.AssignUser(ctx, tx, projectID, userID, now)
	if err != nil {
		return domain.ProjectAssignment{}, err
	}
	if created {
		if err := e.appendEvent(ctx, tx, events.UserAssigned, projectID, "assignment", userID, actorID, nil); err != nil {
			return domain.ProjectAssignment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectAssignment{}, err
	}
	return domain.ProjectAssignment{UserID: userID, ProjectID: projectID, CreatedAt: now}, nil
}

func (e Engine) UnassignUser(ctx context.Context, projectID, userID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UnassignUser(ctx, tx, projectID, userID); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.UserUnassigned, projectID, "assignment", userID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) ListAssignments(ctx context.Context, projectID string) ([]domain.ProjectAssignment, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListAssignments(ctx, projectID)
}

// ListProjects returns every project for managers and admins, and only
// assigned projects for everyone else.
func (e Engine) ListProjects(ctx context.Context, actor Actor) ([]domain.Project, error) {
	var f repo.ProjectFilters
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleExecutive, domain.RoleSiteManager:
	default:
		f.AssignedTo = actor.ID
	}
	return e.Repo.ListProjects(ctx, f)
}

// CreateAPIKey issues a new key for userID. The plaintext key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name, actorID string) (domain.APIKey, string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "st_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetUser(ctx, tx, userID); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyCreated, "", "api_key", key.ID, actorID, events.EventPayload{"userId": userID}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) ListAPIKeys(ctx context.Context, userID string) ([]domain.APIKey, error) {
	return e.Repo.ListAPIKeys(ctx, userID)
}

func (e Engine) RevokeAPIKey(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, id); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, tx, events.APIKeyRevoked, "", "api_key", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveAPIKey returns the user owning the plaintext key.
func (e Engine) ResolveAPIKey(ctx context.Context, secret string) (domain.User, error) {
	key, err := e.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, key.UserID)
}

// RequireProjectAccess reports domain.ErrForbidden unless actor may read
// projectID. Managers see every project; other roles need an assignment.
func (e Engine) RequireProjectAccess(ctx context.Context, actor Actor, projectID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return err
	}
	role, err := e.actorRole(ctx, tx, actor)
	if err != nil {
		return err
	}
	switch role {
	case domain.RoleAdmin, domain.RoleExecutive, domain.RoleSiteManager:
		return nil
	}
	assigned, err := e.Auth.HasProjectAssignment(ctx, tx, projectID, actor.ID)
	if err != nil {
		return err
	}
	if !assigned {
		return domain.ErrForbidden
	}
	return nil
}
