package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"sitetrack/internal/access"
	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

type TaskCreateOptions struct {
	ProjectID   string
	Title       string
	Description string
	AssigneeID  string
	// StartDate is optional and must be RFC3339 when set.
	StartDate string
	ActorID   string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Task{}, domain.Validationf("title is required")
	}
	now := e.timestamp()
	t := domain.Task{
		ID:          uuid.NewString(),
		ProjectID:   opts.ProjectID,
		Title:       title,
		Description: strings.TrimSpace(opts.Description),
		Status:      domain.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.StartDate != "" {
		ts, err := time.Parse(time.RFC3339, opts.StartDate)
		if err != nil {
			return domain.Task{}, domain.Validationf("startDate must be RFC3339: %v", err)
		}
		sd := ts.UTC().Format(time.RFC3339)
		t.StartDate = &sd
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if assignee := strings.TrimSpace(opts.AssigneeID); assignee != "" {
		if _, err := e.Repo.GetUser(ctx, tx, assignee); err != nil {
			return domain.Task{}, err
		}
		t.AssigneeID = &assignee
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	payload := events.EventPayload{"title": t.Title}
	if t.AssigneeID != nil {
		payload["assigneeId"] = *t.AssigneeID
	}
	if err := e.appendEvent(ctx, tx, events.TaskCreated, t.ProjectID, "task", t.ID, opts.ActorID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, f)
}

// TaskCounts returns the number of tasks per status for a project.
func (e Engine) TaskCounts(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	if _, err := e.Repo.GetProject(ctx, nil, projectID); err != nil {
		return nil, err
	}
	return e.Repo.CountTasksByStatus(ctx, projectID)
}

// actorRole returns the role carried by actor, falling back to the stored one.
func (e Engine) actorRole(ctx context.Context, tx *sql.Tx, actor Actor) (domain.Role, error) {
	if actor.Role != "" {
		return actor.Role, nil
	}
	return e.Auth.UserRole(ctx, tx, actor.ID)
}

// StartTask moves a PENDING task to IN_PROGRESS. The read, the decision and
// the guarded write share one transaction, so of two concurrent starts
// exactly one succeeds and the other observes IN_PROGRESS.
func (e Engine) StartTask(ctx context.Context, taskID string, actor Actor) (domain.Task, error) {
	if actor.ID == "" {
		return domain.Task{}, domain.ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	role, err := e.actorRole(ctx, tx, actor)
	if err != nil {
		return domain.Task{}, err
	}
	assigned, err := e.Auth.HasProjectAssignment(ctx, tx, task.ProjectID, actor.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := access.CanStartTask(task, actor.ID, role, assigned); err != nil {
		e.Log.Debug().Str("task", task.ID).Str("user", actor.ID).Str("role", string(role)).
			Str("status", string(task.Status)).Err(err).Msg("task start denied")
		return domain.Task{}, err
	}
	started := access.ApplyStart(task, e.now())
	ok, err := e.Repo.MarkTaskStarted(ctx, tx, task.ID, *started.StartDate, started.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, e.transitionConflict(ctx, tx, task.ID)
	}
	if err := e.appendEvent(ctx, tx, events.TaskStarted, task.ProjectID, "task", task.ID, actor.ID, events.EventPayload{
		"startDate": *started.StartDate,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info().Str("task", task.ID).Str("user", actor.ID).Msg("task started")
	return started, nil
}

// CompleteTask moves an IN_PROGRESS task to COMPLETED. The same principals
// allowed to start a task may complete it.
func (e Engine) CompleteTask(ctx context.Context, taskID string, actor Actor) (domain.Task, error) {
	if actor.ID == "" {
		return domain.Task{}, domain.ErrUnauthorized
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	task, err := e.Repo.GetTask(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	switch task.Status {
	case domain.TaskCompleted:
		return domain.Task{}, domain.ErrAlreadyCompleted
	case domain.TaskPending:
		return domain.Task{}, domain.ErrNotInProgress
	}
	role, err := e.actorRole(ctx, tx, actor)
	if err != nil {
		return domain.Task{}, err
	}
	assigned, err := e.Auth.HasProjectAssignment(ctx, tx, task.ProjectID, actor.ID)
	if err != nil {
		return domain.Task{}, err
	}
	if !access.CanActOnTask(task, actor.ID, role, assigned) {
		return domain.Task{}, domain.ErrForbidden
	}
	ts := e.timestamp()
	ok, err := e.Repo.MarkTaskCompleted(ctx, tx, task.ID, ts)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, e.transitionConflict(ctx, tx, task.ID)
	}
	if err := e.appendEvent(ctx, tx, events.TaskCompleted, task.ProjectID, "task", task.ID, actor.ID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	task.Status = domain.TaskCompleted
	task.CompletedAt = &ts
	task.UpdatedAt = ts
	return task, nil
}

// transitionConflict explains why a guarded status update matched no row.
func (e Engine) transitionConflict(ctx context.Context, tx *sql.Tx, taskID string) error {
	current, err := e.Repo.GetTask(ctx, tx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err != nil {
		return err
	}
	switch current.Status {
	case domain.TaskCompleted:
		return domain.ErrAlreadyCompleted
	case domain.TaskInProgress:
		return domain.ErrAlreadyInProgress
	case domain.TaskPending:
		return domain.ErrNotInProgress
	}
	return domain.Conflictf("task %s changed concurrently", taskID)
}
