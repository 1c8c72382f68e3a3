package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sitetrack/internal/config"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine/auth"
	"sitetrack/internal/events"
	"sitetrack/internal/hierarchy"
	"sitetrack/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

// Actor is the already authenticated caller of an engine operation. An empty
// Role is resolved from the store.
type Actor struct {
	ID   string
	Role domain.Role
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	ID          string
	Name        string
	Description string
	ActorID     string
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Project{}, domain.Validationf("name is required")
	}
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(opts.Description),
		CreatedAt:   e.timestamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, id); err == nil {
		return domain.Project{}, domain.Conflictf("project %s already exists", id)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

func (e Engine) DeleteProject(ctx context.Context, id, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProject(ctx, tx, id); err != nil {
		return err
	}
	// the project row is gone, so the event is not scoped to it
	if err := e.appendEvent(ctx, tx, events.ProjectDeleted, "", "project", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// ProjectView is a project with its full tree and derived stats.
type ProjectView struct {
	Project domain.Project
	Stats   hierarchy.Stats
}

// ProjectWithStats loads the project tree and aggregates it. Completion stays
// 0 unless stats.computeCompletion is enabled.
func (e Engine) ProjectWithStats(ctx context.Context, id string) (ProjectView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProjectView{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetProject(ctx, tx, id)
	if err != nil {
		return ProjectView{}, err
	}
	tree, err := e.Repo.LoadTree(ctx, tx, id)
	if err != nil {
		return ProjectView{}, err
	}
	p.Buildings = tree
	stats := hierarchy.ComputeStats(p)
	if e.Config != nil && e.Config.Stats.ComputeCompletion {
		completed, err := e.Repo.CountCompletedUnits(ctx, tx, id)
		if err != nil {
			return ProjectView{}, err
		}
		stats.CompletionPercentage = hierarchy.CompletionPercentage(completed, stats.TotalUnits)
	}
	return ProjectView{Project: p, Stats: stats}, nil
}

// BulkCreateHierarchy expands pattern into buildings, floors and units and
// inserts them in one transaction.
func (e Engine) BulkCreateHierarchy(ctx context.Context, projectID string, pattern hierarchy.Pattern, actorID string) ([]domain.Building, error) {
	buildings, err := hierarchy.Expand(projectID, pattern)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return nil, err
	}
	if err := e.Repo.InsertBuildings(ctx, tx, buildings); err != nil {
		return nil, err
	}
	created := hierarchy.ComputeStats(domain.Project{Buildings: buildings})
	if err := e.appendEvent(ctx, tx, events.HierarchyCreated, projectID, "project", projectID, actorID, events.EventPayload{
		"buildings": len(buildings),
		"floors":    created.TotalFloors,
		"units":     created.TotalUnits,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return buildings, nil
}

func (e Engine) CreateTeam(ctx context.Context, projectID, name, actorID string) (domain.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Team{}, domain.Validationf("name is required")
	}
	t := domain.Team{ID: uuid.NewString(), ProjectID: projectID, Name: name, CreatedAt: e.timestamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Team{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return domain.Team{}, err
	}
	if err := e.Repo.InsertTeam(ctx, tx, t); err != nil {
		return domain.Team{}, err
	}
	if err := e.appendEvent(ctx, tx, events.TeamCreated, projectID, "team", t.ID, actorID, events.EventPayload{"name": t.Name}); err != nil {
		return domain.Team{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Team{}, err
	}
	return t, nil
}

func (e Engine) CreateActivity(ctx context.Context, projectID, name, actorID string) (domain.ConstructionActivity, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ConstructionActivity{}, domain.Validationf("name is required")
	}
	a := domain.ConstructionActivity{ID: uuid.NewString(), ProjectID: projectID, Name: name, CreatedAt: e.timestamp()}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ConstructionActivity{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, projectID); err != nil {
		return domain.ConstructionActivity{}, err
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return domain.ConstructionActivity{}, err
	}
	if err := e.appendEvent(ctx, tx, events.ActivityCreated, projectID, "activity", a.ID, actorID, events.EventPayload{"name": a.Name}); err != nil {
		return domain.ConstructionActivity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ConstructionActivity{}, err
	}
	return a, nil
}
