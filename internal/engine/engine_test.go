package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sitetrack/internal/config"
	"sitetrack/internal/db"
	"sitetrack/internal/domain"
	"sitetrack/internal/engine"
	"sitetrack/internal/hierarchy"
	"sitetrack/internal/logging"
	"sitetrack/internal/migrate"
	"sitetrack/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Project domain.Project
	Admin   domain.User
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), logging.Nop())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	admin, err := eng.CreateUser(ctx, engine.UserCreateOptions{ID: "admin", Email: "admin@example.com", Role: "ADMIN"})
	if err != nil {
		t.Fatalf("create admin: %v", err)
	}
	p, err := eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "proj-1", Name: "Tower", ActorID: admin.ID})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Project: p, Admin: admin}
}

func (env testEnv) user(t *testing.T, id string, role domain.Role) domain.User {
	t.Helper()
	u, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{ID: id, Email: id + "@example.com", Role: string(role)})
	if err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

func TestProjectWithStatsScenario(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.BulkCreateHierarchy(env.Ctx, env.Project.ID, hierarchy.Pattern{
		Buildings: 2, FloorsPerBuilding: 3, UnitsPerFloor: 4,
	}, env.Admin.ID); err != nil {
		t.Fatalf("bulk: %v", err)
	}
	view, err := env.Engine.ProjectWithStats(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if view.Stats.TotalFloors != 6 || view.Stats.TotalUnits != 24 || view.Stats.CompletionPercentage != 0 {
		t.Fatalf("unexpected stats %+v", view.Stats)
	}
	if len(view.Project.Buildings) != 2 || view.Project.Counts.Buildings != 2 {
		t.Fatalf("expected 2 buildings, got %d (count %d)", len(view.Project.Buildings), view.Project.Counts.Buildings)
	}
	if view.Project.Buildings[0].Name != "Building 1" || view.Project.Buildings[0].Floors[0].Name != "Floor 1" {
		t.Fatalf("unexpected ordering %s / %s", view.Project.Buildings[0].Name, view.Project.Buildings[0].Floors[0].Name)
	}
}

func TestProjectWithStatsEmptyAndMissing(t *testing.T) {
	env := newTestEnv(t)
	view, err := env.Engine.ProjectWithStats(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if view.Stats != (hierarchy.Stats{}) {
		t.Fatalf("expected zero stats, got %+v", view.Stats)
	}
	if _, err := env.Engine.ProjectWithStats(env.Ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompletionFlag(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Stats.ComputeCompletion = true
	buildings, err := env.Engine.BulkCreateHierarchy(env.Ctx, env.Project.ID, hierarchy.Pattern{
		Buildings: 2, FloorsPerBuilding: 1, UnitsPerFloor: 2,
	}, env.Admin.ID)
	if err != nil {
		t.Fatalf("bulk: %v", err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, env.Project.ID, "Plastering", env.Admin.ID)
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	n, err := env.Engine.UpdateWeeklyProgress(env.Ctx, engine.ProgressUpdate{
		ProjectID: env.Project.ID, ActivityID: act.ID, BuildingID: buildings[0].ID,
		WeekStart: "2024-01-01", Status: "COMPLETED", Progress: 100,
	})
	if err != nil || n != 2 {
		t.Fatalf("progress: n=%d err=%v", n, err)
	}
	view, err := env.Engine.ProjectWithStats(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if view.Stats.CompletionPercentage != 50 {
		t.Fatalf("expected 50%%, got %d", view.Stats.CompletionPercentage)
	}
}

func TestStartTaskPreservesStartDate(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID,
		Title:     "Pour slab",
		StartDate: "2023-12-15T08:00:00Z",
		ActorID:   env.Admin.ID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	started, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: env.Admin.ID})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.TaskInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", started.Status)
	}
	stored, err := env.Engine.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.StartDate == nil || *stored.StartDate != "2023-12-15T08:00:00Z" {
		t.Fatalf("start date overwritten: %v", stored.StartDate)
	}
	if stored.UpdatedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected updatedAt %s", stored.UpdatedAt)
	}
}

func TestStartTaskTransitions(t *testing.T) {
	env := newTestEnv(t)
	worker := env.user(t, "worker", domain.RoleWorker)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Frame walls", ActorID: env.Admin.ID})
	if err != nil {
		t.Fatal(err)
	}
	// unassigned worker is refused
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: worker.ID}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.Actor{ID: env.Admin.ID}); !errors.Is(err, domain.ErrNotInProgress) {
		t.Fatalf("expected not in progress, got %v", err)
	}
	if _, err := env.Engine.AssignUser(env.Ctx, env.Project.ID, worker.ID, env.Admin.ID); err != nil {
		t.Fatal(err)
	}
	started, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: worker.ID})
	if err != nil {
		t.Fatalf("start as assigned worker: %v", err)
	}
	if started.StartDate == nil || *started.StartDate != "2024-01-01T00:00:00Z" {
		t.Fatalf("expected start date set, got %v", started.StartDate)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: worker.ID}); !errors.Is(err, domain.ErrAlreadyInProgress) {
		t.Fatalf("expected already in progress, got %v", err)
	}
	done, err := env.Engine.CompleteTask(env.Ctx, task.ID, engine.Actor{ID: worker.ID})
	if err != nil || done.Status != domain.TaskCompleted || done.CompletedAt == nil {
		t.Fatalf("complete: %+v %v", done, err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: env.Admin.ID}); !errors.Is(err, domain.ErrAlreadyCompleted) {
		t.Fatalf("expected already completed, got %v", err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, "missing", engine.Actor{ID: env.Admin.ID}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartTaskAssignee(t *testing.T) {
	env := newTestEnv(t)
	worker := env.user(t, "worker", domain.RoleWorker)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "Tile bathroom", AssigneeID: worker.ID, ActorID: env.Admin.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: worker.ID, Role: domain.RoleWorker}); err != nil {
		t.Fatalf("assignee start: %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: env.Project.ID, Title: "Ghost", AssigneeID: "ghost",
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected missing assignee to fail, got %v", err)
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Race", ActorID: env.Admin.ID})
	if err != nil {
		t.Fatal(err)
	}
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: env.Admin.ID, Role: domain.RoleAdmin})
		}(i)
	}
	wg.Wait()
	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrAlreadyInProgress):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityID: task.ID, Type: "task.started"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one task.started event, got %d", len(evts))
	}
}

func TestWeeklyProgressScope(t *testing.T) {
	env := newTestEnv(t)
	other, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-2", Name: "Annex"})
	if err != nil {
		t.Fatal(err)
	}
	mine, err := env.Engine.BulkCreateHierarchy(env.Ctx, env.Project.ID, hierarchy.Pattern{Buildings: 2, FloorsPerBuilding: 2, UnitsPerFloor: 3}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.BulkCreateHierarchy(env.Ctx, other.ID, hierarchy.Pattern{Buildings: 1, FloorsPerBuilding: 1, UnitsPerFloor: 5}, ""); err != nil {
		t.Fatal(err)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, env.Project.ID, "Drywall", "")
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.Engine.UpdateWeeklyProgress(env.Ctx, engine.ProgressUpdate{
		ProjectID: env.Project.ID, ActivityID: act.ID, WeekStart: "2024-01-08", Status: "IN_PROGRESS", Progress: 40,
	})
	if err != nil || n != 12 {
		t.Fatalf("project-wide update: n=%d err=%v", n, err)
	}
	n, err = env.Engine.UpdateWeeklyProgress(env.Ctx, engine.ProgressUpdate{
		ProjectID: env.Project.ID, ActivityID: act.ID, BuildingID: mine[1].ID, WeekStart: "2024-01-08", Status: "IN_PROGRESS", Progress: 70,
	})
	if err != nil || n != 6 {
		t.Fatalf("building update: n=%d err=%v", n, err)
	}
	records, err := env.Engine.ListProgress(env.Ctx, repo.WorkRecordFilters{ProjectID: env.Project.ID, WeekStart: "2024-01-08"})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 12 {
		t.Fatalf("expected 12 records, got %d", len(records))
	}
	at70 := 0
	for _, r := range records {
		if r.Progress == 70 {
			at70++
		}
	}
	if at70 != 6 {
		t.Fatalf("expected 6 records at 70, got %d", at70)
	}
	otherRecords, err := env.Engine.ListProgress(env.Ctx, repo.WorkRecordFilters{ProjectID: other.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(otherRecords) != 0 {
		t.Fatalf("other project touched: %d records", len(otherRecords))
	}
	// activity from another project is rejected
	if _, err := env.Engine.UpdateWeeklyProgress(env.Ctx, engine.ProgressUpdate{
		ProjectID: other.ID, ActivityID: act.ID, WeekStart: "2024-01-08", Status: "IN_PROGRESS", Progress: 10,
	}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWeeklyProgressValidation(t *testing.T) {
	env := newTestEnv(t)
	act, err := env.Engine.CreateActivity(env.Ctx, env.Project.ID, "Paint", "")
	if err != nil {
		t.Fatal(err)
	}
	cases := []engine.ProgressUpdate{
		{WeekStart: "2024-01-09", Status: "IN_PROGRESS", Progress: 10},
		{WeekStart: "01/08/2024", Status: "IN_PROGRESS", Progress: 10},
		{WeekStart: "2024-01-08", Status: "IN_PROGRESS", Progress: 101},
		{WeekStart: "2024-01-08", Status: "COMPLETED", Progress: 90},
		{WeekStart: "2024-01-08", Status: "NOT_STARTED", Progress: 5},
		{WeekStart: "2024-01-08", Status: "DONE", Progress: 5},
	}
	for _, c := range cases {
		c.ProjectID = env.Project.ID
		c.ActivityID = act.ID
		_, err := env.Engine.UpdateWeeklyProgress(env.Ctx, c)
		if domain.KindOf(err) != domain.KindValidation {
			t.Fatalf("%+v: expected validation error, got %v", c, err)
		}
	}
}

func TestAssignmentsAndEvents(t *testing.T) {
	env := newTestEnv(t)
	sup := env.user(t, "sup", domain.RoleSupervisor)
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.AssignUser(env.Ctx, env.Project.ID, sup.ID, env.Admin.ID); err != nil {
			t.Fatalf("assign: %v", err)
		}
	}
	list, err := env.Engine.ListAssignments(env.Ctx, env.Project.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("assignments: %v %v", list, err)
	}
	projects, err := env.Engine.ListProjects(env.Ctx, engine.Actor{ID: sup.ID, Role: sup.Role})
	if err != nil || len(projects) != 1 {
		t.Fatalf("visible projects: %v %v", projects, err)
	}
	if err := env.Engine.UnassignUser(env.Ctx, env.Project.ID, sup.ID, env.Admin.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.UnassignUser(env.Ctx, env.Project.ID, sup.ID, env.Admin.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{ProjectID: env.Project.ID, EntityKind: "assignment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "assignment.deleted" || evts[1].Type != "assignment.created" {
		t.Fatalf("unexpected assignment events %+v", evts)
	}
}

func TestCreateUserRejects(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Email: "x@example.com", Role: "OWNER"}); domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Email: "ADMIN@example.com", Role: "worker"}); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict on duplicate email, got %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, env.Admin.ID, "ci", env.Admin.ID)
	if err != nil {
		t.Fatal(err)
	}
	if key.KeyHash == secret {
		t.Fatalf("plaintext key stored")
	}
	u, err := env.Engine.ResolveAPIKey(env.Ctx, secret)
	if err != nil || u.ID != env.Admin.ID {
		t.Fatalf("resolve: %+v %v", u, err)
	}
	if _, err := env.Engine.ResolveAPIKey(env.Ctx, "st_bogus"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	keys, err := env.Engine.ListAPIKeys(env.Ctx, env.Admin.ID)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %d %v", len(keys), err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, env.Admin.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ResolveAPIKey(env.Ctx, secret); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still resolves: %v", err)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, key.ID, env.Admin.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second revoke, got %v", err)
	}
}

func TestFindUserAndTaskCounts(t *testing.T) {
	env := newTestEnv(t)
	u, err := env.Engine.FindUser(env.Ctx, "ADMIN@example.com")
	if err != nil || u.ID != env.Admin.ID {
		t.Fatalf("find by email: %+v %v", u, err)
	}
	if _, err := env.Engine.FindUser(env.Ctx, "nobody"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Frame walls", ActorID: env.Admin.ID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: env.Project.ID, Title: "Paint", ActorID: env.Admin.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartTask(env.Ctx, task.ID, engine.Actor{ID: env.Admin.ID}); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Engine.TaskCounts(env.Ctx, env.Project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.TaskPending] != 1 || counts[domain.TaskInProgress] != 1 || counts[domain.TaskCompleted] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if _, err := env.Engine.TaskCounts(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.BulkCreateHierarchy(env.Ctx, env.Project.ID, hierarchy.Pattern{Buildings: 1, FloorsPerBuilding: 1, UnitsPerFloor: 1}, ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID, env.Admin.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.DeleteProject(env.Ctx, env.Project.ID, env.Admin.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	n, err := env.Engine.Repo.CountUnits(env.Ctx, nil, env.Project.ID)
	if err != nil || n != 0 {
		t.Fatalf("expected units removed, got %d (%v)", n, err)
	}
}

func TestCreateProjectReportsLookupFailure(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: env.Project.ID, Name: "Again"})
	if domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("expected conflict for duplicate id, got %v", err)
	}

	// the project lookup counts teams, the insert does not touch them
	if _, err := env.Engine.DB.Exec(`DROP TABLE teams`); err != nil {
		t.Fatalf("drop teams: %v", err)
	}
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: "proj-2", Name: "Annex"})
	if err == nil {
		t.Fatalf("expected lookup error")
	}
	if k := domain.KindOf(err); k != domain.KindInternal {
		t.Fatalf("expected internal error, got %v (%v)", k, err)
	}
	var n int
	if err := env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM projects WHERE id='proj-2'`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("project inserted despite failed lookup")
	}
}

func TestCreateTeamAndActivity(t *testing.T) {
	env := newTestEnv(t)
	team, err := env.Engine.CreateTeam(env.Ctx, env.Project.ID, " Crew A ", env.Admin.ID)
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	if team.ID == "" || team.Name != "Crew A" {
		t.Fatalf("unexpected team: %+v", team)
	}
	act, err := env.Engine.CreateActivity(env.Ctx, env.Project.ID, "Tiling", env.Admin.ID)
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if act.ID == "" || act.ProjectID != env.Project.ID {
		t.Fatalf("unexpected activity: %+v", act)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, nil, env.Project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if p.Counts.Teams != 1 || p.Counts.ConstructionActivities != 1 {
		t.Fatalf("unexpected counts: %+v", p.Counts)
	}

	if _, err := env.Engine.CreateTeam(env.Ctx, "missing", "Crew B", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found team project, got %v", err)
	}
	if _, err := env.Engine.CreateActivity(env.Ctx, "missing", "Paint", ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found activity project, got %v", err)
	}
}
