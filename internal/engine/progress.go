package engine

import (
	"context"
	"strings"
	"time"

	"sitetrack/internal/domain"
	"sitetrack/internal/events"
	"sitetrack/internal/repo"
)

const weekLayout = "2006-01-02"

type ProgressUpdate struct {
	ProjectID  string
	ActivityID string
	// BuildingID narrows the update to one building; empty means all.
	BuildingID string
	WeekStart  string
	Status     string
	Progress   int
	ActorID    string
}

func (u ProgressUpdate) validate() (domain.WorkStatus, error) {
	if strings.TrimSpace(u.ActivityID) == "" {
		return "", domain.Validationf("activityId is required")
	}
	week, err := time.Parse(weekLayout, u.WeekStart)
	if err != nil {
		return "", domain.Validationf("weekStart must be YYYY-MM-DD")
	}
	if week.Weekday() != time.Monday {
		return "", domain.Validationf("weekStart %s is not a Monday", u.WeekStart)
	}
	if u.Progress < 0 || u.Progress > 100 {
		return "", domain.Validationf("progress must be between 0 and 100")
	}
	status, err := domain.ParseWorkStatus(strings.ToUpper(u.Status))
	if err != nil {
		return "", err
	}
	switch {
	case status == domain.WorkCompleted && u.Progress != 100:
		return "", domain.Validationf("COMPLETED requires progress 100")
	case status == domain.WorkNotStarted && u.Progress != 0:
		return "", domain.Validationf("NOT_STARTED requires progress 0")
	}
	return status, nil
}

// UpdateWeeklyProgress records progress of one activity for every unit of the
// project (or of one building) for the given week and returns how many work
// records changed.
func (e Engine) UpdateWeeklyProgress(ctx context.Context, u ProgressUpdate) (int64, error) {
	status, err := u.validate()
	if err != nil {
		return 0, err
	}
	now := e.timestamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProject(ctx, tx, u.ProjectID); err != nil {
		return 0, err
	}
	activity, err := e.Repo.GetActivity(ctx, tx, u.ActivityID)
	if err != nil {
		return 0, err
	}
	if activity.ProjectID != u.ProjectID {
		return 0, domain.NotFoundf("activity %s not found in project %s", u.ActivityID, u.ProjectID)
	}
	if u.BuildingID != "" {
		b, err := e.Repo.GetBuilding(ctx, tx, u.BuildingID)
		if err != nil {
			return 0, err
		}
		if b.ProjectID != u.ProjectID {
			return 0, domain.NotFoundf("building %s not found in project %s", u.BuildingID, u.ProjectID)
		}
	}
	scope := repo.ProgressScope{
		ProjectID:  u.ProjectID,
		BuildingID: u.BuildingID,
		ActivityID: u.ActivityID,
		WeekStart:  u.WeekStart,
	}
	if err := e.Repo.EnsureWorkRecords(ctx, tx, scope, now); err != nil {
		return 0, err
	}
	n, err := e.Repo.UpdateWeeklyProgress(ctx, tx, scope, status, u.Progress, now)
	if err != nil {
		return 0, err
	}
	payload := events.EventPayload{
		"activityId": u.ActivityID,
		"weekStart":  u.WeekStart,
		"status":     string(status),
		"progress":   u.Progress,
		"updated":    n,
	}
	if u.BuildingID != "" {
		payload["buildingId"] = u.BuildingID
	}
	if err := e.appendEvent(ctx, tx, events.ProgressUpdated, u.ProjectID, "activity", u.ActivityID, u.ActorID, payload); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (e Engine) ListProgress(ctx context.Context, f repo.WorkRecordFilters) ([]domain.WorkRecord, error) {
	if _, err := e.Repo.GetProject(ctx, nil, f.ProjectID); err != nil {
		return nil, err
	}
	if f.WeekStart != "" {
		if _, err := time.Parse(weekLayout, f.WeekStart); err != nil {
			return nil, domain.Validationf("weekStart must be YYYY-MM-DD")
		}
	}
	return e.Repo.ListWorkRecords(ctx, f)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}
