package server

import (
	"sitetrack/internal/domain"
	"sitetrack/internal/hierarchy"
)

// Request payloads

type DevLoginRequest struct {
	UserID string `json:"userId"`
}

type CreateUserRequest struct {
	ID    *string `json:"id,omitempty"`
	Email string  `json:"email" format:"email"`
	Name  *string `json:"name,omitempty"`
	Role  string  `json:"role" enum:"WORKER,QUALITY_INSPECTOR,SUPERVISOR,SITE_MANAGER,EXECUTIVE,ADMIN"`
}

type CreateProjectRequest struct {
	ID          *string `json:"id,omitempty"`
	Name        string  `json:"name" minLength:"1"`
	Description *string `json:"description,omitempty"`
}

type BulkHierarchyRequest struct {
	Buildings         int     `json:"buildings" minimum:"1" maximum:"100"`
	FloorsPerBuilding int     `json:"floorsPerBuilding" minimum:"1" maximum:"200"`
	UnitsPerFloor     int     `json:"unitsPerFloor" minimum:"1" maximum:"100"`
	BuildingPrefix    *string `json:"buildingPrefix,omitempty"`
	FloorPrefix       *string `json:"floorPrefix,omitempty"`
	UnitPrefix        *string `json:"unitPrefix,omitempty"`
	UnitType          *string `json:"unitType,omitempty"`
}

func (r BulkHierarchyRequest) pattern() hierarchy.Pattern {
	return hierarchy.Pattern{
		Buildings:         r.Buildings,
		FloorsPerBuilding: r.FloorsPerBuilding,
		UnitsPerFloor:     r.UnitsPerFloor,
		BuildingPrefix:    stringOrEmpty(r.BuildingPrefix),
		FloorPrefix:       stringOrEmpty(r.FloorPrefix),
		UnitPrefix:        stringOrEmpty(r.UnitPrefix),
		UnitType:          stringOrEmpty(r.UnitType),
	}
}

type NamedRequest struct {
	Name string `json:"name" minLength:"1"`
}

type AssignUserRequest struct {
	UserID string `json:"userId"`
}

type CreateTaskRequest struct {
	Title       string  `json:"title" minLength:"1"`
	Description *string `json:"description,omitempty"`
	AssigneeID  *string `json:"assigneeId,omitempty"`
	StartDate   *string `json:"startDate,omitempty" format:"date-time"`
}

type UpdateProgressRequest struct {
	ActivityID string  `json:"activityId"`
	BuildingID *string `json:"buildingId,omitempty"`
	WeekStart  string  `json:"weekStart" format:"date"`
	Status     string  `json:"status" enum:"NOT_STARTED,IN_PROGRESS,COMPLETED"`
	Progress   int     `json:"progress" minimum:"0" maximum:"100"`
}

type CreateAPIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt" format:"date-time"`
}

type MeResponse struct {
	UserID     string      `json:"userId"`
	Role       domain.Role `json:"role"`
	Source     string      `json:"source"`
	User       domain.User `json:"user"`
	ProjectIDs []string    `json:"projectIds"`
}

// ProjectDetail is the raw project row and tree with stats alongside.
type ProjectDetail struct {
	domain.Project
	Stats hierarchy.Stats `json:"stats"`
}

type ProjectDetailResponse struct {
	Project ProjectDetail `json:"project"`
}

type BulkHierarchyResponse struct {
	Buildings []domain.Building `json:"buildings"`
	Stats     hierarchy.Stats   `json:"stats"`
}

type UpdateProgressResponse struct {
	Updated int64 `json:"updated"`
}

type APIKeyResponse struct {
	Key    domain.APIKey `json:"apiKey"`
	Secret string        `json:"secret"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
