// Package access holds the authorization decisions gating routes and task
// transitions. Every function is pure: callers load state, ask for a
// decision, then perform the mutation themselves.
package access

import (
	"time"

	"sitetrack/internal/domain"
)

// Requirement is the role restriction attached to a route or action. Required
// is an exact match and takes precedence over Minimum.
type Requirement struct {
	Required domain.Role `yaml:"requiredRole,omitempty" json:"requiredRole,omitempty"`
	Minimum  domain.Role `yaml:"minimumRole,omitempty" json:"minimumRole,omitempty"`
}

func (r Requirement) IsZero() bool {
	return r.Required == "" && r.Minimum == ""
}

// IsAuthorizedForRoute reports whether a principal holding userRole satisfies
// req. An empty role never does.
func IsAuthorizedForRoute(userRole domain.Role, req Requirement) bool {
	if !userRole.Valid() {
		return false
	}
	if req.Required != "" {
		return userRole == req.Required
	}
	if req.Minimum != "" {
		return hasMinimumRole(userRole, req.Minimum)
	}
	return true
}

func hasMinimumRole(userRole, minimum domain.Role) bool {
	if userRole == domain.RoleAdmin {
		return true
	}
	have, ok := userRole.Rank()
	if !ok {
		return false
	}
	need, ok := minimum.Rank()
	if !ok {
		// only ADMIN satisfies an ADMIN (or unknown) minimum
		return false
	}
	return have >= need
}

var taskManagers = map[domain.Role]bool{
	domain.RoleSiteManager: true,
	domain.RoleExecutive:   true,
	domain.RoleAdmin:       true,
}

// CanStartTask decides whether userID may move task from PENDING to
// IN_PROGRESS. It returns domain.ErrAlreadyCompleted,
// domain.ErrAlreadyInProgress or domain.ErrForbidden, nil when allowed.
func CanStartTask(task domain.Task, userID string, role domain.Role, hasProjectAssignment bool) error {
	switch task.Status {
	case domain.TaskCompleted:
		return domain.ErrAlreadyCompleted
	case domain.TaskInProgress:
		return domain.ErrAlreadyInProgress
	case domain.TaskPending:
	default:
		return domain.Validationf("task %s has unknown status %q", task.ID, task.Status)
	}
	if CanActOnTask(task, userID, role, hasProjectAssignment) {
		return nil
	}
	return domain.ErrForbidden
}

// CanActOnTask reports whether userID may drive task's lifecycle: the
// assignee, a site manager or above, or anyone assigned to the project.
func CanActOnTask(task domain.Task, userID string, role domain.Role, hasProjectAssignment bool) bool {
	if userID != "" && task.AssigneeID != nil && *task.AssigneeID == userID {
		return true
	}
	return taskManagers[role] || hasProjectAssignment
}

// ApplyStart returns task as it looks after a permitted start. An existing
// start date is never overwritten.
func ApplyStart(task domain.Task, now time.Time) domain.Task {
	ts := now.UTC().Format(time.RFC3339)
	task.Status = domain.TaskInProgress
	if task.StartDate == nil || *task.StartDate == "" {
		task.StartDate = &ts
	}
	task.UpdatedAt = ts
	return task
}
