package access_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/access"
	"sitetrack/internal/domain"
)

func ptr(s string) *string { return &s }

func TestRequiredRoleIsExactMatch(t *testing.T) {
	for _, user := range domain.Roles() {
		for _, required := range domain.Roles() {
			got := access.IsAuthorizedForRoute(user, access.Requirement{Required: required})
			assert.Equal(t, user == required, got, "user=%s required=%s", user, required)
		}
	}
}

func TestRequiredRoleWinsOverMinimum(t *testing.T) {
	req := access.Requirement{Required: domain.RoleSupervisor, Minimum: domain.RoleWorker}
	assert.False(t, access.IsAuthorizedForRoute(domain.RoleExecutive, req))
	assert.True(t, access.IsAuthorizedForRoute(domain.RoleSupervisor, req))
}

func TestMinimumRoleUsesRank(t *testing.T) {
	ranked := domain.Roles()[:5]
	for i, user := range ranked {
		for j, minimum := range ranked {
			got := access.IsAuthorizedForRoute(user, access.Requirement{Minimum: minimum})
			assert.Equal(t, i >= j, got, "user=%s minimum=%s", user, minimum)
		}
	}
}

func TestMinimumRoleBoundary(t *testing.T) {
	req := access.Requirement{Minimum: domain.RoleSiteManager}
	assert.True(t, access.IsAuthorizedForRoute(domain.RoleSiteManager, req))
	assert.False(t, access.IsAuthorizedForRoute(domain.RoleSupervisor, req))
}

func TestAdminBypassesMinimum(t *testing.T) {
	for _, minimum := range domain.Roles() {
		assert.True(t, access.IsAuthorizedForRoute(domain.RoleAdmin, access.Requirement{Minimum: minimum}), minimum)
	}
	assert.False(t, access.IsAuthorizedForRoute(domain.RoleExecutive, access.Requirement{Minimum: domain.RoleAdmin}))
}

func TestNoRequirementAndMissingRole(t *testing.T) {
	assert.True(t, access.IsAuthorizedForRoute(domain.RoleWorker, access.Requirement{}))
	assert.False(t, access.IsAuthorizedForRoute("", access.Requirement{}))
	assert.False(t, access.IsAuthorizedForRoute("", access.Requirement{Minimum: domain.RoleWorker}))
	assert.False(t, access.IsAuthorizedForRoute("GUEST", access.Requirement{}))
}

func TestCanStartTask(t *testing.T) {
	pending := domain.Task{ID: "t1", Status: domain.TaskPending, AssigneeID: ptr("u-assignee")}
	cases := []struct {
		name     string
		task     domain.Task
		user     string
		role     domain.Role
		assigned bool
		want     error
	}{
		{"completed", domain.Task{Status: domain.TaskCompleted, AssigneeID: ptr("u1")}, "u1", domain.RoleAdmin, true, domain.ErrAlreadyCompleted},
		{"in progress", domain.Task{Status: domain.TaskInProgress, AssigneeID: ptr("u1")}, "u1", domain.RoleAdmin, true, domain.ErrAlreadyInProgress},
		{"assignee", pending, "u-assignee", domain.RoleWorker, false, nil},
		{"worker stranger", pending, "u-other", domain.RoleWorker, false, domain.ErrForbidden},
		{"supervisor stranger", pending, "u-other", domain.RoleSupervisor, false, domain.ErrForbidden},
		{"site manager", pending, "u-other", domain.RoleSiteManager, false, nil},
		{"executive", pending, "u-other", domain.RoleExecutive, false, nil},
		{"admin", pending, "u-other", domain.RoleAdmin, false, nil},
		{"project assignment", pending, "u-other", domain.RoleWorker, true, nil},
		{"unassigned task", domain.Task{Status: domain.TaskPending}, "", domain.RoleQualityInspector, false, domain.ErrForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := access.CanStartTask(tc.task, tc.user, tc.role, tc.assigned)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCanStartTaskInvalidTransitionKind(t *testing.T) {
	err := access.CanStartTask(domain.Task{Status: domain.TaskCompleted}, "u", domain.RoleAdmin, false)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(err))
	err = access.CanStartTask(domain.Task{Status: "BLOCKED"}, "u", domain.RoleAdmin, false)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestApplyStartKeepsExistingStartDate(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	original := "2024-01-15T08:00:00Z"
	started := access.ApplyStart(domain.Task{Status: domain.TaskPending, StartDate: ptr(original)}, now)
	assert.Equal(t, domain.TaskInProgress, started.Status)
	require.NotNil(t, started.StartDate)
	assert.Equal(t, original, *started.StartDate)

	fresh := access.ApplyStart(domain.Task{Status: domain.TaskPending}, now)
	require.NotNil(t, fresh.StartDate)
	assert.Equal(t, "2024-03-04T10:00:00Z", *fresh.StartDate)
	assert.Equal(t, "2024-03-04T10:00:00Z", fresh.UpdatedAt)
}
