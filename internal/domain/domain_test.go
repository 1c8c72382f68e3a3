package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitetrack/internal/domain"
)

func TestRoleRanks(t *testing.T) {
	prev := 0
	for _, r := range domain.Roles()[:5] {
		n, ok := r.Rank()
		require.True(t, ok, r)
		assert.Greater(t, n, prev)
		prev = n
	}
	_, ok := domain.RoleAdmin.Rank()
	assert.False(t, ok)
	assert.True(t, domain.RoleAdmin.Valid())
	assert.False(t, domain.Role("OWNER").Valid())
}

func TestParseRole(t *testing.T) {
	r, err := domain.ParseRole("SUPERVISOR")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSupervisor, r)

	_, err = domain.ParseRole("supervisor")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestErrorMatching(t *testing.T) {
	wrapped := fmt.Errorf("start task: %w", domain.ErrAlreadyCompleted)
	assert.ErrorIs(t, wrapped, domain.ErrAlreadyCompleted)
	assert.NotErrorIs(t, wrapped, domain.ErrAlreadyInProgress)
	assert.Equal(t, domain.KindInvalidTransition, domain.KindOf(wrapped))
	assert.Equal(t, "already_completed", domain.ReasonOf(wrapped))

	nf := domain.NotFoundf("task %s not found", "t-1")
	assert.ErrorIs(t, nf, domain.ErrNotFound)
	assert.Equal(t, "task t-1 not found", nf.Error())

	assert.Equal(t, domain.KindInternal, domain.KindOf(errors.New("boom")))
}
