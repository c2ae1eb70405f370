package service

import (
	"context"
	"testing"

	"ictaccess/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListUsersByRole(t *testing.T) {
	f := newFixture(t)
	svc := NewUserService(f.store.UserRepo())

	officers, total, err := svc.ListUsers(context.Background(), UserFilter{Role: model.RoleICTOfficer})

	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, officers, 2)
	assert.Equal(t, "officer-a", officers[0].Username)
	assert.Equal(t, "officer-a", officers[0].FullName, "falls back to username")

	hods, _, err := svc.ListUsers(context.Background(), UserFilter{Role: model.RoleHeadOfDepartment, Department: "Surgery"})
	require.NoError(t, err)
	assert.Empty(t, hods)
}

func TestListUsersPaginates(t *testing.T) {
	f := newFixture(t)
	svc := NewUserService(f.store.UserRepo())

	page, total, err := svc.ListUsers(context.Background(), UserFilter{Page: 2, Limit: 3})

	require.NoError(t, err)
	assert.EqualValues(t, 8, total)
	assert.Len(t, page, 3)
}
