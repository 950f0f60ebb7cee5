package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wfDB "workflow-engine-service/internal/workflow-manager/db"
)

func TestGormRoleResolver(t *testing.T) {
	env := newTestEnv(t)
	r := &GormRoleResolver{DB: env.DB}
	ctx := context.Background()

	cases := []struct {
		client uint
		role   string
		user   uint
		found  bool
	}{
		{testClient, "preparer", 200, true},
		{11, "preparer", 300, true},
		{testClient, "manager", 100, true},
		{testClient, "partner", 0, false},
		{testClient, "", 0, false},
	}
	for _, tc := range cases {
		user, found, err := r.ResolveRole(ctx, testFirm, tc.client, tc.role)
		require.NoError(t, err)
		assert.Equal(t, tc.found, found, tc.role)
		assert.Equal(t, tc.user, user, tc.role)
	}

	_, found, err := r.ResolveRole(ctx, 2, testClient, "manager")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGormClientRegistry(t *testing.T) {
	env := newTestEnv(t)
	reg := &GormClientRegistry{DB: env.DB}

	ok, err := reg.ClientExists(context.Background(), testFirm, testClient)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.ClientExists(context.Background(), 2, testClient)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadStatusSet(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	set, err := LoadStatusSet(ctx, env.Catalog, testFirm, wfDB.StatusScopeTask)
	require.NoError(t, err)
	assert.Equal(t, "To Do", set.Default.Name)

	st, err := set.Lookup("  in progress ")
	require.NoError(t, err)
	assert.Equal(t, env.taskStatus("In Progress").ID, st.ID)
	_, err = set.Lookup("Done")
	assert.ErrorIs(t, err, ErrUnknownStatus)

	assert.True(t, set.IsTerminal(env.taskStatus("Cancelled").ID))
	assert.False(t, set.IsTerminal(env.taskStatus("On Hold").ID))
	assert.Equal(t, "#999", set.Name(999))

	_, err = LoadStatusSet(ctx, env.Catalog, 2, wfDB.StatusScopeTask)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestLoadStatusSet_DefaultFallsBackToFirstPosition(t *testing.T) {
	gormDB := setupTestDB(t)
	require.NoError(t, gormDB.Create(&[]wfDB.Status{
		{FirmID: 3, Scope: wfDB.StatusScopeWork, Name: "Done", Position: 9, IsTerminal: true},
		{FirmID: 3, Scope: wfDB.StatusScopeWork, Name: "New", Position: 1},
	}).Error)

	set, err := LoadStatusSet(context.Background(), &GormStatusCatalog{DB: gormDB}, 3, wfDB.StatusScopeWork)
	require.NoError(t, err)
	assert.Equal(t, "New", set.Default.Name)
}
