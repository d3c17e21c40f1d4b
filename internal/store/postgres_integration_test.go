package store

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storyboard/api/internal/ordering"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STORYBOARD_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("STORYBOARD_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, PoolOptions{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	applied, err := ApplyMigrations(ctx, db, Migrations(""))
	require.NoError(t, err)
	require.NotEmpty(t, applied)

	again, err := ApplyMigrations(ctx, db, Migrations(""))
	require.NoError(t, err)
	require.Empty(t, again)
	return db
}

func TestPostgresStoreOrderRecord(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, User{ID: 1, Username: "default", Email: "default@storyboard.local", PasswordHash: "!"})
	require.NoError(t, err)
	next, err := s.CreateUser(ctx, User{Username: "ada", Email: "ada@example.com", PasswordHash: "x"})
	require.NoError(t, err)
	assert.Greater(t, next.ID, user.ID)

	_, err = s.CreateUser(ctx, User{Username: "dup", Email: "ada@example.com", PasswordHash: "x"})
	require.ErrorIs(t, err, ErrDuplicate)

	scope := ordering.Scope{UserID: user.ID, ProjectID: 7}
	_, err = s.GetOrderRecord(ctx, scope)
	require.ErrorIs(t, err, ordering.ErrRecordNotFound)

	record, err := s.CreateOrderRecord(ctx, scope)
	require.NoError(t, err)
	_, err = s.CreateOrderRecord(ctx, scope)
	require.ErrorIs(t, err, ordering.ErrRecordExists)

	saved, err := s.SaveRanks(ctx, scope, ordering.RankMap{"5": 1, "9": 2}, record.Version)
	require.NoError(t, err)
	assert.Equal(t, ordering.RankMap{"5": 1, "9": 2}, saved.Ranks)

	_, err = s.SaveRanks(ctx, scope, ordering.RankMap{}, record.Version)
	require.ErrorIs(t, err, ordering.ErrVersionConflict)

	script := "FADE IN"
	doc, err := s.UpdateScopeDocument(ctx, scope, ScopePatch{Script: &script})
	require.NoError(t, err)
	assert.Equal(t, "FADE IN", doc.Script)
	assert.Equal(t, saved.Version, doc.Version)
}

func TestPostgresStoreShots(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresStore(db)
	ctx := context.Background()

	user, err := s.EnsureUser(ctx, User{ID: 1, Username: "default", Email: "default@storyboard.local", PasswordHash: "!"})
	require.NoError(t, err)
	scope := ordering.Scope{UserID: user.ID, ProjectID: 1}

	created, err := s.ReplaceScopeShots(ctx, scope, []Shot{
		{Content: "one", Characters: []string{"Ana"}},
		{Content: "two"},
	})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, []string{"Ana"}, created[0].Characters)
	assert.Equal(t, []string{}, created[1].Characters)

	found, err := s.GetShots(ctx, []int64{created[0].ID, created[1].ID, 999999})
	require.NoError(t, err)
	assert.Len(t, found, 2)

	prompt := "close up"
	updated, err := s.UpdateShot(ctx, created[1].ID, ShotPatch{Prompt: &prompt})
	require.NoError(t, err)
	assert.Equal(t, "two", updated.Content)
	assert.Equal(t, "close up", updated.Prompt)

	require.NoError(t, s.DeleteShot(ctx, created[0].ID))
	require.ErrorIs(t, s.DeleteShot(ctx, created[0].ID), ErrNotFound)

	items, err := s.ScopeItems(ctx, scope)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, created[1].ID, items[0].ID)

	n, err := s.DeleteScopeShots(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
