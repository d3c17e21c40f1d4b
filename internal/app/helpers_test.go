package app

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"storyboard/api/internal/config"
	"storyboard/api/internal/logging"
	"storyboard/api/internal/ordering"
	"storyboard/api/internal/scopelock"
	"storyboard/api/internal/store"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	cfg.JWTSecret = "test-secret"
	return cfg
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	return newTestServiceWithConfig(t, testConfig())
}

func newTestServiceWithConfig(t *testing.T, cfg config.Config) (*Service, *store.MemoryStore) {
	t.Helper()
	data := store.NewMemoryStore()
	svc := NewService(cfg, data, scopelock.NewLocal(), logging.NewNop())
	require.NoError(t, svc.Bootstrap(context.Background()))
	return svc, data
}

func defaultScope() ordering.Scope {
	return ordering.Scope{UserID: 1, ProjectID: 1}
}

func createShots(t *testing.T, svc *Service, scope ordering.Scope, contents ...string) []RankedShot {
	t.Helper()
	created := make([]RankedShot, 0, len(contents))
	for _, content := range contents {
		shot, err := svc.CreateShot(context.Background(), scope, ShotInput{Content: content})
		require.NoError(t, err)
		created = append(created, shot)
	}
	return created
}

// contentsByRank flattens a listing into "content:rank" pairs.
func contentsByRank(shots []RankedShot) []string {
	out := make([]string, len(shots))
	for i, shot := range shots {
		out[i] = shot.Content + ":" + strconv.Itoa(shot.Rank)
	}
	return out
}
