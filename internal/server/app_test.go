package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/imagine-orchestrator/internal/config"
	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	return cfg
}

func TestBuildMemoryBackend(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.Studio())
	require.Nil(t, app.archiver)
	require.Nil(t, app.scheduler)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state_store"`)
}

func TestBuildPersistsKeysAcrossRestarts(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.State.Backend = "local"
	cfg.State.Local.Dir = t.TempDir()

	first, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	entry, added, err := first.Studio().AddKey("primary", "xai-persisted-credential-0001")
	require.NoError(t, err)
	require.True(t, added)
	require.NoError(t, first.Close(context.Background()))

	second, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close(context.Background()) })

	keys := second.Studio().Keys()
	require.Len(t, keys, 1)
	require.Equal(t, entry.ID, keys[0].ID)
	require.Equal(t, "primary", keys[0].Label)
	require.Empty(t, second.Studio().Jobs(imagine.JobKindVideo))
}

func TestBuildWithArchiveAndSchedule(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Archive.Enabled = true
	cfg.Archive.Backend = "local"
	cfg.Archive.Local.BaseDir = t.TempDir()
	cfg.Health.Schedule = "@every 1h"

	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NotNil(t, app.archiver)
	require.NotNil(t, app.queue)
	require.NotNil(t, app.scheduler)
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		errMsg string
	}{
		{
			name:   "state",
			mutate: func(c *config.Config) { c.State.Backend = "sqlite" },
			errMsg: `unsupported state backend "sqlite"`,
		},
		{
			name: "archive",
			mutate: func(c *config.Config) {
				c.Archive.Enabled = true
				c.Archive.Backend = "s3"
			},
			errMsg: `unsupported archive backend "s3"`,
		},
		{
			name:   "schedule",
			mutate: func(c *config.Config) { c.Health.Schedule = "not a cron" },
			errMsg: "health schedule",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig(t)
			tc.mutate(&cfg)
			_, err := Build(context.Background(), cfg, zap.NewNop())
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.errMsg)
		})
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig(t)
	cfg.Server.Port = 0
	cfg.Archive.Enabled = true
	app, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
