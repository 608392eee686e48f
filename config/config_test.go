package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "storage:\n  dsn: file:test.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8000", cfg.Server.Addr)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, 5, cfg.Crawler.ConcurrentNum)
	require.Equal(t, 10, cfg.Crawler.RetryNum)
	require.Equal(t, "conv", cfg.Rating.Engine)
	require.Equal(t, 294, cfg.Contests.WeeklyRef.Number)
	require.Equal(t, time.Date(2022, 5, 22, 2, 30, 0, 0, time.UTC), cfg.Contests.WeeklyRef.Start)
	require.Equal(t, 78, cfg.Contests.BiweeklyRef.Number)
}

func TestLoad_EnvOverridesDSN(t *testing.T) {
	path := writeTempConfig(t, "storage:\n  dsn: file:yaml.db\n")
	t.Setenv(EnvDBDSN, "file:env.db")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "file:env.db", cfg.Storage.DSN)
}

func TestLoad_MissingDSNIsFatal(t *testing.T) {
	path := writeTempConfig(t, "logging:\n  level: debug\n")

	_, err := Load(path)
	require.ErrorIs(t, err, ErrMissingDSN)
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	path := writeTempConfig(t, "storage:\n  driver: mongodb\n  dsn: x\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_CustomReferences(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  dsn: file:test.db
contests:
  weekly_ref:
    number: 300
    start: 2022-07-03T02:30:00Z
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 300, cfg.Contests.WeeklyRef.Number)
	require.Equal(t, time.Date(2022, 7, 3, 2, 30, 0, 0, time.UTC), cfg.Contests.WeeklyRef.Start)
	// Untouched section keeps its default.
	require.Equal(t, 78, cfg.Contests.BiweeklyRef.Number)
}
