package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/evalsandbox/internal/domain"
)

const sampleConfig = `
server:
  addr: ":9090"
backend:
  driver: sqlite
  sqlite_dir: /tmp/sandbox
metadata:
  store: memory
pool:
  ttl: 30m
  templates:
    tracker: tpl_tracker
    crm: tpl_crm
  targets:
    tracker: 3
diff:
  unordered:
    global: [tags]
    issues: [labels]
`

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewLoader("", t.TempDir(), nil).Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "postgres", cfg.Backend.Driver)
	assert.Equal(t, "eval_sandbox", cfg.Database.DBName)
	assert.Equal(t, time.Hour, cfg.Pool.TTL)
	assert.Equal(t, int64(2), cfg.Pool.Concurrency)
	assert.Empty(t, cfg.Pool.Targets)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, sampleConfig)
	t.Setenv("SANDBOX_LOG_LEVEL", "debug")
	t.Setenv("SANDBOX_POOL_CLONE_TIMEOUT", "90s")

	cfg, err := NewLoader("", dir, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Backend.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Pool.TTL)
	assert.Equal(t, 90*time.Second, cfg.Pool.CloneTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, map[string]int{"tracker": 3}, cfg.Pool.Targets)
	assert.Equal(t, []domain.Template{
		{Name: "crm", Namespace: "tpl_crm"},
		{Name: "tracker", Namespace: "tpl_tracker"},
	}, cfg.Pool.TemplateList())

	unordered := cfg.Diff.UnorderedFields()
	assert.True(t, unordered.Contains("projects", "tags"))
	assert.True(t, unordered.Contains("issues", "labels"))
	assert.False(t, unordered.Contains("projects", "labels"))
}

func TestPoolTargetsFromEnvironmentString(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, sampleConfig)
	t.Setenv("SANDBOX_POOL_TARGETS", "tracker:5, crm:1")

	cfg, err := NewLoader("", dir, nil).Load()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tracker": 5, "crm": 1}, cfg.Pool.Targets)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"unknown driver":          "backend:\n  driver: oracle\n",
		"target without template": "pool:\n  targets: ghost:2\n",
		"bad log level":           "log:\n  level: loud\n",
		"zero ttl":                "pool:\n  ttl: 0s\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := NewLoader(writeConfig(t, dir, content), "", nil).Load()
			assert.Error(t, err)
		})
	}

	_, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"), "", nil).Load()
	assert.Error(t, err, "an explicit config file must exist")
}

func TestParsePoolTargets(t *testing.T) {
	targets, err := ParsePoolTargets("tracker:5,crm:0,")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tracker": 5, "crm": 0}, targets)

	for _, raw := range []string{"tracker", "tracker:x", ":3", "tracker:-1"} {
		_, err := ParsePoolTargets(raw)
		assert.Error(t, err, raw)
	}
}

func TestWatchReloadsTargets(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	loader := NewLoader(path, "", nil)
	_, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, path, loader.FileUsed())

	reloaded := make(chan Config, 4)
	loader.Watch(func(cfg Config) { reloaded <- cfg })

	updated := strings.Replace(sampleConfig, "tracker: 3", "tracker: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		select {
		case cfg := <-reloaded:
			return cfg.Pool.Targets["tracker"] == 7
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}
