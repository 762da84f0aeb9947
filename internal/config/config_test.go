package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgestored.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - addr: "shard0.internal:3306"
    dbname: "edges_0"
  - addr: "shard1.internal:3306"
    dbname: "edges_1"
log_level: "debug"
pool:
  max_open_conns: 50
  max_idle_conns: 20
  conn_max_lifetime: 2m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Hosts, 2)
	assert.Equal(t, "shard0.internal:3306", cfg.Hosts[0].Addr)
	assert.Equal(t, "edges_1", cfg.Hosts[1].DBName)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 50, cfg.Pool.MaxOpenConns)
	assert.Equal(t, 2*time.Minute, cfg.Pool.ConnMaxLifetime)
}

func TestLoadRejectsMissingHosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgestored.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesHostsAndLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgestored.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - addr: "file-host:3306"
    dbname: "filedb"
`), 0o644))

	t.Setenv("DATABASE_HOSTS", "a:3306=edges_a,b:3306=edges_b")
	t.Setenv("EDGESTORE_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Hosts, 2)
	assert.Equal(t, "a:3306", cfg.Hosts[0].Addr)
	assert.Equal(t, "edges_b", cfg.Hosts[1].DBName)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestEnvDBNameFillsOnlyEmptyHosts(t *testing.T) {
	t.Setenv("DATABASE_HOSTS", "a:3306=,b:3306=edges_b")
	t.Setenv("EDGESTORE_DBNAME", "fallback")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Len(t, cfg.Hosts, 2)
	assert.Equal(t, "fallback", cfg.Hosts[0].DBName)
	assert.Equal(t, "edges_b", cfg.Hosts[1].DBName, "a host with its own dbname must not be overwritten")
}

func TestEnvPoolOverridesRejectNonInteger(t *testing.T) {
	t.Setenv("DATABASE_HOSTS", "a:3306=edges_a")
	t.Setenv("EDGESTORE_POOL_MAX_OPEN", "not-a-number")

	_, err := Load("")
	assert.Error(t, err)
}

func TestDefaultIsNotUsableWithoutHosts(t *testing.T) {
	assert.Error(t, Default().Validate())
}
