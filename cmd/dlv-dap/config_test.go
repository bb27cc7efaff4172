package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godbg/dlv-dap/debug/pathmap"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  file: /tmp/dlv-dap.log
  level: debug
buildBinary: plz
substitutePath:
  - from: /home/dev/repo
    to: /sandbox/repo
`), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dlv-dap.log", cfg.Log.File)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "plz", cfg.BuildBinary)
	assert.Equal(t, []pathmap.Rule{{From: "/home/dev/repo", To: "/sandbox/repo"}}, cfg.SubstitutePath)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Empty(t, cfg.BuildBinary)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("/does/not/exist.yaml")
	assert.Error(t, err)
}
