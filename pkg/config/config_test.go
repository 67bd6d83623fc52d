package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cityhall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  data_dir: /var/lib/cityhall\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/cityhall", cfg.Storage.DataDir)
	require.Equal(t, 64*1024*1024, cfg.Storage.MemtableBytes)
	require.Equal(t, 4, cfg.Storage.CompactionTier)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadRejectsMissingDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cityhall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cityhall.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  data_dir: /data\nlog_level: verbose\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
