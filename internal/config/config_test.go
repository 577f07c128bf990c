package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("RCLONE_DISABLE", "1")
	t.Setenv("VTHELL_BASE_DIR", t.TempDir())

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 60*time.Second, cfg.DownloaderInterval)
	assert.Equal(t, 180*time.Second, cfg.SchedulerInterval)
	assert.Equal(t, 120*time.Second, cfg.GracePeriod)
	assert.Equal(t, 12790, cfg.Port)
	assert.Equal(t, "ytarchive", cfg.YTArchivePath)
	assert.Contains(t, cfg.DBPath, filepath.Join("dbs", "vthell-v4"))
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("VTHELL_BASE_DIR", t.TempDir())
	t.Setenv("VTHELL_LOOP_DOWNLOADER", "15")
	t.Setenv("VTHELL_GRACE_PERIOD", "30")
	t.Setenv("RCLONE_DISABLE", "true")
	t.Setenv("WEBSERVER_PASSWORD", "hunter2")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Second, cfg.DownloaderInterval)
	assert.Equal(t, 30*time.Second, cfg.GracePeriod)
	assert.True(t, cfg.RcloneDisable)
	assert.Equal(t, "hunter2", cfg.Password)
}

func TestValidateRejectsRcloneWithoutTarget(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.RcloneDisable = false
	cfg.RcloneDriveTarget = ""
	assert.Error(t, cfg.Validate())

	cfg.RcloneDriveTarget = "gdrive:VTuberHell"
	assert.NoError(t, cfg.Validate())
}

func TestYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "vthell.yml")
	body := "rclone_disable: true\nholodex_api_key: from-file\nport: 9999\n"
	require.NoError(t, os.WriteFile(file, []byte(body), 0o600))

	t.Setenv("VTHELL_CONFIG_FILE", file)
	t.Setenv("VTHELL_BASE_DIR", dir)
	// Environment wins over the file.
	t.Setenv("HOLODEX_API_KEY", "from-env")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.HolodexAPIKey)
	assert.Equal(t, 9999, cfg.Port)
	assert.True(t, cfg.RcloneDisable)
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{BaseDir: dir, RcloneDisable: true}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.EnsureDirs())

	for _, sub := range []string{"dataset", "dbs", "streamdump", "chatarchive"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
