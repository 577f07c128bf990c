// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration from the environment with an
// optional YAML overlay file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every knob the daemon understands. Zero values are filled by
// ApplyDefaults; Validate rejects combinations that cannot work.
type Config struct {
	// BaseDir anchors the on-disk layout (dataset/, dbs/, streamdump/,
	// chatarchive/). Defaults to the working directory.
	BaseDir string `yaml:"base_dir"`

	// DBPath is the job-store location. Defaults to <BaseDir>/dbs/vthell-v4.
	DBPath string `yaml:"db_path"`

	// Loop intervals, in seconds on the wire.
	DownloaderInterval time.Duration `yaml:"downloader_interval"`
	SchedulerInterval  time.Duration `yaml:"scheduler_interval"`
	GracePeriod        time.Duration `yaml:"grace_period"`

	// Discovery.
	HolodexAPIKey string `yaml:"holodex_api_key"`

	// External binaries.
	YTArchivePath string `yaml:"ytarchive_path"`
	YTDLPPath     string `yaml:"ytdlp_path"`
	FFmpegPath    string `yaml:"ffmpeg_path"`
	MKVMergePath  string `yaml:"mkvmerge_path"`
	StreamlinkPath string `yaml:"streamlink_path"`

	// Upload backend.
	RclonePath        string `yaml:"rclone_path"`
	RcloneDisable     bool   `yaml:"rclone_disable"`
	RcloneDriveTarget string `yaml:"rclone_drive_target"`

	// Web server.
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Password           string `yaml:"password"`
	ReverseProxy       bool   `yaml:"reverse_proxy"`
	ReverseProxySecret string `yaml:"reverse_proxy_secret"`

	// Notifications.
	DiscordWebhook string `yaml:"discord_webhook"`

	// Optional discovery cache.
	RedisURL string `yaml:"redis_url"`

	// Optional tracing.
	OTLPEnabled  bool    `yaml:"otlp_enabled"`
	OTLPExporter string  `yaml:"otlp_exporter"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	OTLPSampling float64 `yaml:"otlp_sampling"`

	LogLevel string `yaml:"log_level"`
}

// Derived paths.
func (c *Config) DatasetDir() string     { return filepath.Join(c.BaseDir, "dataset") }
func (c *Config) DBDir() string          { return filepath.Join(c.BaseDir, "dbs") }
func (c *Config) StreamDumpDir() string  { return filepath.Join(c.BaseDir, "streamdump") }
func (c *Config) ChatArchiveDir() string { return filepath.Join(c.BaseDir, "chatarchive") }

// LockPath is the advisory lock used for leader election.
func (c *Config) LockPath() string {
	return filepath.Join(c.DBDir(), "vthell-server_do_not_delete.lock")
}

// SocketPath is the unix socket used by the multi-process bridge.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DBDir(), "vthell-ipc_do_not_delete.sock")
}

// FromEnv builds a Config from process environment. If VTHELL_CONFIG_FILE is
// set, the YAML file is loaded first and the environment overrides it.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if path := os.Getenv("VTHELL_CONFIG_FILE"); path != "" {
		buf, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = parseBool(v)
		}
	}
	setSeconds := func(dst *time.Duration, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				*dst = time.Duration(n) * time.Second
			}
		}
	}

	setStr(&c.BaseDir, "VTHELL_BASE_DIR")
	setStr(&c.DBPath, "VTHELL_DB")
	setSeconds(&c.DownloaderInterval, "VTHELL_LOOP_DOWNLOADER")
	setSeconds(&c.SchedulerInterval, "VTHELL_LOOP_SCHEDULER")
	setSeconds(&c.GracePeriod, "VTHELL_GRACE_PERIOD")
	setStr(&c.HolodexAPIKey, "HOLODEX_API_KEY")
	setStr(&c.YTArchivePath, "YTARCHIVE_PATH")
	setStr(&c.YTDLPPath, "YTDLP_PATH")
	setStr(&c.FFmpegPath, "FFMPEG_PATH")
	setStr(&c.MKVMergePath, "MKVMERGE_PATH")
	setStr(&c.StreamlinkPath, "STREAMLINK_PATH")
	setStr(&c.RclonePath, "RCLONE_PATH")
	setBool(&c.RcloneDisable, "RCLONE_DISABLE")
	setStr(&c.RcloneDriveTarget, "RCLONE_DRIVE_TARGET")
	setStr(&c.Host, "WEBSERVER_HOST")
	if v, ok := os.LookupEnv("WEBSERVER_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	setStr(&c.Password, "WEBSERVER_PASSWORD")
	setBool(&c.ReverseProxy, "WEBSERVER_REVERSE_PROXY")
	setStr(&c.ReverseProxySecret, "WEBSERVER_REVERSE_PROXY_SECRET")
	setStr(&c.DiscordWebhook, "NOTIFICATION_DISCORD_WEBHOOK")
	setStr(&c.RedisURL, "VTHELL_REDIS_URL")
	setBool(&c.OTLPEnabled, "VTHELL_OTLP_ENABLED")
	setStr(&c.OTLPExporter, "VTHELL_OTLP_EXPORTER")
	setStr(&c.OTLPEndpoint, "VTHELL_OTLP_ENDPOINT")
	if v, ok := os.LookupEnv("VTHELL_OTLP_SAMPLING"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.OTLPSampling = f
		}
	}
	setStr(&c.LogLevel, "LOG_LEVEL")
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.BaseDir == "" {
		if wd, err := os.Getwd(); err == nil {
			c.BaseDir = wd
		} else {
			c.BaseDir = "."
		}
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DBDir(), "vthell-v4")
	}
	if c.DownloaderInterval <= 0 {
		c.DownloaderInterval = 60 * time.Second
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = 180 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 120 * time.Second
	}
	if c.YTArchivePath == "" {
		c.YTArchivePath = "ytarchive"
	}
	if c.YTDLPPath == "" {
		c.YTDLPPath = "yt-dlp"
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.MKVMergePath == "" {
		c.MKVMergePath = "mkvmerge"
	}
	if c.StreamlinkPath == "" {
		c.StreamlinkPath = "streamlink"
	}
	if c.RclonePath == "" {
		c.RclonePath = "rclone"
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 12790
	}
	if c.OTLPExporter == "" {
		c.OTLPExporter = "grpc"
	}
	if c.OTLPSampling == 0 {
		c.OTLPSampling = 1.0
	}
}

// Validate rejects configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !c.RcloneDisable && c.RcloneDriveTarget == "" {
		return fmt.Errorf("rclone enabled but RCLONE_DRIVE_TARGET is empty")
	}
	if c.ReverseProxy && c.ReverseProxySecret == "" {
		return fmt.Errorf("reverse proxy enabled but no secret configured")
	}
	if c.OTLPEnabled && c.OTLPEndpoint == "" {
		return fmt.Errorf("tracing enabled but no OTLP endpoint configured")
	}
	return nil
}

// EnsureDirs creates the on-disk layout if missing.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DatasetDir(), c.DBDir(), c.StreamDumpDir(), c.ChatArchiveDir()} {
		// #nosec G301 -- shared working dirs
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "enable", "enabled", "on":
		return true
	}
	return false
}
