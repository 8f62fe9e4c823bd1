package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	LogDir      string `toml:"log_dir"`
	SessionFile string `toml:"session_file"`
}

// Sync contains configuration for sync jobs and the audio filter.
type Sync struct {
	WiFiOnly            bool     `toml:"wifi_only"`
	MaxFileSizeMB       int      `toml:"max_file_size_mb"`
	AudioMimeTypes      []string `toml:"audio_mime_types"`
	AudioExtensions     []string `toml:"audio_extensions"`
	JobTimeoutSeconds   int      `toml:"job_timeout_seconds"`
	ItemTimeoutSeconds  int      `toml:"item_timeout_seconds"`
	PollIntervalMillis  int      `toml:"poll_interval_ms"`
	HardDelete          bool     `toml:"hard_delete"`
	ConflictPolicy      string   `toml:"conflict_policy"`
	AutoIntervalMinutes int      `toml:"auto_interval_minutes"`
	Profiles            []string `toml:"profiles"`
}

// Queue contains configuration for the scan queue.
type Queue struct {
	MaxConcurrent        int `toml:"max_concurrent"`
	StaleAfterSeconds    int `toml:"stale_after_seconds"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
}

// Provider contains storage provider pacing and the local reference provider root.
type Provider struct {
	RequestsPerSecond float64 `toml:"requests_per_second"`
	PageSize          int     `toml:"page_size"`
	LocalRoot         string  `toml:"local_root"`
}

// Network contains configuration for the wifi_only network check.
type Network struct {
	MeteredInterfaces []string `toml:"metered_interfaces"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completed      bool   `toml:"completed"`
	Failed         bool   `toml:"failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format     string `toml:"format"`
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Config encapsulates all configuration values for cloudsync.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and session locations
//   - Sync: job deadlines, audio filter, conflict policy, scheduled profiles
//   - Queue: concurrency bound and stale-item sweep
//   - Provider: request pacing and the local reference provider root
//   - Network: interfaces treated as metered for wifi_only
//   - Notifications: ntfy push notification settings
//   - Logging: log format, level, and rotation
type Config struct {
	Paths         Paths         `toml:"paths"`
	Sync          Sync          `toml:"sync"`
	Queue         Queue         `toml:"queue"`
	Provider      Provider      `toml:"provider"`
	Network       Network       `toml:"network"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/cloudsync/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	loadEnvFiles(filepath.Dir(resolvedPath))

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadEnvFiles populates unset environment variables from .env files found in
// the config directory and the working directory. Missing files are ignored.
func loadEnvFiles(configDir string) {
	for _, dir := range []string{configDir, "."} {
		for _, name := range []string{".env", ".env.local"} {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err != nil || info.IsDir() {
				continue
			}
			_ = godotenv.Load(path)
		}
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			if os.IsNotExist(err) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config path %q is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("cloudsync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location inside the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "cloudsync.db")
}

// LockPath returns the daemon single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "cloudsync.lock")
}

// SocketPath returns the daemon control socket location.
func (c *Config) SocketPath() string {
	return filepath.Join(c.Paths.DataDir, "cloudsync.sock")
}

// JobTimeout returns the whole-job deadline.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Sync.JobTimeoutSeconds) * time.Second
}

// ItemTimeout returns the per-item processing deadline.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Sync.ItemTimeoutSeconds) * time.Second
}

// PollInterval returns how long the processing loop waits when items are
// still backing off or in flight.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Sync.PollIntervalMillis) * time.Millisecond
}

// MaxFileSizeBytes returns the audio filter size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.Sync.MaxFileSizeMB) * 1024 * 1024
}

// StaleAfter returns how long an item may stay processing before the sweep requeues it.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Queue.StaleAfterSeconds) * time.Second
}

// SweepInterval returns the daemon's stale-item sweep cadence.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Queue.SweepIntervalSeconds) * time.Second
}

// AutoSyncInterval returns the scheduled sync cadence, zero when disabled.
func (c *Config) AutoSyncInterval() time.Duration {
	return time.Duration(c.Sync.AutoIntervalMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
