package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeSync()
	if err := c.normalizeProvider(); err != nil {
		return err
	}
	c.normalizeNetwork()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("CLOUDSYNC_DATA_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.DataDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.SessionFile) == "" {
		c.Paths.SessionFile = defaultSessionFile
	}
	if c.Paths.SessionFile, err = expandPath(c.Paths.SessionFile); err != nil {
		return fmt.Errorf("paths.session_file: %w", err)
	}
	return nil
}

func (c *Config) normalizeSync() {
	c.Sync.ConflictPolicy = strings.ToLower(strings.TrimSpace(c.Sync.ConflictPolicy))
	if c.Sync.ConflictPolicy == "" {
		c.Sync.ConflictPolicy = defaultConflictPolicy
	}

	c.Sync.AudioMimeTypes = normalizeList(c.Sync.AudioMimeTypes, defaultAudioMimeTypes, func(v string) string {
		return strings.ToLower(v)
	})
	c.Sync.AudioExtensions = normalizeList(c.Sync.AudioExtensions, defaultAudioExtensions, func(v string) string {
		v = strings.ToLower(v)
		if !strings.HasPrefix(v, ".") {
			v = "." + v
		}
		return v
	})

	profiles := make([]string, 0, len(c.Sync.Profiles))
	seen := make(map[string]struct{}, len(c.Sync.Profiles))
	for _, profile := range c.Sync.Profiles {
		profile = strings.TrimSpace(profile)
		if profile == "" {
			continue
		}
		if _, ok := seen[profile]; ok {
			continue
		}
		seen[profile] = struct{}{}
		profiles = append(profiles, profile)
	}
	c.Sync.Profiles = profiles
}

func (c *Config) normalizeProvider() error {
	c.Provider.LocalRoot = strings.TrimSpace(c.Provider.LocalRoot)
	if c.Provider.LocalRoot == "" {
		return nil
	}
	var err error
	if c.Provider.LocalRoot, err = expandPath(c.Provider.LocalRoot); err != nil {
		return fmt.Errorf("provider.local_root: %w", err)
	}
	return nil
}

func (c *Config) normalizeNetwork() {
	interfaces := make([]string, 0, len(c.Network.MeteredInterfaces))
	for _, name := range c.Network.MeteredInterfaces {
		if name = strings.TrimSpace(name); name != "" {
			interfaces = append(interfaces, name)
		}
	}
	c.Network.MeteredInterfaces = interfaces
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.NtfyTopic == "" {
		if value, ok := os.LookupEnv("CLOUDSYNC_NTFY_TOPIC"); ok {
			c.Notifications.NtfyTopic = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("CLOUDSYNC_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func normalizeList(values, fallback []string, canon func(string) string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		value = canon(value)
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}
