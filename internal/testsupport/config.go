package testsupport

import (
	"path/filepath"
	"testing"

	"cloudsync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Timeouts and polling are shortened so sync tests finish quickly.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.SessionFile = filepath.Join(base, "session.json")
	cfgVal.Sync.PollIntervalMillis = 5
	cfgVal.Sync.JobTimeoutSeconds = 30
	cfgVal.Sync.ItemTimeoutSeconds = 5
	cfgVal.Queue.StaleAfterSeconds = 10
	cfgVal.Provider.RequestsPerSecond = 1000
	cfgVal.Provider.PageSize = 2

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("invalid test config: %v", err)
	}
	return builder.cfg
}

// WithMaxConcurrent overrides the queue permit count.
func WithMaxConcurrent(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxConcurrent = n
	}
}

// WithConflictPolicy overrides sync.conflict_policy.
func WithConflictPolicy(policy string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sync.ConflictPolicy = policy
	}
}

// WithHardDelete toggles hard deletion of removed tracks.
func WithHardDelete(hard bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sync.HardDelete = hard
	}
}

// WithWiFiOnly toggles the wifi_only restriction.
func WithWiFiOnly(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sync.WiFiOnly = enabled
	}
}

// WithLocalRoot points provider.local_root at <base>/remote.
func WithLocalRoot() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Provider.LocalRoot = filepath.Join(b.baseDir, "remote")
	}
}

// WithPageSize overrides the discovery page size.
func WithPageSize(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Provider.PageSize = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
