package preflight

import (
	"context"
	"strings"

	"cloudsync/internal/config"
)

// MinFreeBytes is the free space the data directory must keep.
const MinFreeBytes = 100 << 20

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Detail   string
	Optional bool
}

// RunAll executes all applicable preflight checks for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckFreeSpace("Data directory space", cfg.Paths.DataDir, MinFreeBytes),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
	}

	if strings.TrimSpace(cfg.Provider.LocalRoot) != "" {
		results = append(results, CheckDirectoryReadable("Local provider root", cfg.Provider.LocalRoot))
	}

	if strings.TrimSpace(cfg.Notifications.NtfyTopic) != "" {
		res := CheckNtfy(ctx, cfg.Notifications.NtfyTopic)
		res.Optional = true
		results = append(results, res)
	}

	return results
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			failed = append(failed, r)
		}
	}
	return failed
}
