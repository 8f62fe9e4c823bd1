// Package netstate answers whether the host is on an unmetered WiFi link,
// which gates syncs when sync.wifi_only is set.
//
// The sysfs checker inspects /sys/class/net: an interface counts when it is
// up, wireless, and not listed in network.metered_interfaces. Results are
// cached; a udev monitor drops the cache whenever a net device changes.
package netstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultSysfsRoot is where Linux exposes network interfaces.
const DefaultSysfsRoot = "/sys/class/net"

const defaultTTL = 30 * time.Second

// Checker reports whether the current network is unmetered WiFi.
type Checker interface {
	Unmetered(ctx context.Context) (bool, error)
}

// Static is a Checker with a fixed answer.
type Static bool

// Unmetered implements Checker.
func (s Static) Unmetered(context.Context) (bool, error) {
	return bool(s), nil
}

// Interface is one network interface as seen in sysfs.
type Interface struct {
	Name     string
	Up       bool
	Wireless bool
}

// SysfsChecker reads interface state from sysfs.
type SysfsChecker struct {
	root    string
	metered []string
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	cached    bool
	value     bool
	expiresAt time.Time
}

// Option configures a SysfsChecker.
type Option func(*SysfsChecker)

// WithRoot points the checker at an alternate sysfs tree.
func WithRoot(root string) Option {
	return func(c *SysfsChecker) { c.root = root }
}

// WithTTL overrides how long a result is reused without an invalidation.
func WithTTL(ttl time.Duration) Option {
	return func(c *SysfsChecker) { c.ttl = ttl }
}

// WithClock overrides the clock used for cache expiry.
func WithClock(now func() time.Time) Option {
	return func(c *SysfsChecker) { c.now = now }
}

// NewSysfsChecker builds a checker that ignores the named metered interfaces.
func NewSysfsChecker(metered []string, opts ...Option) *SysfsChecker {
	c := &SysfsChecker{
		root:    DefaultSysfsRoot,
		metered: normalizeNames(metered),
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Unmetered implements Checker.
func (c *SysfsChecker) Unmetered(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cached && now.Before(c.expiresAt) {
		return c.value, nil
	}
	ifaces, err := c.Interfaces()
	if err != nil {
		return false, err
	}
	value := false
	for _, iface := range ifaces {
		if iface.Up && iface.Wireless && !slices.Contains(c.metered, iface.Name) {
			value = true
			break
		}
	}
	c.cached = true
	c.value = value
	c.expiresAt = now.Add(c.ttl)
	return value, nil
}

// Invalidate drops the cached answer.
func (c *SysfsChecker) Invalidate() {
	c.mu.Lock()
	c.cached = false
	c.mu.Unlock()
}

// Interfaces lists every interface except loopback.
func (c *SysfsChecker) Interfaces() ([]Interface, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.root, err)
	}
	var out []Interface
	for _, entry := range entries {
		name := entry.Name()
		if name == "lo" {
			continue
		}
		dir := filepath.Join(c.root, name)
		out = append(out, Interface{
			Name:     name,
			Up:       readOperState(dir) == "up",
			Wireless: exists(filepath.Join(dir, "wireless")) || exists(filepath.Join(dir, "phy80211")),
		})
	}
	return out, nil
}

func readOperState(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "operstate"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func normalizeNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
