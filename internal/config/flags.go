package config

import (
	"sort"
	"strings"
)

// Feature flags. Toggle with the "flags" config section, IMBRIDGE_ENABLE /
// IMBRIDGE_DISABLE (comma separated) or --enable / --disable on the command line.
const (
	FlagInternalDiagnostics  = "internal-diagnostics"   // expose cache stats and build info in ping
	FlagLogSensitivePayloads = "log-sensitive-payloads" // log command data and chat ids
	FlagDropSpamMessages     = "drop-spam-messages"     // leave spam-flagged items out of results
	FlagPrewarmCache         = "prewarm-cache"          // load recent items of active chats at startup
)

var defaultFlags = map[string]bool{
	FlagInternalDiagnostics:  false,
	FlagLogSensitivePayloads: false,
	FlagDropSpamMessages:     true,
	FlagPrewarmCache:         true,
}

// KnownFlags lists the flag names in sorted order.
func KnownFlags() []string {
	names := make([]string, 0, len(defaultFlags))
	for k := range defaultFlags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsKnownFlag reports whether name is a defined feature flag.
func IsKnownFlag(name string) bool {
	_, ok := defaultFlags[name]
	return ok
}

// Enabled reports the current value of a feature flag. Unknown flags are off.
func (c *Config) Enabled(flag string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.Flags[flag]; ok {
		return v
	}
	return defaultFlags[flag]
}

// SetFlag overrides a feature flag at runtime.
func (c *Config) SetFlag(flag string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Flags == nil {
		c.Flags = make(map[string]bool)
	}
	c.Flags[flag] = value
}

// ApplyFlagOverrides sets every flag in names to value. Names may be comma
// separated. Returns the names that are not known flags; they are ignored.
func (c *Config) ApplyFlagOverrides(names []string, value bool) (unknown []string) {
	for _, entry := range names {
		for _, name := range strings.Split(entry, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if !IsKnownFlag(name) {
				unknown = append(unknown, name)
				continue
			}
			c.SetFlag(name, value)
		}
	}
	return unknown
}

// FlagSnapshot returns the effective value of every known flag.
func (c *Config) FlagSnapshot() map[string]bool {
	out := make(map[string]bool, len(defaultFlags))
	for name := range defaultFlags {
		out[name] = c.Enabled(name)
	}
	return out
}
