package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs and whether the
// change can take effect on a running server. Only the log level is
// hot-reloadable; providers and listen settings are wired at startup.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level changed. NewLogLevel
	// carries the value to apply.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartNeeded lists the changed sections that only take effect
	// after a restart.
	RestartNeeded []string
}

// Empty reports whether nothing changed between the two configs.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartNeeded) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartNeeded = append(d.RestartNeeded, "server.allowed_origins")
	}
	// ProviderEntry carries a free-form options map, so the providers
	// block is not comparable with ==.
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartNeeded = append(d.RestartNeeded, "providers")
	}
	if old.Session != new.Session {
		d.RestartNeeded = append(d.RestartNeeded, "session")
	}
	return d
}
