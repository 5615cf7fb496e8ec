package config

import (
	"reflect"

	"github.com/MrWong99/hyperlive/internal/settings"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// SettingsChanged is true when any persona, tone, voice or language
	// field changed. Applying it restarts an active session.
	SettingsChanged bool
	NewSettings     settings.Settings

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed sections that only take effect after
	// the process restarts.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Settings != new.Settings {
		d.SettingsChanged = true
		d.NewSettings = new.Settings
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !reflect.DeepEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}

	return d
}

// Empty reports whether d carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.SettingsChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}
