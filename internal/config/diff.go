package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; every other changed
// section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed but only
	// take effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, section)
		}
	}
	restart("server", old.Server.ListenAddr != new.Server.ListenAddr || !sameTLS(old.Server.TLS, new.Server.TLS))
	restart("principal", old.Principal != new.Principal)
	restart("store", old.Store != new.Store)
	restart("cache", old.Cache != new.Cache)
	restart("device", old.Device.Path != new.Device.Path ||
		old.Device.RequestTimeout != new.Device.RequestTimeout ||
		!slices.Equal(old.Device.OriginPatterns, new.Device.OriginPatterns))
	restart("sms", old.SMS != new.SMS)
	restart("recognition", old.Recognition != new.Recognition)
	restart("alert", old.Alert != new.Alert)
	restart("contacts", !slices.Equal(old.Contacts, new.Contacts))

	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
