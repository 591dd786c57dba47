package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DeliveryModeChanged bool
	NewDeliveryMode     string

	SuggesterIntervalChanged bool
	NewSuggesterInterval     time.Duration

	// RestartRequired names the top-level sections that changed in ways the
	// running process cannot pick up (e.g. "storage").
	RestartRequired []string
}

// Changed reports whether any live-applicable field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DeliveryModeChanged || d.SuggesterIntervalChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Coaching.DeliveryMode != new.Coaching.DeliveryMode {
		d.DeliveryModeChanged = true
		d.NewDeliveryMode = new.Coaching.DeliveryMode
	}
	if old.Suggester.Interval != new.Suggester.Interval {
		d.SuggesterIntervalChanged = true
		d.NewSuggesterInterval = new.Suggester.Interval
	}

	// Mask the live fields and compare what is left per section.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	oldCoaching, newCoaching := old.Coaching, new.Coaching
	oldCoaching.DeliveryMode, newCoaching.DeliveryMode = "", ""
	if oldCoaching != newCoaching {
		d.RestartRequired = append(d.RestartRequired, "coaching")
	}
	oldSuggester, newSuggester := old.Suggester, new.Suggester
	oldSuggester.Interval, newSuggester.Interval = 0, 0
	if oldSuggester != newSuggester {
		d.RestartRequired = append(d.RestartRequired, "suggester")
	}
	if old.MCP != new.MCP {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	return d
}
