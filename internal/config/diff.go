package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied to a live session are tracked; everything
// else takes effect with the next session.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MutedChanged bool
	Muted        bool

	VideoEnabledChanged bool
	VideoEnabled        bool

	// RestartRequired lists fields that changed but only apply to a new
	// session, by their YAML path.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MutedChanged && !d.VideoEnabledChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Audio.Muted != new.Audio.Muted {
		d.MutedChanged = true
		d.Muted = new.Audio.Muted
	}
	if old.Video.Enabled != new.Video.Enabled {
		d.VideoEnabledChanged = true
		d.VideoEnabled = new.Video.Enabled
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.HistoryPath != new.Server.HistoryPath {
		d.RestartRequired = append(d.RestartRequired, "server.history_path")
	}
	if old.Server.HistoryDB != new.Server.HistoryDB {
		d.RestartRequired = append(d.RestartRequired, "server.history_db")
	}
	if old.Server.HistoryDSN != new.Server.HistoryDSN {
		d.RestartRequired = append(d.RestartRequired, "server.history_dsn")
	}
	if !transportEqual(old.Transport, new.Transport) {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	oa, na := old.Audio, new.Audio
	oa.Muted, na.Muted = false, false
	if oa != na {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	ov, nv := old.Video, new.Video
	ov.Enabled, nv.Enabled = false, false
	if ov != nv {
		d.RestartRequired = append(d.RestartRequired, "video")
	}

	return d
}

// transportEqual compares every transport field except Options.
func transportEqual(a, b TransportConfig) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.Voice == b.Voice &&
		a.Instructions == b.Instructions &&
		slices.Equal(a.Fallbacks, b.Fallbacks) &&
		a.BreakerFailures == b.BreakerFailures &&
		a.BreakerReset == b.BreakerReset
}
