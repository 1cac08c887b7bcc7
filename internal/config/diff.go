package config

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// MasterCallsDirChanged means newly requested master calls are read from
	// a different directory. Already loaded calls are unaffected.
	MasterCallsDirChanged bool

	// VADEnabledChanged applies to sessions created after the reload.
	VADEnabledChanged bool

	// RestartRequired lists the sections that changed but only take effect on
	// restart: "mfcc", "vad", "ring", "dtw", "server.listen_addr".
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.MasterCallsDirChanged && !d.VADEnabledChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.MasterCallsDirChanged = old.MasterCalls.Dir != new.MasterCalls.Dir
	d.VADEnabledChanged = old.VADEnabled != new.VADEnabled

	if old.MFCCConfig() != new.MFCCConfig() {
		d.RestartRequired = append(d.RestartRequired, "mfcc")
	}
	if old.VADConfig() != new.VADConfig() {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if old.RingConfig() != new.RingConfig() {
		d.RestartRequired = append(d.RestartRequired, "ring")
	}
	if old.DTW != new.DTW {
		d.RestartRequired = append(d.RestartRequired, "dtw")
	}
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	return d
}
