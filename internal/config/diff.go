package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	DisplayChanged  bool
	NewDisplay      DisplayConfig
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// HasChanges reports whether anything changed at all.
func (d ConfigDiff) HasChanges() bool {
	return d.DisplayChanged || d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// The stream encoding and client buffer are fixed when the hub is built.
	oldDisplay, newDisplay := old.Display, new.Display
	if oldDisplay.Encoding != newDisplay.Encoding || oldDisplay.ClientBuffer != newDisplay.ClientBuffer {
		d.RestartRequired = append(d.RestartRequired, "display.stream")
	}
	oldDisplay.Encoding, oldDisplay.ClientBuffer = newDisplay.Encoding, newDisplay.ClientBuffer
	if oldDisplay != newDisplay {
		d.DisplayChanged = true
		d.NewDisplay = new.Display
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Model != new.Model {
		d.RestartRequired = append(d.RestartRequired, "model")
	}
	if !samePipeline(old.Pipeline, new.Pipeline) {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Observe.ServiceName != new.Observe.ServiceName || old.Observe.MetricsEnabled() != new.Observe.MetricsEnabled() {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

func samePipeline(a, b PipelineConfig) bool {
	return a.HopSize == b.HopSize &&
		a.CenterEnabled() == b.CenterEnabled() &&
		a.OutputBuffer == b.OutputBuffer &&
		a.DecodeRadius == b.DecodeRadius
}
