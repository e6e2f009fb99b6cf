package config

// ConfigDiff describes what changed between two configs. Only the log level
// and delivery timings can be applied without a restart; everything else
// rewires components that are constructed once at startup.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// DeliveryChanged is true when any delivery timing value changed.
	DeliveryChanged bool
	NewDelivery     DeliveryConfig

	// RestartRequired is true when a change touches sink, agent, storage,
	// transcription or transcript wiring.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Delivery != new.Delivery {
		d.DeliveryChanged = true
		d.NewDelivery = new.Delivery
	}

	if old.Sink != new.Sink ||
		old.Agent != new.Agent ||
		old.Storage != new.Storage ||
		old.Transcription != new.Transcription ||
		old.Transcript != new.Transcript ||
		old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = true
	}

	return d
}
