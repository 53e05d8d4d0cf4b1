// Package config loads the scheduler's system-wide defaults from
// environment variables, with an optional YAML override file.
package config

// Config is the umbrella object returned by Initialize and threaded
// through the scheduler's components.
type Config struct {
	configDir string
	Defaults  *Defaults
}

// ConfigDir returns the configuration directory path used at load time.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// ConfigStats summarizes loaded configuration for logging.
type ConfigStats struct {
	StuckThresholdSecs int
	AutoModeMaxRounds  int
	CopilotMaxSteps    int
	HasGlobalTokenCap  bool
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() ConfigStats {
	return ConfigStats{
		StuckThresholdSecs: c.Defaults.StuckThresholdSecs,
		AutoModeMaxRounds:  c.Defaults.AutoModeMaxRounds,
		CopilotMaxSteps:    c.Defaults.CopilotMaxSteps,
		HasGlobalTokenCap:  c.Defaults.GlobalTokenLimit != nil,
	}
}
