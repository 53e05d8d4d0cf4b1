package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the optional convoke.yaml override file. Any
// field it sets wins over the built-in default but loses to an
// explicitly set environment variable.
type YAMLConfig struct {
	Defaults *Defaults `yaml:"defaults"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Apply built-in defaults.
//  2. Overlay convoke.yaml, if present in configDir.
//  3. Overlay the five environment variables named in the external
//     interface contract -- these always win.
//  4. Validate.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("configuration initialized",
		"stuck_threshold_secs", stats.StuckThresholdSecs,
		"auto_mode_max_rounds", stats.AutoModeMaxRounds,
		"copilot_max_steps", stats.CopilotMaxSteps,
		"has_global_token_cap", stats.HasGlobalTokenCap)

	return cfg, nil
}

func builtinDefaults() *Defaults {
	return &Defaults{
		StuckThresholdSecs:        120,
		UserTurnDebounceMsDefault: 0,
		AutoModeMaxRounds:         10,
		CopilotMaxSteps:           10,
		GlobalTokenLimit:          nil,
	}
}

func load(_ context.Context, configDir string) (*Config, error) {
	defaults := builtinDefaults()

	yamlCfg, err := loadYAMLOverride(configDir)
	if err != nil {
		return nil, err
	}
	if yamlCfg != nil && yamlCfg.Defaults != nil {
		if err := mergo.Merge(defaults, yamlCfg.Defaults, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge convoke.yaml defaults: %w", err)
		}
	}

	applyEnvOverrides(defaults)

	return &Config{
		configDir: configDir,
		Defaults:  defaults,
	}, nil
}

// loadYAMLOverride reads configDir/convoke.yaml if it exists. A missing
// file is not an error -- the five env vars plus built-in defaults are
// sufficient to run.
func loadYAMLOverride(configDir string) (*YAMLConfig, error) {
	if configDir == "" {
		return nil, nil
	}
	path := filepath.Join(configDir, "convoke.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, NewLoadError(path, err)
	}

	data = ExpandEnv(data)

	var cfg YAMLConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidYAML, path, err)
	}
	return &cfg, nil
}

// applyEnvOverrides overlays the five environment variables named in
// the external interface contract (§6). Env always wins over both the
// built-in default and convoke.yaml.
func applyEnvOverrides(d *Defaults) {
	if v, ok := envInt("STUCK_THRESHOLD_SECS"); ok {
		d.StuckThresholdSecs = v
	}
	if v, ok := envInt("USER_TURN_DEBOUNCE_MS_DEFAULT"); ok {
		d.UserTurnDebounceMsDefault = v
	}
	if v, ok := envInt("AUTO_MODE_MAX_ROUNDS"); ok {
		d.AutoModeMaxRounds = v
	}
	if v, ok := envInt("COPILOT_MAX_STEPS"); ok {
		d.CopilotMaxSteps = v
	}
	if raw, ok := os.LookupEnv("GLOBAL_TOKEN_LIMIT"); ok && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			d.GlobalTokenLimit = &v
		}
	}
}

func envInt(key string) (int, bool) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func validate(cfg *Config) error {
	if cfg.Defaults.StuckThresholdSecs <= 0 {
		return fmt.Errorf("%w: stuck_threshold_secs must be positive", ErrInvalidValue)
	}
	if cfg.Defaults.AutoModeMaxRounds <= 0 {
		return fmt.Errorf("%w: auto_mode_max_rounds must be positive", ErrInvalidValue)
	}
	if cfg.Defaults.CopilotMaxSteps < 0 {
		return fmt.Errorf("%w: copilot_max_steps cannot be negative", ErrInvalidValue)
	}
	if cfg.Defaults.UserTurnDebounceMsDefault < 0 {
		return fmt.Errorf("%w: user_turn_debounce_ms_default cannot be negative", ErrInvalidValue)
	}
	return nil
}
