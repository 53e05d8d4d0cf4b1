package config

// Defaults holds the system-wide scheduler defaults named in the
// external interface contract. Most of them only seed new Spaces and
// backstop the reaper/planner when a Space hasn't set an override;
// GlobalTokenLimit is the exception and is enforced alongside a
// Space's own token_limit.
type Defaults struct {
	// StuckThresholdSecs is how long a run may go without a heartbeat
	// before the reaper considers it orphaned.
	StuckThresholdSecs int `yaml:"stuck_threshold_secs,omitempty"`

	// UserTurnDebounceMsDefault seeds Space.user_turn_debounce_ms for
	// spaces that don't set their own value.
	UserTurnDebounceMsDefault int `yaml:"user_turn_debounce_ms_default,omitempty"`

	// AutoModeMaxRounds seeds Space.auto_mode_max_rounds.
	AutoModeMaxRounds int `yaml:"auto_mode_max_rounds,omitempty"`

	// CopilotMaxSteps bounds SpaceMembership.copilot_remaining_steps.
	CopilotMaxSteps int `yaml:"copilot_max_steps,omitempty"`

	// GlobalTokenLimit, if set, applies to every Space, independently
	// of any token_limit the Space sets itself: a run fails with
	// token_limit_exceeded once either limit is reached. Nil means no
	// global ceiling.
	GlobalTokenLimit *int64 `yaml:"global_token_limit,omitempty"`
}
