package planner

import "errors"

var (
	// ErrManualMode is returned (not treated as a hard failure by
	// callers) when user_message_committed fires under reply_order =
	// manual: no run is ever queued.
	ErrManualMode = errors.New("planner: no auto-selection in manual mode")

	// ErrNoSpeakerSelected is returned when a trigger that requires a
	// resolved speaker (e.g. user_message_committed) is planned
	// without one -- the selector returned nil.
	ErrNoSpeakerSelected = errors.New("planner: no speaker selected")

	// ErrAutoModeDisabled is returned for auto_mode_followup triggers
	// fired against a space with auto_mode_enabled = false.
	ErrAutoModeDisabled = errors.New("planner: auto-mode is disabled")
)
