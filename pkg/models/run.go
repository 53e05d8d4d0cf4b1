package models

import "time"

// RunError is the structured {code, message, details} value attached
// to a ConversationRun's error field when it ends with a reason code:
// failed, and also canceled or skipped (§7).
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error codes named in the external interface contract, grouped by kind.
const (
	ErrCodeNotClaimable                 = "not_claimable"
	ErrCodeExpectedLastMessageMismatch = "expected_last_message_mismatch"
	ErrCodeTokenLimitExceeded           = "token_limit_exceeded"
	ErrCodeHTTPError                    = "http_error"
	ErrCodeConnectionError              = "connection_error"
	ErrCodeTimeout                      = "timeout"
	ErrCodeUserCancel                   = "user_cancel"
	ErrCodeRestartPolicy                = "restart_policy"
	ErrCodeSchedulerStop                = "scheduler_stop"
	ErrCodeStaleRunningRun              = "stale_running_run"
	ErrCodeHeartbeatTimeout             = "heartbeat_timeout"
)

// RunDebug carries non-authoritative trigger context for diagnostics;
// never read back for scheduling decisions.
type RunDebug struct {
	ExpectedLastMessageID *string `json:"expected_last_message_id,omitempty"`
	TargetMessageID       *string `json:"target_message_id,omitempty"`
	ScheduledBy           string  `json:"scheduled_by,omitempty"`
}

// RunFilters filters the run log for observability endpoints.
type RunFilters struct {
	ConversationID string     `json:"conversation_id,omitempty"`
	Status         string     `json:"status,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	StartedAfter   *time.Time `json:"started_after,omitempty"`
	Limit          int        `json:"limit,omitempty"`
	Offset         int        `json:"offset,omitempty"`
}

// HealthCheckResult is returned by the per-conversation health check
// (§4.7): a best-effort read of whether the conversation is making
// progress, with a recommended client action.
type HealthCheckResult struct {
	ConversationID string  `json:"conversation_id"`
	Healthy        bool    `json:"healthy"`
	Action         string  `json:"action,omitempty"` // "none", "retry", "generate", "advance_round"
	OffendingRunID *string `json:"offending_run_id,omitempty"`
}
