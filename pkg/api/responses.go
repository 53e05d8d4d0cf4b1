package api

import "github.com/convoke-run/convoke/pkg/database"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Database      *database.HealthStatus `json:"database"`
	Configuration ConfigurationStats     `json:"configuration"`
}

// ConfigurationStats surfaces the scheduler defaults currently in
// effect, mirroring the teacher's health endpoint convention of
// echoing loaded configuration for operator visibility.
type ConfigurationStats struct {
	StuckThresholdSecs int  `json:"stuck_threshold_secs"`
	AutoModeMaxRounds  int  `json:"auto_mode_max_rounds"`
	CopilotMaxSteps    int  `json:"copilot_max_steps"`
	HasGlobalTokenCap  bool `json:"has_global_token_cap"`
}

// ReapResponse is returned by POST /reap.
type ReapResponse struct {
	Recovered int `json:"recovered"`
}

// RetryResponse is returned by POST /runs/:id/retry.
type RetryResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// CancelResponse is returned by POST /runs/:id/cancel.
type CancelResponse struct {
	RunID   string `json:"run_id"`
	Message string `json:"message"`
}
