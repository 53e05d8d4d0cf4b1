// Package maintenance exposes the four operability operations named in
// §6 of the scheduler's external-interfaces contract
// (reap_stale/retry_failed_run/cancel_stuck_run/health_check) as a
// small Go API independent of transport. pkg/api wraps this in gin
// routes; anything else (a CLI, a cron job, an admin REPL) can call it
// directly.
package maintenance

import (
	"context"
	"fmt"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/convoke-run/convoke/pkg/reaper"
)

// Service is the thin, idempotent control surface over *reaper.Reaper.
// It adds nothing the reaper doesn't already do -- it exists so that
// callers (pkg/api in particular) depend on operation names instead of
// reaching into the scheduler's internals.
type Service struct {
	reaper *reaper.Reaper
}

// New creates a Service backed by an existing Reaper.
func New(r *reaper.Reaper) *Service {
	return &Service{reaper: r}
}

// ReapStale runs one on-demand sweep for stuck runs (reap_stale()) and
// returns how many were recovered.
func (s *Service) ReapStale(ctx context.Context) (int, error) {
	recovered, err := s.reaper.Reap(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap_stale failed: %w", err)
	}
	return recovered, nil
}

// RetryFailedRun re-queues a terminal failed run (retry_failed_run(id)).
func (s *Service) RetryFailedRun(ctx context.Context, runID string) (*ent.ConversationRun, error) {
	retried, err := s.reaper.RetryFailedRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("retry_failed_run failed: %w", err)
	}
	return retried, nil
}

// CancelStuckRun cooperatively cancels, then force-finalizes, a run
// (cancel_stuck_run(id)). Idempotent: canceling an already-terminal run
// is a no-op, not an error.
func (s *Service) CancelStuckRun(ctx context.Context, runID string) error {
	if err := s.reaper.CancelStuckRun(ctx, runID); err != nil {
		return fmt.Errorf("cancel_stuck_run failed: %w", err)
	}
	return nil
}

// HealthCheck classifies a single conversation's scheduling health
// (health_check(conversation_id)). Read-only.
func (s *Service) HealthCheck(ctx context.Context, conversationID string) (models.HealthCheckResult, error) {
	result, err := s.reaper.HealthCheck(ctx, conversationID)
	if err != nil {
		return result, fmt.Errorf("health_check failed: %w", err)
	}
	return result, nil
}
