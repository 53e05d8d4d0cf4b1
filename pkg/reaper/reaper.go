// Package reaper implements the reaper & health checker (§4.7): a
// background sweep that recovers stuck runs, plus a pure per-conversation
// health inspector that never mutates state.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversation"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/convoke-run/convoke/pkg/runstore"
)

// StuckThreshold is the default heartbeat staleness window (§4.7).
const StuckThreshold = 2 * time.Minute

// Kicker notifies the worker pool a conversation has newly claimable
// work, the same collaborator pkg/planner depends on.
type Kicker interface {
	Kick(conversationID string)
}

// Reaper periodically recovers runs whose worker died mid-execution.
// All instances scan independently; recovery is idempotent because
// runstore.Store.Finish's WHERE clause only matches non-terminal rows.
type Reaper struct {
	client    *ent.Client
	store     *runstore.Store
	kicker    Kicker
	threshold time.Duration
}

// New creates a Reaper.
func New(client *ent.Client, store *runstore.Store, kicker Kicker, threshold time.Duration) *Reaper {
	if threshold <= 0 {
		threshold = StuckThreshold
	}
	return &Reaper{client: client, store: store, kicker: kicker, threshold: threshold}
}

// Run sweeps once and recovers every stuck run it finds, logging but
// not aborting on a single run's recovery failure -- grounded on the
// teacher's detectAndRecoverOrphans, which tallies recovered/failed
// counts rather than treating one failure as fatal to the scan.
func (r *Reaper) Run(ctx context.Context) (recovered int, err error) {
	stale, err := r.store.FindStaleRunning(ctx, r.threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to query stale running runs: %w", err)
	}

	for _, run := range stale {
		if err := r.recover(ctx, run); err != nil {
			slog.Error("failed to recover stuck run", "run_id", run.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// RunLoop ticks Run on interval until ctx is canceled, the shape the
// turn scheduler's worker pool drives its own poll loops with.
func (r *Reaper) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				slog.Error("reaper sweep failed", "error", err)
			}
		}
	}
}

func (r *Reaper) recover(ctx context.Context, run *ent.ConversationRun) error {
	if err := r.store.Finish(ctx, run.ID, string(conversationrun.StatusFailed), &models.RunError{
		Code:    models.ErrCodeHeartbeatTimeout,
		Message: fmt.Sprintf("no heartbeat since %s", formatHeartbeat(run.HeartbeatAt)),
	}); err != nil && err != runstore.ErrTerminal {
		return fmt.Errorf("failed to finalize stuck run: %w", err)
	}

	queued, err := r.client.ConversationRun.Query().
		Where(
			conversationrun.ConversationID(run.ConversationID),
			conversationrun.StatusEQ(conversationrun.StatusQueued),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			if _, err := r.client.Conversation.UpdateOneID(run.ConversationID).
				SetSchedulingState(conversation.SchedulingStateFailed).
				Save(ctx); err != nil {
				return fmt.Errorf("failed to mark conversation scheduling_state failed: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to check for a queued follow-up: %w", err)
	}

	if r.kicker != nil {
		r.kicker.Kick(queued.ConversationID)
	}
	return nil
}

func formatHeartbeat(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// Reap performs the reap_stale() maintenance operation (§6): a single
// on-demand sweep, identical to one RunLoop tick, exposed for the
// control surface.
func (r *Reaper) Reap(ctx context.Context) (int, error) {
	return r.Run(ctx)
}

// CancelStuckRun implements the cancel_stuck_run(id) maintenance
// operation: request cooperative cancellation, then immediately
// finalize as canceled if the run is still in a non-terminal state
// after the grace period has obviously passed (the caller is expected
// to have already decided the run is unresponsive).
func (r *Reaper) CancelStuckRun(ctx context.Context, runID string) error {
	if err := r.store.RequestCancel(ctx, runID); err != nil && err != runstore.ErrTerminal {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if err := r.store.Finish(ctx, runID, string(conversationrun.StatusCanceled), &models.RunError{
		Code: models.ErrCodeUserCancel,
	}); err != nil && err != runstore.ErrTerminal {
		return fmt.Errorf("failed to finalize canceled run: %w", err)
	}
	return nil
}

// RetryFailedRun implements the retry_failed_run(id) maintenance
// operation: re-queues a terminal failed run as a fresh queued row
// with the same speaker and kind, so it re-enters claim_atomic.
func (r *Reaper) RetryFailedRun(ctx context.Context, runID string) (*ent.ConversationRun, error) {
	failed, err := r.client.ConversationRun.Get(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}
	if failed.Status != conversationrun.StatusFailed {
		return nil, fmt.Errorf("run %s is not in a failed state", runID)
	}

	retried, err := r.store.CreateQueued(ctx, runstore.CreateQueuedParams{
		ConversationID:           failed.ConversationID,
		Kind:                     string(failed.Kind),
		Reason:                   "retry",
		SpeakerSpaceMembershipID: failed.SpeakerSpaceMembershipID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue retry: %w", err)
	}

	if r.kicker != nil {
		r.kicker.Kick(failed.ConversationID)
	}
	return retried, nil
}
