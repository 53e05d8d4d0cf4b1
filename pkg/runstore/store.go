// Package runstore implements the run store & state machine (§4.1):
// the durable record of every generation attempt, and the single-claim
// protocol that hands a queued run to exactly one worker.
package runstore

import (
	"context"
	"fmt"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/cenkalti/backoff/v4"
	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/google/uuid"
)

// DefaultStaleThreshold is how old a running row's heartbeat must be
// before claim_atomic treats it as abandoned and preempts it, absent
// an explicit WithStaleThreshold option.
const DefaultStaleThreshold = 2 * time.Minute

// Store is the run store: the durable record of ConversationRuns and
// the only place the queued->running transition happens.
type Store struct {
	client         *ent.Client
	staleThreshold time.Duration
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithStaleThreshold overrides DefaultStaleThreshold for claim_atomic's
// stale-running-run preemption (§4.1).
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleThreshold = d
		}
	}
}

// New creates a Store.
func New(client *ent.Client, opts ...Option) *Store {
	s := &Store{client: client, staleThreshold: DefaultStaleThreshold}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateQueuedParams describes a new run to queue.
type CreateQueuedParams struct {
	ConversationID           string
	Kind                     string
	Reason                   string
	SpeakerSpaceMembershipID string
	RunAfter                 *time.Time
	Debug                    *models.RunDebug
}

// CreateQueued inserts a new queued run. The partial unique index on
// (conversation_id) WHERE status='queued' turns a second concurrent
// queue attempt into a constraint error, which is mapped to
// ErrSlotOccupied -- the planner relies on this instead of a
// SELECT-then-INSERT race.
func (s *Store) CreateQueued(ctx context.Context, p CreateQueuedParams) (*ent.ConversationRun, error) {
	if p.ConversationID == "" {
		return nil, NewValidationError("conversation_id", "required")
	}
	if p.SpeakerSpaceMembershipID == "" {
		return nil, NewValidationError("speaker_space_membership_id", "required")
	}

	builder := s.client.ConversationRun.Create().
		SetID(uuid.New().String()).
		SetConversationID(p.ConversationID).
		SetKind(conversationrun.Kind(p.Kind)).
		SetStatus(conversationrun.StatusQueued).
		SetSpeakerSpaceMembershipID(p.SpeakerSpaceMembershipID)

	if p.Reason != "" {
		builder = builder.SetReason(p.Reason)
	}
	if p.RunAfter != nil {
		builder = builder.SetRunAfter(*p.RunAfter)
	}
	if p.Debug != nil {
		debugJSON := map[string]any{"scheduled_by": p.Debug.ScheduledBy}
		if p.Debug.ExpectedLastMessageID != nil {
			debugJSON["expected_last_message_id"] = *p.Debug.ExpectedLastMessageID
		}
		builder = builder.SetDebug(debugJSON)
	}

	run, err := builder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrSlotOccupied
		}
		return nil, fmt.Errorf("failed to create queued run: %w", err)
	}
	return run, nil
}

// Get retrieves a run by id.
func (s *Store) Get(ctx context.Context, runID string) (*ent.ConversationRun, error) {
	run, err := s.client.ConversationRun.Get(ctx, runID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// claimRetryPolicy bounds the claim's deadlock/serialization retry to
// three attempts with jitter, per §4.1's claim_atomic contract.
func claimRetryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, 2)
}

// ClaimNext finds the oldest eligible queued run across all
// conversations and atomically transitions it to running.
//
// Eligibility is status=queued AND (run_after IS NULL OR run_after <=
// now). The row is locked FOR UPDATE SKIP LOCKED so concurrent workers
// fan out over distinct candidates instead of queueing behind each
// other's row lock. The claim itself follows the teacher's
// ClaimNextPendingSession shape: SELECT candidate -> conditional
// UPDATE WHERE status still queued -> check rows-affected -> refetch,
// all inside one transaction, retried on transient failure.
//
// Before promoting the candidate, the same transaction preempts any
// stale `running` row left behind for the candidate's conversation
// (heartbeat older than staleThreshold): it is finalized as `failed`
// with error.code="stale_running_run" and stamped with
// cancel_requested_at, per §4.1's claim_atomic contract. This has to
// happen first -- the partial unique index on (conversation_id) WHERE
// status='running' would otherwise reject the candidate's own
// transition while the abandoned row still holds that status.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*ent.ConversationRun, error) {
	var claimed *ent.ConversationRun

	operation := func() error {
		tx, err := s.client.Tx(ctx)
		if err != nil {
			return fmt.Errorf("failed to start claim transaction: %w", err)
		}
		defer tx.Rollback()

		candidate, err := tx.ConversationRun.Query().
			Where(
				conversationrun.StatusEQ(conversationrun.StatusQueued),
				conversationrun.Or(
					conversationrun.RunAfterIsNil(),
					conversationrun.RunAfterLTE(time.Now()),
				),
			).
			Order(ent.Asc(conversationrun.FieldCreatedAt)).
			ForUpdate(sql.WithLockAction(sql.SkipLocked)).
			First(ctx)
		if err != nil {
			if ent.IsNotFound(err) {
				return backoff.Permanent(ErrNotClaimable)
			}
			return fmt.Errorf("failed to query claimable run: %w", err)
		}

		now := time.Now()
		if err := s.preemptStaleRunning(ctx, tx, candidate.ConversationID, now); err != nil {
			return fmt.Errorf("failed to preempt stale running run: %w", err)
		}

		count, err := tx.ConversationRun.Update().
			Where(
				conversationrun.IDEQ(candidate.ID),
				conversationrun.StatusEQ(conversationrun.StatusQueued),
			).
			SetStatus(conversationrun.StatusRunning).
			SetStartedAt(now).
			SetHeartbeatAt(now).
			Save(ctx)
		if err != nil {
			if ent.IsConstraintError(err) {
				// A non-stale running row still occupies the partial
				// unique slot for this conversation -- not ours to claim.
				return backoff.Permanent(ErrNotClaimable)
			}
			return fmt.Errorf("failed to claim run: %w", err)
		}
		if count == 0 {
			// Lost the race to another worker between the read and the
			// conditional update; caller may retry ClaimNext entirely.
			return backoff.Permanent(ErrNotClaimable)
		}

		run, err := tx.ConversationRun.Get(ctx, candidate.ID)
		if err != nil {
			return fmt.Errorf("failed to refetch claimed run: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit claim: %w", err)
		}
		claimed = run
		return nil
	}

	if err := backoff.Retry(operation, claimRetryPolicy()); err != nil {
		return nil, err
	}
	return claimed, nil
}

// preemptStaleRunning finalizes the conversation's running row, if any,
// as failed/stale_running_run when its heartbeat has gone silent for
// longer than staleThreshold. A missing or already-finalized row is not
// an error -- the candidate's own claim just proceeds normally.
func (s *Store) preemptStaleRunning(ctx context.Context, tx *ent.Tx, conversationID string, now time.Time) error {
	cutoff := now.Add(-s.staleThreshold)

	stale, err := tx.ConversationRun.Query().
		Where(
			conversationrun.ConversationID(conversationID),
			conversationrun.StatusEQ(conversationrun.StatusRunning),
			conversationrun.HeartbeatAtLT(cutoff),
		).
		ForUpdate().
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to query stale running run: %w", err)
	}

	_, err = tx.ConversationRun.Update().
		Where(
			conversationrun.IDEQ(stale.ID),
			conversationrun.StatusEQ(conversationrun.StatusRunning),
		).
		SetStatus(conversationrun.StatusFailed).
		SetFinishedAt(now).
		SetCancelRequestedAt(now).
		SetError(map[string]any{
			"code":    models.ErrCodeStaleRunningRun,
			"message": fmt.Sprintf("preempted by claim_atomic: no heartbeat since %s", stale.HeartbeatAt.Format(time.RFC3339)),
		}).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to preempt stale running run %s: %w", stale.ID, err)
	}
	return nil
}

// Heartbeat refreshes heartbeat_at for a running run. A zero rows
// affected means the run already left the running state (raced with a
// terminal transition or a reaper recovery) and is not an error the
// caller should treat as fatal -- it should stop its own loop.
func (s *Store) Heartbeat(ctx context.Context, runID string) error {
	count, err := s.client.ConversationRun.Update().
		Where(
			conversationrun.IDEQ(runID),
			conversationrun.StatusEQ(conversationrun.StatusRunning),
		).
		SetHeartbeatAt(time.Now()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	if count == 0 {
		return ErrTerminal
	}
	return nil
}

// RequestCancel marks a run for cooperative cancellation. It does not
// transition status itself -- the executor observes cancel_requested_at
// and terminates the run as canceled on its own.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	count, err := s.client.ConversationRun.Update().
		Where(
			conversationrun.IDEQ(runID),
			conversationrun.StatusIn(conversationrun.StatusQueued, conversationrun.StatusRunning),
		).
		SetCancelRequestedAt(time.Now()).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to request cancellation: %w", err)
	}
	if count == 0 {
		return ErrTerminal
	}
	return nil
}

// Finish transitions a running (or queued, for a pre-claim cancel) run
// to one of the four terminal states. Terminal states are absorbing:
// the WHERE clause only matches non-terminal rows, so a second Finish
// call for the same run updates nothing and returns ErrTerminal rather
// than transitioning twice, matching the teacher's conditional-update idiom used for
// ClaimNextPendingSession.
func (s *Store) Finish(ctx context.Context, runID string, status string, runErr *models.RunError) error {
	update := s.client.ConversationRun.Update().
		Where(
			conversationrun.IDEQ(runID),
			conversationrun.StatusIn(conversationrun.StatusQueued, conversationrun.StatusRunning),
		).
		SetStatus(conversationrun.Status(status)).
		SetFinishedAt(time.Now())

	if runErr != nil {
		update = update.SetError(map[string]any{
			"code":    runErr.Code,
			"message": runErr.Message,
			"details": runErr.Details,
		})
	}

	count, err := update.Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if count == 0 {
		return ErrTerminal
	}
	return nil
}

// FindStaleRunning returns running runs whose heartbeat is older than
// threshold -- candidates for the reaper (§4.7).
func (s *Store) FindStaleRunning(ctx context.Context, threshold time.Duration) ([]*ent.ConversationRun, error) {
	cutoff := time.Now().Add(-threshold)
	runs, err := s.client.ConversationRun.Query().
		Where(
			conversationrun.StatusEQ(conversationrun.StatusRunning),
			conversationrun.HeartbeatAtLT(cutoff),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale running runs: %w", err)
	}
	return runs, nil
}
