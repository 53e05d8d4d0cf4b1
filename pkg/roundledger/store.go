// Package roundledger implements the round ledger (§4.3): the ordered
// participant queue for a round, its cursor, and the monotone revision
// counter clients use to discard stale real-time updates.
package roundledger

import (
	"context"
	"fmt"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversation"
	"github.com/convoke-run/convoke/ent/conversationround"
	"github.com/convoke-run/convoke/ent/conversationroundparticipant"
	"github.com/google/uuid"
)

// Store is the round ledger.
type Store struct {
	client *ent.Client
}

// New creates a Store.
func New(client *ent.Client) *Store {
	return &Store{client: client}
}

// OpenRoundParams describes the predicted queue materialized at the
// instant a round opens.
type OpenRoundParams struct {
	ConversationID string
	// MembershipIDs is the round's fixed roster, in speaking order.
	// Mutating memberships after this call never changes the roster;
	// it only affects the next round's predicted queue.
	MembershipIDs []string
}

// Outcome maps a terminal run outcome onto the slot status it leaves
// behind, per §4.3's round-progression table.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
	OutcomeSkipped   Outcome = "skipped"
)

// AdvanceResult reports what the cursor landed on after Advance.
type AdvanceResult struct {
	// Completed is true when the cursor passed the last slot.
	Completed bool
	// Paused is true when the round stopped on a failed outcome; the
	// round stays active (not completed) until externally resumed or
	// stopped, as the reaper/health checker surface it for attention.
	Paused bool
	// NextMembershipID is set when neither Completed nor Paused: the
	// round is ready for its next slot to run.
	NextMembershipID *string
}

// OpenRound materializes a new round with a fixed roster and makes it
// the conversation's active round.
func (s *Store) OpenRound(ctx context.Context, p OpenRoundParams) (*ent.ConversationRound, error) {
	if len(p.MembershipIDs) == 0 {
		return nil, ErrEmptyQueue
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start open-round transaction: %w", err)
	}
	defer tx.Rollback()

	round, err := tx.ConversationRound.Create().
		SetID(uuid.New().String()).
		SetConversationID(p.ConversationID).
		SetStatus(conversationround.StatusActive).
		SetSchedulingState(conversationround.SchedulingStateAiGenerating).
		SetCurrentPosition(0).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create round: %w", err)
	}

	for i, membershipID := range p.MembershipIDs {
		_, err := tx.ConversationRoundParticipant.Create().
			SetID(uuid.New().String()).
			SetRoundID(round.ID).
			SetSpaceMembershipID(membershipID).
			SetPosition(i).
			SetStatus(conversationroundparticipant.StatusPending).
			Save(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create round participant: %w", err)
		}
	}

	if err := bumpConversation(ctx, tx.Client(), p.ConversationID, func(u *ent.ConversationUpdateOne) *ent.ConversationUpdateOne {
		return u.
			SetActiveRoundID(round.ID).
			SetRoundQueueIds(p.MembershipIDs).
			SetSchedulingState(conversation.SchedulingStateAiGenerating)
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit open-round: %w", err)
	}
	return round, nil
}

// CurrentParticipant returns the roster slot the round's cursor is on.
func (s *Store) CurrentParticipant(ctx context.Context, roundID string) (*ent.ConversationRoundParticipant, error) {
	round, err := s.client.ConversationRound.Get(ctx, roundID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	participant, err := s.client.ConversationRoundParticipant.Query().
		Where(
			conversationroundparticipant.RoundID(roundID),
			conversationroundparticipant.Position(round.CurrentPosition),
		).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current participant: %w", err)
	}
	return participant, nil
}

// Advance records the outcome of the current slot and walks the cursor
// forward, skipping any slot whose participant isEligible reports
// ineligible (removed or muted since round open), until it lands on a
// runnable slot or passes the end of the roster.
func (s *Store) Advance(ctx context.Context, roundID string, outcome Outcome, isEligible func(membershipID string) bool) (*AdvanceResult, error) {
	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start advance transaction: %w", err)
	}
	defer tx.Rollback()

	round, err := tx.ConversationRound.Get(ctx, roundID)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	if round.Status != conversationround.StatusActive {
		return nil, ErrRoundNotActive
	}

	current, err := tx.ConversationRoundParticipant.Query().
		Where(
			conversationroundparticipant.RoundID(roundID),
			conversationroundparticipant.Position(round.CurrentPosition),
		).
		Only(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current participant: %w", err)
	}

	if err := setSlotStatus(ctx, tx, current.ID, outcome); err != nil {
		return nil, err
	}

	if outcome == OutcomeFailed {
		if _, err := tx.ConversationRound.UpdateOneID(roundID).
			SetSchedulingState(conversationround.SchedulingStateFailed).
			Save(ctx); err != nil {
			return nil, fmt.Errorf("failed to pause round: %w", err)
		}
		if err := bumpConversation(ctx, tx.Client(), round.ConversationID, func(u *ent.ConversationUpdateOne) *ent.ConversationUpdateOne {
			return u.SetSchedulingState(conversation.SchedulingStateFailed)
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit advance: %w", err)
		}
		return &AdvanceResult{Paused: true}, nil
	}

	roster, err := tx.ConversationRoundParticipant.Query().
		Where(conversationroundparticipant.RoundID(roundID)).
		Order(ent.Asc(conversationroundparticipant.FieldPosition)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	pos := round.CurrentPosition + 1
	for pos < len(roster) {
		slot := roster[pos]
		if isEligible == nil || isEligible(slot.SpaceMembershipID) {
			break
		}
		if err := setSlotStatus(ctx, tx, slot.ID, OutcomeSkipped); err != nil {
			return nil, err
		}
		pos++
	}

	if pos >= len(roster) {
		if _, err := tx.ConversationRound.UpdateOneID(roundID).
			SetStatus(conversationround.StatusCompleted).
			SetCurrentPosition(pos).
			Save(ctx); err != nil {
			return nil, fmt.Errorf("failed to complete round: %w", err)
		}
		if err := bumpConversation(ctx, tx.Client(), round.ConversationID, func(u *ent.ConversationUpdateOne) *ent.ConversationUpdateOne {
			return u.
				SetSchedulingState(conversation.SchedulingStateIdle).
				ClearActiveRoundID()
		}); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit advance: %w", err)
		}
		return &AdvanceResult{Completed: true}, nil
	}

	if _, err := tx.ConversationRound.UpdateOneID(roundID).
		SetCurrentPosition(pos).
		Save(ctx); err != nil {
		return nil, fmt.Errorf("failed to advance cursor: %w", err)
	}
	if err := bumpConversation(ctx, tx.Client(), round.ConversationID, func(u *ent.ConversationUpdateOne) *ent.ConversationUpdateOne {
		return u
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit advance: %w", err)
	}
	next := roster[pos].SpaceMembershipID
	return &AdvanceResult{NextMembershipID: &next}, nil
}

// StopRound externally stops an active round (e.g. the user cancels
// auto-mode mid-round) without waiting for the cursor to reach the end.
func (s *Store) StopRound(ctx context.Context, roundID string) error {
	round, err := s.client.ConversationRound.Get(ctx, roundID)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get round: %w", err)
	}
	if round.Status != conversationround.StatusActive {
		return ErrRoundNotActive
	}

	if _, err := s.client.ConversationRound.UpdateOneID(roundID).
		SetStatus(conversationround.StatusCanceled).
		Save(ctx); err != nil {
		return fmt.Errorf("failed to cancel round: %w", err)
	}

	return bumpConversation(ctx, s.client, round.ConversationID, func(u *ent.ConversationUpdateOne) *ent.ConversationUpdateOne {
		return u.
			SetSchedulingState(conversation.SchedulingStateIdle).
			ClearActiveRoundID()
	})
}

func setSlotStatus(ctx context.Context, tx *ent.Tx, participantID string, outcome Outcome) error {
	var status conversationroundparticipant.Status
	switch outcome {
	case OutcomeSucceeded:
		status = conversationroundparticipant.StatusSucceeded
	case OutcomeFailed:
		status = conversationroundparticipant.StatusFailed
	case OutcomeCanceled, OutcomeSkipped:
		status = conversationroundparticipant.StatusSkipped
	default:
		return fmt.Errorf("roundledger: unknown outcome %q", outcome)
	}
	_, err := tx.ConversationRoundParticipant.UpdateOneID(participantID).
		SetStatus(status).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to set slot status: %w", err)
	}
	return nil
}

// bumpConversation applies mutate to the conversation's update builder
// and always increments group_queue_revision, the monotone fence
// real-time clients use to discard out-of-order updates.
func bumpConversation(ctx context.Context, client *ent.Client, conversationID string, mutate func(*ent.ConversationUpdateOne) *ent.ConversationUpdateOne) error {
	update := client.Conversation.UpdateOneID(conversationID).AddGroupQueueRevision(1)
	update = mutate(update)
	if _, err := update.Save(ctx); err != nil {
		return fmt.Errorf("failed to bump conversation revision: %w", err)
	}
	return nil
}
