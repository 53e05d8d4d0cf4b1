// Package planner implements the run planner (§4.4): it translates
// external triggers into at most one queued ConversationRun per
// conversation, enforcing the single-slot invariant and the running-run
// input policy.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversation"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/ent/spacemembership"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/convoke-run/convoke/pkg/roundledger"
	"github.com/google/uuid"
)

// InputPolicy controls what happens to a running run when a new
// trigger arrives. "reject" is never passed here -- by the time it
// would apply, the external controller has already refused the
// incoming message and the planner is never invoked.
type InputPolicy string

const (
	InputPolicyQueue   InputPolicy = "queue"
	InputPolicyRestart InputPolicy = "restart"
)

// Kicker notifies the worker pool that a conversation has a freshly
// queued or updated run worth picking up.
type Kicker interface {
	Kick(conversationID string)
}

// Planner is the run planner.
type Planner struct {
	client *ent.Client
	rounds *roundledger.Store
	kicker Kicker
}

// New creates a Planner.
func New(client *ent.Client, rounds *roundledger.Store, kicker Kicker) *Planner {
	return &Planner{client: client, rounds: rounds, kicker: kicker}
}

// PlanParams describes one trigger's resolved intent. Callers resolve
// the speaker (via pkg/selector, where applicable) before calling Plan;
// the planner's job is strictly the upsert and policy enforcement, not
// speaker selection.
type PlanParams struct {
	ConversationID      string
	Kind                string // matches ent/conversationrun.Kind values
	SpeakerMembershipID string
	Reason              string
	RunAfter            *time.Time
	Debug               *models.RunDebug
	InputPolicy         InputPolicy
	CancelActiveRound   bool
}

// Plan executes the single-slot upsert protocol for one trigger.
func (p *Planner) Plan(ctx context.Context, params PlanParams) (*ent.ConversationRun, error) {
	if params.CancelActiveRound {
		if err := p.cancelActiveRound(ctx, params.ConversationID); err != nil {
			return nil, err
		}
	}

	// Round start is triggered here (§4.3): an auto_response run always
	// belongs to a round, so open one with the eligible roster, led by
	// this trigger's speaker, if none is active yet. force_talk,
	// regenerate, and translation runs are one-off and never join a
	// round.
	if params.Kind == "auto_response" {
		if err := p.ensureRoundOpen(ctx, params.ConversationID, params.SpeakerMembershipID); err != nil {
			return nil, err
		}
	}

	var result *ent.ConversationRun

	err := withTx(ctx, p.client, func(tx *ent.Tx) error {
		// 1. Lock the conversation row so concurrent triggers for the
		// same conversation serialize through this transaction.
		lockedConv, err := tx.Conversation.Query().
			Where(conversation.IDEQ(params.ConversationID)).
			ForUpdate().
			Only(ctx)
		if err != nil {
			return fmt.Errorf("failed to lock conversation: %w", err)
		}
		var roundID *string
		if params.Kind == "auto_response" {
			roundID = lockedConv.ActiveRoundID
		}

		// 2. Inspect the running run and apply the input policy.
		running, err := tx.ConversationRun.Query().
			Where(
				conversationrun.ConversationID(params.ConversationID),
				conversationrun.StatusEQ(conversationrun.StatusRunning),
			).
			Only(ctx)
		if err != nil && !ent.IsNotFound(err) {
			return fmt.Errorf("failed to query running run: %w", err)
		}
		if running != nil && params.InputPolicy == InputPolicyRestart {
			if _, err := tx.ConversationRun.UpdateOneID(running.ID).
				SetCancelRequestedAt(time.Now()).
				Save(ctx); err != nil {
				return fmt.Errorf("failed to request cancellation: %w", err)
			}
		}

		// 3. Upsert the queued run: overwrite in place if one exists,
		// insert otherwise. The single-slot invariant is the partial
		// unique index; this lookup-then-branch is safe because the
		// conversation row lock above serializes concurrent planners.
		queued, err := tx.ConversationRun.Query().
			Where(
				conversationrun.ConversationID(params.ConversationID),
				conversationrun.StatusEQ(conversationrun.StatusQueued),
			).
			Only(ctx)
		if err != nil && !ent.IsNotFound(err) {
			return fmt.Errorf("failed to query queued run: %w", err)
		}

		if queued != nil {
			update := tx.ConversationRun.UpdateOneID(queued.ID).
				SetSpeakerSpaceMembershipID(params.SpeakerMembershipID).
				SetNillableConversationRoundID(roundID)
			update = applyOptional(update, params)
			updated, err := update.Save(ctx)
			if err != nil {
				return fmt.Errorf("failed to overwrite queued run: %w", err)
			}
			result = updated
			return nil
		}

		create := tx.ConversationRun.Create().
			SetID(uuid.New().String()).
			SetConversationID(params.ConversationID).
			SetKind(conversationrun.Kind(params.Kind)).
			SetStatus(conversationrun.StatusQueued).
			SetSpeakerSpaceMembershipID(params.SpeakerMembershipID).
			SetNillableConversationRoundID(roundID)
		create = applyOptionalCreate(create, params)
		created, err := create.Save(ctx)
		if err != nil {
			return fmt.Errorf("failed to create queued run: %w", err)
		}
		result = created
		return nil
	})
	if err != nil {
		return nil, err
	}

	p.kicker.Kick(params.ConversationID)
	return result, nil
}

func (p *Planner) cancelActiveRound(ctx context.Context, conversationID string) error {
	conv, err := p.client.Conversation.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.ActiveRoundID == nil {
		return nil
	}
	if err := p.rounds.StopRound(ctx, *conv.ActiveRoundID); err != nil {
		if err == roundledger.ErrRoundNotActive || err == roundledger.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to cancel active round: %w", err)
	}
	return nil
}

// ensureRoundOpen materializes a fresh round roster when the
// conversation has none active. Run exactly like cancelActiveRound,
// outside the upsert's own transaction -- roundledger.OpenRound owns
// its own transaction and cannot nest inside one already holding the
// conversation's row lock.
func (p *Planner) ensureRoundOpen(ctx context.Context, conversationID, firstSpeakerID string) error {
	conv, err := p.client.Conversation.Get(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.ActiveRoundID != nil {
		return nil
	}

	roster, err := eligibleRoster(ctx, p.client, conv.SpaceID, firstSpeakerID)
	if err != nil {
		return err
	}
	if len(roster) == 0 {
		return nil
	}

	if _, err := p.rounds.OpenRound(ctx, roundledger.OpenRoundParams{
		ConversationID: conversationID,
		MembershipIDs:  roster,
	}); err != nil {
		return fmt.Errorf("failed to open round: %w", err)
	}
	return nil
}

// eligibleRoster lists every auto-respond-eligible membership in
// spaceID in position order, rotated so firstSpeakerID leads -- the
// predicted queue materialized at round-open time (§4.3).
func eligibleRoster(ctx context.Context, client *ent.Client, spaceID, firstSpeakerID string) ([]string, error) {
	members, err := client.SpaceMembership.Query().
		Where(
			spacemembership.SpaceID(spaceID),
			spacemembership.StatusEQ(spacemembership.StatusActive),
			spacemembership.ParticipationEQ(spacemembership.ParticipationActive),
			spacemembership.CanAutoRespond(true),
		).
		Order(ent.Asc(spacemembership.FieldPosition)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible participants: %w", err)
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}

	lead := indexOfID(ids, firstSpeakerID)
	if lead <= 0 {
		return ids, nil
	}
	return append(ids[lead:], ids[:lead]...), nil
}

func indexOfID(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func debugJSON(d *models.RunDebug) map[string]any {
	if d == nil {
		return nil
	}
	out := map[string]any{}
	if d.ScheduledBy != "" {
		out["scheduled_by"] = d.ScheduledBy
	}
	if d.ExpectedLastMessageID != nil {
		out["expected_last_message_id"] = *d.ExpectedLastMessageID
	}
	if d.TargetMessageID != nil {
		out["target_message_id"] = *d.TargetMessageID
	}
	return out
}

func applyOptional(u *ent.ConversationRunUpdateOne, params PlanParams) *ent.ConversationRunUpdateOne {
	if params.Reason != "" {
		u = u.SetReason(params.Reason)
	} else {
		u = u.ClearReason()
	}
	if params.RunAfter != nil {
		u = u.SetRunAfter(*params.RunAfter)
	} else {
		u = u.ClearRunAfter()
	}
	if dbg := debugJSON(params.Debug); dbg != nil {
		u = u.SetDebug(dbg)
	} else {
		u = u.ClearDebug()
	}
	return u
}

func applyOptionalCreate(c *ent.ConversationRunCreate, params PlanParams) *ent.ConversationRunCreate {
	if params.Reason != "" {
		c = c.SetReason(params.Reason)
	}
	if params.RunAfter != nil {
		c = c.SetRunAfter(*params.RunAfter)
	}
	if dbg := debugJSON(params.Debug); dbg != nil {
		c = c.SetDebug(dbg)
	}
	return c
}

func withTx(ctx context.Context, client *ent.Client, fn func(tx *ent.Tx) error) error {
	tx, err := client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
