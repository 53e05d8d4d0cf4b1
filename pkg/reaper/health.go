package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversation"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/ent/message"
	"github.com/convoke-run/convoke/pkg/models"
)

// HealthCheck implements the health_check(conversation_id) maintenance
// operation (§6). It is pure: unlike Reap, it never writes -- it only
// classifies the conversation's current state and recommends an
// action, mirroring the teacher's database.Health's read-only
// ping-and-report shape.
func (r *Reaper) HealthCheck(ctx context.Context, conversationID string) (models.HealthCheckResult, error) {
	result := models.HealthCheckResult{ConversationID: conversationID, Healthy: true, Action: "none"}

	conv, err := r.client.Conversation.Get(ctx, conversationID)
	if err != nil {
		return result, fmt.Errorf("failed to load conversation: %w", err)
	}

	running, err := r.client.ConversationRun.Query().
		Where(
			conversationrun.ConversationID(conversationID),
			conversationrun.StatusEQ(conversationrun.StatusRunning),
		).
		Only(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return result, fmt.Errorf("failed to query running run: %w", err)
	}
	if running != nil {
		if running.HeartbeatAt != nil && running.HeartbeatAt.Before(time.Now().Add(-r.threshold)) {
			result.Healthy = false
			result.Action = "retry"
			result.OffendingRunID = &running.ID
		}
		return result, nil
	}

	queued, err := r.client.ConversationRun.Query().
		Where(
			conversationrun.ConversationID(conversationID),
			conversationrun.StatusEQ(conversationrun.StatusQueued),
		).
		Exist(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to query queued run: %w", err)
	}
	if queued {
		return result, nil
	}

	lastTerminal, err := r.client.ConversationRun.Query().
		Where(
			conversationrun.ConversationID(conversationID),
			conversationrun.StatusIn(
				conversationrun.StatusSucceeded,
				conversationrun.StatusFailed,
				conversationrun.StatusCanceled,
				conversationrun.StatusSkipped,
			),
		).
		Order(ent.Desc(conversationrun.FieldFinishedAt)).
		First(ctx)
	if err != nil && !ent.IsNotFound(err) {
		return result, fmt.Errorf("failed to query last terminal run: %w", err)
	}
	if lastTerminal != nil && lastTerminal.Status == conversationrun.StatusFailed {
		result.Healthy = false
		result.Action = "retry"
		result.OffendingRunID = &lastTerminal.ID
		return result, nil
	}

	space, err := conv.QuerySpace().Only(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to load space: %w", err)
	}

	switch conv.SchedulingState {
	case conversation.SchedulingStateIdle:
		if space.AutoModeEnabled {
			result.Healthy = false
			result.Action = "generate"
		}
	case conversation.SchedulingStateAiGenerating:
		if driftedID, drifted, err := r.detectDrift(ctx, conv); err != nil {
			return result, err
		} else if drifted {
			result.Healthy = false
			result.Action = "advance_round"
			result.OffendingRunID = driftedID
		}
	}

	return result, nil
}

// detectDrift implements the "scheduler drift" recovery action:
// scheduling_state says ai_generating but nothing is claimable (the
// caller already established this) and the conversation's tail message
// is already a committed assistant turn -- meaning the round advanced
// without the cached scheduling_state catching up.
func (r *Reaper) detectDrift(ctx context.Context, conv *ent.Conversation) (*string, bool, error) {
	if conv.ActiveRoundID == nil {
		return nil, false, nil
	}

	tail, err := r.client.Message.Query().
		Where(message.ConversationID(conv.ID)).
		Order(ent.Desc(message.FieldSeq)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query tail message for drift check: %w", err)
	}

	if tail.GenerationStatus == message.GenerationStatusCommitted && tail.ConversationRunID != nil {
		return tail.ConversationRunID, true, nil
	}
	return nil, false, nil
}
