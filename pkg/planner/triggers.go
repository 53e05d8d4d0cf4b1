package planner

import (
	"context"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/pkg/models"
)

// PlanUserMessageCommitted handles the user_message_committed trigger.
// replyOrder = manual never auto-selects; the caller has already run
// the speaker selector and passes its result (empty if the selector
// itself returned nil).
func (p *Planner) PlanUserMessageCommitted(ctx context.Context, conversationID, replyOrder, speakerMembershipID string, debounceMs int) (*ent.ConversationRun, error) {
	if replyOrder == "manual" {
		return nil, ErrManualMode
	}
	if speakerMembershipID == "" {
		return nil, ErrNoSpeakerSelected
	}

	var runAfter *time.Time
	if debounceMs > 0 {
		t := time.Now().Add(time.Duration(debounceMs) * time.Millisecond)
		runAfter = &t
	}

	return p.Plan(ctx, PlanParams{
		ConversationID:      conversationID,
		Kind:                "auto_response",
		SpeakerMembershipID: speakerMembershipID,
		Reason:              "auto-advance",
		RunAfter:            runAfter,
		InputPolicy:         InputPolicyQueue,
	})
}

// PlanForceTalk handles force_talk: it works even in manual mode,
// cancels whatever round is active, and restarts a running run rather
// than waiting for it.
func (p *Planner) PlanForceTalk(ctx context.Context, conversationID, speakerMembershipID string) (*ent.ConversationRun, error) {
	return p.Plan(ctx, PlanParams{
		ConversationID:      conversationID,
		Kind:                "force_talk",
		SpeakerMembershipID: speakerMembershipID,
		Reason:              "user requested",
		InputPolicy:         InputPolicyRestart,
		CancelActiveRound:   true,
	})
}

// PlanRegenerate handles regenerate: debug carries both
// target_message_id (what's being replaced) and expected_last_message_id
// (the pollution guard the executor checks at claim time).
func (p *Planner) PlanRegenerate(ctx context.Context, conversationID, speakerMembershipID, targetMessageID string) (*ent.ConversationRun, error) {
	return p.Plan(ctx, PlanParams{
		ConversationID:      conversationID,
		Kind:                "regenerate",
		SpeakerMembershipID: speakerMembershipID,
		Reason:              "regenerate",
		InputPolicy:         InputPolicyRestart,
		CancelActiveRound:   true,
		Debug: &models.RunDebug{
			TargetMessageID:       &targetMessageID,
			ExpectedLastMessageID: &targetMessageID,
			ScheduledBy:           "regenerate",
		},
	})
}

// PlanAutoModeFollowup handles auto_mode_followup: allowed only while
// auto-mode is enabled, and pins expected_last_message_id to the
// trigger so a concurrently-committed message aborts the stale run.
func (p *Planner) PlanAutoModeFollowup(ctx context.Context, conversationID, speakerMembershipID, triggerMessageID string, autoModeEnabled bool) (*ent.ConversationRun, error) {
	if !autoModeEnabled {
		return nil, ErrAutoModeDisabled
	}
	return p.Plan(ctx, PlanParams{
		ConversationID:      conversationID,
		Kind:                "auto_response",
		SpeakerMembershipID: speakerMembershipID,
		Reason:              "auto-mode",
		InputPolicy:         InputPolicyQueue,
		Debug: &models.RunDebug{
			ExpectedLastMessageID: &triggerMessageID,
			ScheduledBy:           "auto_mode",
		},
	})
}

// CopilotStep names the copilot_{start,followup,continue} variants.
type CopilotStep string

const (
	CopilotStepStart    CopilotStep = "start"
	CopilotStepFollowup CopilotStep = "followup"
	CopilotStepContinue CopilotStep = "continue"
)

// PlanCopilotStep handles copilot_{start,followup,continue}: same
// shape as an auto-mode followup. copilot_remaining_steps is
// decremented by the turn scheduler (Scheduler.OnTurnComplete) on a
// succeeded run only, and is not this method's concern.
func (p *Planner) PlanCopilotStep(ctx context.Context, conversationID, speakerMembershipID, triggerMessageID string, step CopilotStep) (*ent.ConversationRun, error) {
	return p.Plan(ctx, PlanParams{
		ConversationID:      conversationID,
		Kind:                "auto_response",
		SpeakerMembershipID: speakerMembershipID,
		Reason:              "copilot",
		InputPolicy:         InputPolicyQueue,
		Debug: &models.RunDebug{
			ExpectedLastMessageID: &triggerMessageID,
			ScheduledBy:           "copilot:" + string(step),
		},
	})
}
