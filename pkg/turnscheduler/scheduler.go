// Package turnscheduler implements the turn scheduler / round driver
// (§4.6) and hosts the worker pool that claims and executes queued
// runs. It is the one component that both consumes the executor's
// terminal callback and drives the round ledger forward.
package turnscheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/message"
	"github.com/convoke-run/convoke/ent/spacemembership"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/convoke-run/convoke/pkg/planner"
	"github.com/convoke-run/convoke/pkg/roundledger"
	"github.com/convoke-run/convoke/pkg/selector"
)

// Scheduler is the turn scheduler / round driver.
type Scheduler struct {
	client   *ent.Client
	rounds   *roundledger.Store
	planner  *planner.Planner
	notifier Notifier
	wake     chan string
}

// New creates a Scheduler.
func New(client *ent.Client, rounds *roundledger.Store, p *planner.Planner, notifier Notifier) *Scheduler {
	return &Scheduler{
		client:   client,
		rounds:   rounds,
		planner:  p,
		notifier: notifier,
		wake:     make(chan string, 256),
	}
}

// Wake returns the channel NewPool should be given: every Kick sends
// the affected conversation id here for a worker to pick up early.
func (s *Scheduler) Wake() <-chan string {
	return s.wake
}

// Kick implements planner.Kicker and reaper.Kicker: a non-blocking
// nudge to the worker pool that conversationID has fresh work. A full
// wake channel just means a poll cycle will pick it up instead.
func (s *Scheduler) Kick(conversationID string) {
	select {
	case s.wake <- conversationID:
	default:
	}
}

// OnTurnComplete implements executor.TurnCompleter: every terminal run
// outcome flows through here to advance (or close/reopen) the round it
// belongs to.
func (s *Scheduler) OnTurnComplete(ctx context.Context, run *ent.ConversationRun, outcome string) {
	logger := slog.With("run_id", run.ID, "conversation_id", run.ConversationID, "outcome", outcome)

	if run.ConversationRoundID == nil {
		// force_talk, regenerate, and translation runs are one-off and
		// never join a round (§4.4); nothing to advance.
		return
	}

	if outcome == "succeeded" {
		s.maybeDecrementCopilot(ctx, run)
	}

	result, err := s.rounds.Advance(ctx, *run.ConversationRoundID, roundledger.Outcome(outcome), s.isEligible(ctx))
	if err != nil {
		logger.Error("failed to advance round", "error", err)
		return
	}

	switch {
	case result.Paused:
		// The round stays active but scheduling_state=failed; the
		// reaper/health checker surface this for attention.
		return
	case result.NextMembershipID != nil:
		s.scheduleNext(ctx, run.ConversationID, *result.NextMembershipID)
	case result.Completed:
		s.closeOrReopenRound(ctx, run)
	}
}

// isEligible re-checks a roster slot's eligibility at the moment the
// cursor reaches it, since a membership can be muted or removed mid-round
// after the roster was fixed at round-open time.
func (s *Scheduler) isEligible(ctx context.Context) func(string) bool {
	return func(membershipID string) bool {
		m, err := s.client.SpaceMembership.Get(ctx, membershipID)
		if err != nil {
			return false
		}
		return m.Status == spacemembership.StatusActive &&
			m.Participation == spacemembership.ParticipationActive &&
			m.CanAutoRespond
	}
}

// maybeDecrementCopilot implements §4.6 step 3: a successful turn by a
// copilot human decrements its remaining-steps budget, auto-disabling
// copilot (but never auto-mode) when it reaches zero.
func (s *Scheduler) maybeDecrementCopilot(ctx context.Context, run *ent.ConversationRun) {
	member, err := s.client.SpaceMembership.Get(ctx, run.SpeakerSpaceMembershipID)
	if err != nil {
		slog.Warn("failed to load speaker for copilot check", "run_id", run.ID, "error", err)
		return
	}
	if member.Kind != spacemembership.KindHuman || member.CopilotMode != spacemembership.CopilotModeFull {
		return
	}

	remaining := member.CopilotRemainingSteps - 1
	if remaining < 0 {
		remaining = 0
	}

	update := s.client.SpaceMembership.UpdateOneID(member.ID).SetCopilotRemainingSteps(remaining)
	exhausted := remaining == 0
	if exhausted {
		update = update.SetCopilotMode(spacemembership.CopilotModeNone)
	}
	if _, err := update.Save(ctx); err != nil {
		slog.Warn("failed to decrement copilot steps", "membership_id", member.ID, "error", err)
		return
	}

	if exhausted && s.notifier != nil {
		if err := s.notifier.PublishCopilotModeChanged(ctx, run.ConversationID, member.ID); err != nil {
			slog.Warn("failed to publish copilot_mode_changed", "membership_id", member.ID, "error", err)
		}
	}
}

// scheduleNext enqueues the round's next slot via the planner's usual
// upsert, stamped so the run log can tell it apart from a trigger-driven
// queue entry.
func (s *Scheduler) scheduleNext(ctx context.Context, conversationID, membershipID string) {
	expected, err := latestMessageID(ctx, s.client, conversationID)
	if err != nil {
		slog.Warn("failed to read conversation tail before scheduling next slot", "conversation_id", conversationID, "error", err)
	}

	if _, err := s.planner.Plan(ctx, planner.PlanParams{
		ConversationID:      conversationID,
		Kind:                "auto_response",
		SpeakerMembershipID: membershipID,
		Reason:              "auto-advance",
		InputPolicy:         planner.InputPolicyQueue,
		Debug: &models.RunDebug{
			ScheduledBy:           "turn_scheduler",
			ExpectedLastMessageID: nonEmptyPtr(expected),
		},
	}); err != nil {
		slog.Error("failed to schedule next round slot", "conversation_id", conversationID, "error", err)
	}
}

// closeOrReopenRound implements §4.6 step 6: when a round runs out of
// slots, either open the next one (auto-mode, budget permitting) or
// leave the conversation idle -- roundledger.Advance has already done
// the idle bookkeeping, so there is nothing to do in the non-auto case.
func (s *Scheduler) closeOrReopenRound(ctx context.Context, lastRun *ent.ConversationRun) {
	conv, err := s.client.Conversation.Get(ctx, lastRun.ConversationID)
	if err != nil {
		slog.Error("failed to reload conversation after round completion", "conversation_id", lastRun.ConversationID, "error", err)
		return
	}
	space, err := conv.QuerySpace().Only(ctx)
	if err != nil {
		slog.Error("failed to load space after round completion", "conversation_id", lastRun.ConversationID, "error", err)
		return
	}
	if !space.AutoModeEnabled || space.AutoModeRoundsRemaining <= 0 {
		return
	}

	next, err := s.selectNextRoundLeader(ctx, space, lastRun.SpeakerSpaceMembershipID)
	if err != nil {
		slog.Error("failed to select next round's leader", "conversation_id", lastRun.ConversationID, "error", err)
		return
	}
	if next == nil {
		return
	}

	if _, err := s.client.Space.UpdateOneID(space.ID).AddAutoModeRoundsRemaining(-1).Save(ctx); err != nil {
		slog.Error("failed to decrement auto-mode round budget", "space_id", space.ID, "error", err)
		return
	}

	// planner.Plan opens the new round itself (ensureRoundOpen) the
	// moment it sees active_round_id is nil, led by this speaker.
	if _, err := s.planner.Plan(ctx, planner.PlanParams{
		ConversationID:      lastRun.ConversationID,
		Kind:                "auto_response",
		SpeakerMembershipID: *next,
		Reason:              "auto-mode",
		InputPolicy:         planner.InputPolicyQueue,
		Debug:               &models.RunDebug{ScheduledBy: "turn_scheduler"},
	}); err != nil {
		slog.Error("failed to schedule the reopened round's first slot", "conversation_id", lastRun.ConversationID, "error", err)
	}
}

// selectNextRoundLeader applies the space's reply_order strategy to
// the eligible roster to decide who opens the next round.
func (s *Scheduler) selectNextRoundLeader(ctx context.Context, space *ent.Space, previousSpeakerID string) (*string, error) {
	members, err := s.client.SpaceMembership.Query().
		Where(
			spacemembership.SpaceID(space.ID),
			spacemembership.StatusEQ(spacemembership.StatusActive),
			spacemembership.ParticipationEQ(spacemembership.ParticipationActive),
			spacemembership.CanAutoRespond(true),
		).
		Order(ent.Asc(spacemembership.FieldPosition)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query eligible participants: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	candidates := make([]selector.Candidate, len(members))
	for i, m := range members {
		candidates[i] = selector.Candidate{
			MembershipID:        m.ID,
			DisplayName:         m.DisplayName,
			Position:            m.Position,
			TalkativenessFactor: m.TalkativenessFactor,
		}
	}

	strategy, err := selector.New(string(space.ReplyOrder))
	if err != nil {
		return nil, err
	}

	return strategy.Next(selector.Input{
		Candidates:        candidates,
		PreviousSpeakerID: previousSpeakerID,
		AllowSelf:         space.AllowSelfResponses,
	})
}

// latestMessageID returns the id of the most recent prompt-visible
// message, or "" if the conversation has none yet.
func latestMessageID(ctx context.Context, client *ent.Client, conversationID string) (string, error) {
	tail, err := client.Message.Query().
		Where(
			message.ConversationID(conversationID),
			message.VisibilityIn(message.VisibilityNormal, message.VisibilityExcluded),
		).
		Order(ent.Desc(message.FieldSeq)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return tail.ID, nil
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
