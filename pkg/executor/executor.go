// Package executor implements the run executor (§4.5): it drives a
// claimed ConversationRun through prompt assembly, streaming
// generation, group trim, and commit, without ever exposing partial
// state to clients.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/conversation"
	"github.com/convoke-run/convoke/ent/conversationrun"
	"github.com/convoke-run/convoke/ent/message"
	"github.com/convoke-run/convoke/ent/messageswipe"
	"github.com/convoke-run/convoke/ent/spacemembership"
	"github.com/convoke-run/convoke/pkg/llm"
	"github.com/convoke-run/convoke/pkg/models"
	"github.com/convoke-run/convoke/pkg/promptassembler"
	"github.com/convoke-run/convoke/pkg/runstore"
	"github.com/google/uuid"
)

// TurnCompleter is notified once a run reaches a terminal outcome, so
// the turn scheduler (§4.6) can advance the round without the executor
// depending on it directly. Outcomes match roundledger.Outcome's wire
// values: "succeeded", "failed", "canceled", "skipped".
type TurnCompleter interface {
	OnTurnComplete(ctx context.Context, run *ent.ConversationRun, outcome string)
}

// Config tunes the executor's generation loop.
type Config struct {
	// HeartbeatInterval bounds how often heartbeat_at is refreshed
	// while a generation is in flight. Spec caps this at once/second.
	HeartbeatInterval time.Duration

	// GlobalTokenLimit is the deployment-wide ceiling (GLOBAL_TOKEN_LIMIT)
	// checked alongside a space's own TokenLimit in checkGuards. Nil
	// means no global ceiling is configured.
	GlobalTokenLimit *int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	return c
}

// Executor is the run executor.
type Executor struct {
	client    *ent.Client
	store     *runstore.Store
	llmClient llm.Client
	assembler promptassembler.Assembler
	publisher Publisher
	turnDone  TurnCompleter
	cfg       Config
}

// New creates an Executor.
func New(client *ent.Client, store *runstore.Store, llmClient llm.Client, assembler promptassembler.Assembler, publisher Publisher, turnDone TurnCompleter, cfg Config) *Executor {
	return &Executor{
		client:    client,
		store:     store,
		llmClient: llmClient,
		assembler: assembler,
		publisher: publisher,
		turnDone:  turnDone,
		cfg:       cfg.withDefaults(),
	}
}

// Execute drives an already-claimed run (status=running) through to a
// terminal outcome. The caller (the turn scheduler's worker loop) owns
// claim_atomic; Execute assumes it has already happened.
func (e *Executor) Execute(ctx context.Context, run *ent.ConversationRun) {
	logger := slog.With("run_id", run.ID, "conversation_id", run.ConversationID)

	speaker, err := e.client.SpaceMembership.Get(ctx, run.SpeakerSpaceMembershipID)
	if err != nil {
		e.finishFailed(ctx, run, "speaker_not_found", err)
		return
	}

	conv, err := e.client.Conversation.Get(ctx, run.ConversationID)
	if err != nil {
		e.finishFailed(ctx, run, "conversation_not_found", err)
		return
	}

	space, err := conv.QuerySpace().Only(ctx)
	if err != nil {
		e.finishFailed(ctx, run, "space_not_found", err)
		return
	}

	if outcome, errCode := e.checkGuards(ctx, run, conv, space); outcome != "" {
		logger.Info("run did not pass pre-execution guards", "outcome", outcome, "error_code", errCode)
		e.finish(ctx, run, outcome, &models.RunError{Code: errCode})
		return
	}

	e.publishTypingStart(ctx, run, speaker)

	result, genErr := e.generate(ctx, run, conv, speaker)
	if genErr != nil {
		outcome, runErr := classifyGenerationError(genErr)
		logger.Warn("generation ended without a result", "outcome", outcome, "error", genErr)
		e.finish(ctx, run, outcome, runErr)
		e.publishStreamComplete(ctx, run)
		return
	}

	trimmed := result.Content
	if !space.RelaxMessageTrim {
		trimmed = GroupTrim(trimmed, speaker.DisplayName, otherParticipantNames(ctx, e.client, space.ID, speaker.ID))
	}

	if err := e.commit(ctx, run, conv, space, trimmed, result); err != nil {
		logger.Error("commit failed", "error", err)
		e.finish(ctx, run, "failed", &models.RunError{Code: "commit_failed", Message: err.Error()})
		e.publishStreamComplete(ctx, run)
		return
	}

	if err := e.store.Finish(ctx, run.ID, string(conversationrun.StatusSucceeded), nil); err != nil && err != runstore.ErrTerminal {
		logger.Error("failed to finalize succeeded run", "error", err)
	}
	e.publishStreamComplete(ctx, run)

	if e.turnDone != nil {
		e.turnDone.OnTurnComplete(ctx, run, "succeeded")
	}
}

// checkGuards implements §4.5 step 2. A non-empty outcome means the
// caller should finalize the run without ever calling the LLM.
func (e *Executor) checkGuards(ctx context.Context, run *ent.ConversationRun, conv *ent.Conversation, space *ent.Space) (outcome string, errCode string) {
	if expected, ok := run.Debug["expected_last_message_id"].(string); ok && expected != "" {
		tail, err := e.client.Message.Query().
			Where(
				message.ConversationID(conv.ID),
				message.VisibilityIn(message.VisibilityNormal, message.VisibilityExcluded),
			).
			Order(ent.Desc(message.FieldSeq)).
			First(ctx)
		if err != nil && !ent.IsNotFound(err) {
			return "failed", "expected_last_message_mismatch"
		}
		tailID := ""
		if tail != nil {
			tailID = tail.ID
		}
		if tailID != expected {
			return "skipped", models.ErrCodeExpectedLastMessageMismatch
		}
	}

	used := space.PromptTokensTotal + space.CompletionTokensTotal
	if space.TokenLimit != nil && used >= *space.TokenLimit {
		return "failed", models.ErrCodeTokenLimitExceeded
	}
	if e.cfg.GlobalTokenLimit != nil && used >= *e.cfg.GlobalTokenLimit {
		return "failed", models.ErrCodeTokenLimitExceeded
	}

	return "", ""
}

func (e *Executor) publishTypingStart(ctx context.Context, run *ent.ConversationRun, speaker *ent.SpaceMembership) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTypingStart(ctx, TypingStartPayload{
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		SpeakerName:    speaker.DisplayName,
		IsUser:         speaker.Kind == spacemembership.KindHuman,
	}); err != nil {
		slog.Warn("failed to publish typing_start", "run_id", run.ID, "error", err)
	}
}

func (e *Executor) publishStreamComplete(ctx context.Context, run *ent.ConversationRun) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishStreamComplete(ctx, StreamCompletePayload{
		ConversationID: run.ConversationID,
		RunID:          run.ID,
	}); err != nil {
		slog.Warn("failed to publish stream_complete", "run_id", run.ID, "error", err)
	}
}

// generate drives one streaming LLM call: builds the prompt, relays
// chunks to the ephemeral channel, heartbeats, and watches for
// cooperative cancellation on every chunk.
func (e *Executor) generate(ctx context.Context, run *ent.ConversationRun, conv *ent.Conversation, speaker *ent.SpaceMembership) (*llm.Result, error) {
	history, err := e.buildHistory(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to build history: %w", err)
	}

	assembled, err := e.assembler.Assemble(promptassembler.Input{
		SpeakerMembershipID: speaker.ID,
		SpeakerDisplayName:  speaker.DisplayName,
		History:             history,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to assemble prompt: %w", err)
	}

	messages := make([]llm.Message, len(assembled.Messages))
	for i, m := range assembled.Messages {
		messages[i] = llm.Message{Role: llm.Role(m.Role), Content: m.Content, Name: m.Name}
	}

	chunks, errs := e.llmClient.Generate(ctx, llm.Request{Messages: messages, Stream: true})

	lastHeartbeat := time.Now()
	var content string
	var final *llm.Result

	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			content += c.Content
			if c.Final != nil {
				final = c.Final
				if final.Content == "" {
					final.Content = content
				}
			}
			e.publishStreamChunk(ctx, run, content)

			if cancel, err := e.checkCancel(ctx, run.ID); err != nil {
				return nil, err
			} else if cancel {
				return nil, errCanceled
			}
			lastHeartbeat = e.maybeHeartbeat(ctx, run.ID, lastHeartbeat)

		case genErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if genErr != nil {
				return nil, genErr
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if final == nil {
		final = &llm.Result{Content: content}
	}
	return final, nil
}

func (e *Executor) publishStreamChunk(ctx context.Context, run *ent.ConversationRun, cumulative string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishStreamChunk(ctx, StreamChunkPayload{
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		Content:        cumulative,
	}); err != nil {
		slog.Warn("failed to publish stream_chunk", "run_id", run.ID, "error", err)
	}
}

func (e *Executor) maybeHeartbeat(ctx context.Context, runID string, last time.Time) time.Time {
	if time.Since(last) < e.cfg.HeartbeatInterval {
		return last
	}
	if err := e.store.Heartbeat(ctx, runID); err != nil && err != runstore.ErrTerminal {
		slog.Warn("heartbeat failed", "run_id", runID, "error", err)
	}
	return time.Now()
}

func (e *Executor) checkCancel(ctx context.Context, runID string) (bool, error) {
	run, err := e.client.ConversationRun.Get(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("failed to re-read run for cancellation check: %w", err)
	}
	return run.CancelRequestedAt != nil, nil
}

var errCanceled = fmt.Errorf("llm: generation canceled by cooperative cancel_requested_at")

// classifyGenerationError maps a generation failure onto a terminal
// outcome and a structured run error.
func classifyGenerationError(err error) (outcome string, runErr *models.RunError) {
	if err == errCanceled {
		return "canceled", &models.RunError{Code: models.ErrCodeUserCancel}
	}

	var httpErr *llm.HTTPError
	var provErr *llm.ProviderError
	var timeoutErr *llm.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		return "failed", &models.RunError{Code: models.ErrCodeTimeout, Message: timeoutErr.Error()}
	case errors.As(err, &httpErr):
		return "failed", &models.RunError{Code: models.ErrCodeHTTPError, Message: httpErr.Error()}
	case errors.As(err, &provErr):
		return "failed", &models.RunError{Code: models.ErrCodeHTTPError, Message: provErr.Error()}
	case llm.IsRetryable(err):
		return "failed", &models.RunError{Code: models.ErrCodeConnectionError, Message: err.Error()}
	default:
		return "failed", &models.RunError{Code: "generation_error", Message: err.Error()}
	}
}

// buildHistory loads the prompt-visible timeline (excluding hidden
// messages) in seq order.
func (e *Executor) buildHistory(ctx context.Context, conversationID string) ([]promptassembler.HistoryEntry, error) {
	msgs, err := e.client.Message.Query().
		Where(
			message.ConversationID(conversationID),
			message.VisibilityNEQ(message.VisibilityHidden),
		).
		Order(ent.Asc(message.FieldSeq)).
		All(ctx)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	entries := make([]promptassembler.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		content, err := e.client.TextContent.Get(ctx, m.TextContentID)
		if err != nil {
			return nil, fmt.Errorf("failed to load message content: %w", err)
		}
		name := ""
		if m.SpeakerSpaceMembershipID != nil {
			if n, ok := names[*m.SpeakerSpaceMembershipID]; ok {
				name = n
			} else if sm, err := e.client.SpaceMembership.Get(ctx, *m.SpeakerSpaceMembershipID); err == nil {
				name = sm.DisplayName
				names[*m.SpeakerSpaceMembershipID] = name
			}
		}
		entries = append(entries, promptassembler.HistoryEntry{
			Role:    string(m.Role),
			Content: content.Body,
			Name:    name,
		})
	}
	return entries, nil
}

// otherParticipantNames returns the display names of every participant
// in spaceID other than the speaker, used by group trim to find
// dialogue bleed.
func otherParticipantNames(ctx context.Context, client *ent.Client, spaceID, speakerID string) []string {
	members, err := client.SpaceMembership.Query().
		Where(spacemembership.SpaceID(spaceID)).
		All(ctx)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		if m.ID == speakerID {
			continue
		}
		names = append(names, m.DisplayName)
	}
	return names
}

// commit persists the generated turn: either a new swipe on the
// regenerate target, or a freshly allocated message, plus token
// accounting. Runs in one transaction, separate from the terminal
// status write (mirroring the trade-off already made in pkg/planner
// between round-cancellation and run-upsert atomicity).
func (e *Executor) commit(ctx context.Context, run *ent.ConversationRun, conv *ent.Conversation, space *ent.Space, content string, result *llm.Result) error {
	tx, err := e.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("failed to start commit transaction: %w", err)
	}
	defer tx.Rollback()

	blob, err := tx.TextContent.Create().
		SetID(uuid.New().String()).
		SetBody(content).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to store content: %w", err)
	}

	var messageID string
	if run.Kind == conversationrun.KindRegenerate {
		targetID, _ := run.Debug["target_message_id"].(string)
		if targetID == "" {
			return fmt.Errorf("regenerate run missing debug.target_message_id")
		}
		if err := e.commitSwipe(ctx, tx, run, targetID, blob.ID); err != nil {
			return err
		}
		messageID = targetID
	} else {
		messageID, err = e.commitNewMessage(ctx, tx, run, conv.ID, blob.ID)
		if err != nil {
			return err
		}
	}

	if result.Usage != nil {
		if _, err := tx.Conversation.UpdateOneID(conv.ID).
			AddPromptTokensTotal(result.Usage.PromptTokens).
			AddCompletionTokensTotal(result.Usage.CompletionTokens).
			Save(ctx); err != nil {
			return fmt.Errorf("failed to update conversation token totals: %w", err)
		}
		if _, err := tx.Space.UpdateOneID(space.ID).
			AddPromptTokensTotal(result.Usage.PromptTokens).
			AddCompletionTokensTotal(result.Usage.CompletionTokens).
			Save(ctx); err != nil {
			return fmt.Errorf("failed to update space token totals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit generated turn: %w", err)
	}

	if e.publisher != nil {
		if err := e.publisher.PublishMessageCreated(ctx, MessageCreatedPayload{
			ConversationID: conv.ID,
			MessageID:      messageID,
			RunID:          run.ID,
			Content:        content,
		}); err != nil {
			slog.Warn("failed to publish message created", "run_id", run.ID, "error", err)
		}
	}

	return nil
}

func (e *Executor) commitSwipe(ctx context.Context, tx *ent.Tx, run *ent.ConversationRun, targetMessageID, textContentID string) error {
	target, err := tx.Message.Get(ctx, targetMessageID)
	if err != nil {
		return fmt.Errorf("failed to load regenerate target: %w", err)
	}

	count, err := tx.MessageSwipe.Query().Where(messageswipe.MessageID(targetMessageID)).Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count swipes: %w", err)
	}

	if target.ActiveMessageSwipeID != nil {
		if _, err := tx.MessageSwipe.UpdateOneID(*target.ActiveMessageSwipeID).
			SetIsActive(false).
			Save(ctx); err != nil {
			return fmt.Errorf("failed to deactivate previous swipe: %w", err)
		}
	}

	swipe, err := tx.MessageSwipe.Create().
		SetID(uuid.New().String()).
		SetMessageID(targetMessageID).
		SetPosition(count).
		SetTextContentID(textContentID).
		SetIsActive(true).
		SetConversationRunID(run.ID).
		Save(ctx)
	if err != nil {
		return fmt.Errorf("failed to create swipe: %w", err)
	}

	if _, err := tx.Message.UpdateOneID(targetMessageID).
		SetActiveMessageSwipeID(swipe.ID).
		SetMessageSwipesCount(count + 1).
		SetTextContentID(textContentID).
		Save(ctx); err != nil {
		return fmt.Errorf("failed to mirror swipe content to message: %w", err)
	}
	return nil
}

func (e *Executor) commitNewMessage(ctx context.Context, tx *ent.Tx, run *ent.ConversationRun, conversationID, textContentID string) (string, error) {
	if _, err := tx.Conversation.Query().
		Where(conversation.IDEQ(conversationID)).
		ForUpdate().
		Only(ctx); err != nil {
		return "", fmt.Errorf("failed to lock conversation for seq allocation: %w", err)
	}

	last, err := tx.Message.Query().
		Where(message.ConversationID(conversationID)).
		Order(ent.Desc(message.FieldSeq)).
		First(ctx)
	nextSeq := 0
	if err == nil {
		nextSeq = last.Seq + 1
	} else if !ent.IsNotFound(err) {
		return "", fmt.Errorf("failed to read last seq: %w", err)
	}

	msgID := uuid.New().String()
	msg, err := tx.Message.Create().
		SetID(msgID).
		SetConversationID(conversationID).
		SetSeq(nextSeq).
		SetRole(message.RoleAssistant).
		SetTextContentID(textContentID).
		SetGenerationStatus(message.GenerationStatusCommitted).
		SetConversationRunID(run.ID).
		SetSpeakerSpaceMembershipID(run.SpeakerSpaceMembershipID).
		Save(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to insert message: %w", err)
	}

	swipe, err := tx.MessageSwipe.Create().
		SetID(uuid.New().String()).
		SetMessageID(msg.ID).
		SetPosition(0).
		SetTextContentID(textContentID).
		SetIsActive(true).
		SetConversationRunID(run.ID).
		Save(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to create swipe 0: %w", err)
	}

	if _, err := tx.Message.UpdateOneID(msg.ID).
		SetActiveMessageSwipeID(swipe.ID).
		SetMessageSwipesCount(1).
		Save(ctx); err != nil {
		return "", fmt.Errorf("failed to activate swipe 0: %w", err)
	}
	return msg.ID, nil
}

func (e *Executor) finishFailed(ctx context.Context, run *ent.ConversationRun, code string, err error) {
	e.finish(ctx, run, "failed", &models.RunError{Code: code, Message: err.Error()})
}

func (e *Executor) finish(ctx context.Context, run *ent.ConversationRun, outcome string, runErr *models.RunError) {
	if err := e.store.Finish(ctx, run.ID, outcome, runErr); err != nil && err != runstore.ErrTerminal {
		slog.Warn("failed to finalize run", "run_id", run.ID, "outcome", outcome, "error", err)
		return
	}
	if e.turnDone != nil {
		e.turnDone.OnTurnComplete(ctx, run, outcome)
	}
}

