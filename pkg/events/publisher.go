package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/convoke-run/convoke/pkg/executor"
)

// maxNotifyPayloadBytes stays comfortably under PostgreSQL's 8000-byte
// NOTIFY payload limit.
const maxNotifyPayloadBytes = 7900

// EventPublisher implements pkg/executor.Publisher and
// pkg/turnscheduler.Notifier over PostgreSQL NOTIFY. Every event is
// NOTIFY-only: the ephemeral ones are transient by design, and the one
// persistent event (message_created) needs no separate insert because
// the executor has already committed the message row by the time it
// calls PublishMessageCreated — the row itself is the durable record,
// recovered on reconnect by MessageCatchupAdapter rather than a
// buffered events table.
type EventPublisher struct {
	db *sql.DB
}

// NewEventPublisher creates an EventPublisher. db should be the
// *sql.DB backing the same connection pool ent writes through, so
// pg_notify from a NOTIFY-only ephemeral publish and a just-committed
// message share ordinary read-committed visibility.
func NewEventPublisher(db *sql.DB) *EventPublisher {
	return &EventPublisher{db: db}
}

// PublishTypingStart implements executor.Publisher.
func (p *EventPublisher) PublishTypingStart(ctx context.Context, payload executor.TypingStartPayload) error {
	return p.notify(ctx, EphemeralChannel(payload.ConversationID), typingStartWire{
		Type:               EventTypeTypingStart,
		Timestamp:          nowStamp(),
		TypingStartPayload: payload,
	})
}

// PublishStreamChunk implements executor.Publisher.
func (p *EventPublisher) PublishStreamChunk(ctx context.Context, payload executor.StreamChunkPayload) error {
	return p.notify(ctx, EphemeralChannel(payload.ConversationID), streamChunkWire{
		Type:               EventTypeStreamChunk,
		Timestamp:          nowStamp(),
		StreamChunkPayload: payload,
	})
}

// PublishStreamComplete implements executor.Publisher.
func (p *EventPublisher) PublishStreamComplete(ctx context.Context, payload executor.StreamCompletePayload) error {
	return p.notify(ctx, EphemeralChannel(payload.ConversationID), streamCompleteWire{
		Type:                  EventTypeStreamComplete,
		Timestamp:             nowStamp(),
		StreamCompletePayload: payload,
	})
}

// PublishMessageCreated implements executor.Publisher. Published on
// the persistent channel, distinct from the ephemeral one the same
// run's typing/stream events used.
func (p *EventPublisher) PublishMessageCreated(ctx context.Context, payload executor.MessageCreatedPayload) error {
	return p.notify(ctx, ConversationChannel(payload.ConversationID), messageCreatedWire{
		Type:                  EventTypeMessageCreated,
		Timestamp:             nowStamp(),
		MessageCreatedPayload: payload,
	})
}

// PublishCopilotModeChanged implements turnscheduler.Notifier.
func (p *EventPublisher) PublishCopilotModeChanged(ctx context.Context, conversationID, membershipID string) error {
	return p.notify(ctx, EphemeralChannel(conversationID), copilotModeChangedWire{
		Type:      EventTypeCopilotModeChanged,
		Timestamp: nowStamp(),
		CopilotModeChangedPayload: CopilotModeChangedPayload{
			ConversationID: conversationID,
			MembershipID:   membershipID,
		},
	})
}

// notify marshals v and issues pg_notify, degrading oversized payloads
// to a truncation marker rather than failing the publish outright —
// the next chunk, or the terminal stream_complete/message_created,
// recovers full state for the client.
func (p *EventPublisher) notify(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	if len(payload) > maxNotifyPayloadBytes {
		eventType, convID := routingFields(payload)
		slog.Warn("event payload exceeds NOTIFY limit, truncating", "channel", channel, "bytes", len(payload), "type", eventType)
		payload, err = json.Marshal(map[string]any{
			"type":            eventType,
			"conversation_id": convID,
			"truncated":       true,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal truncation marker: %w", err)
		}
	}

	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify on channel %s failed: %w", channel, err)
	}
	return nil
}

// routingFields extracts the two fields every wire payload carries, so
// a truncated event still tells the client what was dropped and for
// which conversation.
func routingFields(payload []byte) (eventType, conversationID string) {
	var routing struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	_ = json.Unmarshal(payload, &routing)
	return routing.Type, routing.ConversationID
}
