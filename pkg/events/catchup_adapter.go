package events

import (
	"context"
	"strings"
	"time"

	"github.com/convoke-run/convoke/ent"
	"github.com/convoke-run/convoke/ent/message"
)

// MessageCatchupAdapter implements CatchupQuerier directly against the
// messages table. Unlike the teacher's EventServiceAdapter (which
// queried a standalone events log), there is no separate log here — a
// committed assistant message row already IS the durable record of its
// own message_created event, so catchup is just "messages with seq
// greater than what the client last saw."
type MessageCatchupAdapter struct {
	client *ent.Client
}

// NewMessageCatchupAdapter creates a MessageCatchupAdapter.
func NewMessageCatchupAdapter(client *ent.Client) *MessageCatchupAdapter {
	return &MessageCatchupAdapter{client: client}
}

// GetCatchupEvents returns message_created payloads for every
// assistant message committed after sinceID (a seq value) on the
// conversation named by channel. Ephemeral channels have no catchup
// history — spec.md §5 treats out-of-order ephemeral delivery as
// expected and fences it on the client via render_seq /
// group_queue_revision rather than recovering it here.
func (a *MessageCatchupAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	conversationID, ok := conversationIDFromPersistentChannel(channel)
	if !ok {
		return nil, nil
	}

	msgs, err := a.client.Message.Query().
		Where(
			message.ConversationID(conversationID),
			message.RoleEQ(message.RoleAssistant),
			message.SeqGT(sinceID),
		).
		Order(ent.Asc(message.FieldSeq)).
		Limit(limit).
		All(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, 0, len(msgs))
	for _, m := range msgs {
		content, err := a.client.TextContent.Get(ctx, m.TextContentID)
		if err != nil {
			continue
		}
		result = append(result, CatchupEvent{
			ID: m.Seq,
			Payload: map[string]any{
				"type":            EventTypeMessageCreated,
				"conversation_id": m.ConversationID,
				"message_id":      m.ID,
				"run_id":          derefOrEmpty(m.ConversationRunID),
				"content":         content.Body,
				"timestamp":       m.CreatedAt.UTC().Format(time.RFC3339Nano),
			},
		})
	}
	return result, nil
}

func conversationIDFromPersistentChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, conversationChannelPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(channel, conversationChannelPrefix)
	if strings.HasSuffix(rest, ephemeralChannelSuffix) {
		return "", false
	}
	return rest, true
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
