package events

import (
	"encoding/json"
	"testing"

	"github.com/convoke-run/convoke/pkg/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWirePayloads_ContainConversationIDAndType is a contract test: any
// payload broadcast on a conversation channel MUST include a non-empty
// "conversation_id" and "type" at the top level of the decoded JSON, or
// routingFields' truncation fallback and every client's channel router
// silently drop it. Every wire*  struct is built by embedding a
// collaborator payload that already carries conversation_id, plus the
// Type/Timestamp fields added here -- this test guards against a new
// wire payload that forgets one of the two.
func TestWirePayloads_ContainConversationIDAndType(t *testing.T) {
	const convID = "conv-contract-test"

	tests := []struct {
		name    string
		payload any
	}{
		{name: "typingStartWire", payload: typingStartWire{
			Type: EventTypeTypingStart, Timestamp: nowStamp(),
			TypingStartPayload: executor.TypingStartPayload{ConversationID: convID},
		}},
		{name: "streamChunkWire", payload: streamChunkWire{
			Type: EventTypeStreamChunk, Timestamp: nowStamp(),
			StreamChunkPayload: executor.StreamChunkPayload{ConversationID: convID},
		}},
		{name: "streamCompleteWire", payload: streamCompleteWire{
			Type: EventTypeStreamComplete, Timestamp: nowStamp(),
			StreamCompletePayload: executor.StreamCompletePayload{ConversationID: convID},
		}},
		{name: "messageCreatedWire", payload: messageCreatedWire{
			Type: EventTypeMessageCreated, Timestamp: nowStamp(),
			MessageCreatedPayload: executor.MessageCreatedPayload{ConversationID: convID},
		}},
		{name: "copilotModeChangedWire", payload: copilotModeChangedWire{
			Type: EventTypeCopilotModeChanged, Timestamp: nowStamp(),
			CopilotModeChangedPayload: CopilotModeChangedPayload{ConversationID: convID},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(tt.payload)
			require.NoError(t, err)

			var decoded map[string]any
			require.NoError(t, json.Unmarshal(raw, &decoded))

			assert.Equal(t, convID, decoded["conversation_id"], "conversation_id must survive JSON round trip")
			assert.NotEmpty(t, decoded["type"], "type discriminator must be present")
			assert.NotEmpty(t, decoded["timestamp"], "timestamp must be present")
		})
	}
}

// TestRoutingFields_SurvivesTruncation verifies a truncated payload
// still carries the routing fields the client needs, since
// routingFields is what backs the degrade-on-oversize path in notify.
func TestRoutingFields_SurvivesTruncation(t *testing.T) {
	wire := streamChunkWire{
		Type:      EventTypeStreamChunk,
		Timestamp: nowStamp(),
		StreamChunkPayload: executor.StreamChunkPayload{
			ConversationID: "conv-trunc",
			RunID:          "run-1",
			Content:        "hello",
		},
	}
	raw, err := json.Marshal(wire)
	require.NoError(t, err)

	eventType, convID := routingFields(raw)
	assert.Equal(t, EventTypeStreamChunk, eventType)
	assert.Equal(t, "conv-trunc", convID)
}
