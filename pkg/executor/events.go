package executor

import "context"

// TypingStartPayload announces that a speaker has begun generating, so
// clients can render a typing indicator before any content exists.
type TypingStartPayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	SpeakerName    string `json:"speaker_name"`
	AvatarURL      string `json:"avatar_url,omitempty"`
	BubbleClass    string `json:"bubble_class,omitempty"`
	IsUser         bool   `json:"is_user"`
}

// StreamChunkPayload carries the cumulative generated content for one
// run; no database row is mutated while these are published.
type StreamChunkPayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
	Content        string `json:"content"`
}

// StreamCompletePayload closes out a run's ephemeral stream, successful
// or not.
type StreamCompletePayload struct {
	ConversationID string `json:"conversation_id"`
	RunID          string `json:"run_id"`
}

// MessageCreatedPayload is the persistent, DOM-visible fan-out of a
// committed assistant message. Clients never see this until after the
// commit transaction lands.
type MessageCreatedPayload struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	RunID          string `json:"run_id"`
	Content        string `json:"content"`
}

// Publisher is the executor's event fan-out collaborator. Implemented
// by pkg/events; defined as an interface here to avoid a circular
// import and to make the executor testable without a real channel.
type Publisher interface {
	PublishTypingStart(ctx context.Context, payload TypingStartPayload) error
	PublishStreamChunk(ctx context.Context, payload StreamChunkPayload) error
	PublishStreamComplete(ctx context.Context, payload StreamCompletePayload) error
	PublishMessageCreated(ctx context.Context, payload MessageCreatedPayload) error
}
