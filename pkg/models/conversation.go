package models

import "time"

// CreateConversationRequest contains fields for creating a new conversation.
type CreateConversationRequest struct {
	ConversationID       string  `json:"conversation_id"`
	SpaceID              string  `json:"space_id"`
	Kind                 string  `json:"kind,omitempty"`
	ParentConversationID *string `json:"parent_conversation_id,omitempty"`
	ForkedFromMessageID  *string `json:"forked_from_message_id,omitempty"`
}

// ConversationFilters contains filtering options for listing conversations.
type ConversationFilters struct {
	SpaceID         string     `json:"space_id,omitempty"`
	SchedulingState string     `json:"scheduling_state,omitempty"`
	CreatedAfter    *time.Time `json:"created_after,omitempty"`
	Limit           int        `json:"limit,omitempty"`
	Offset          int        `json:"offset,omitempty"`
}

// PostMessageRequest is the trigger for a user-authored message: it
// both appends to the timeline and (per the space's input policy)
// drives the run planner.
type PostMessageRequest struct {
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	Text           string  `json:"text"`
	SpeakerMembershipID *string `json:"speaker_space_membership_id,omitempty"`
}

// RegenerateRequest asks the planner to queue a regenerate run for the
// given message, replacing its active swipe on success.
type RegenerateRequest struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

// ForceTalkRequest asks the planner to queue an out-of-turn generation
// for a specific participant.
type ForceTalkRequest struct {
	ConversationID              string `json:"conversation_id"`
	SpeakerSpaceMembershipID string `json:"speaker_space_membership_id"`
	Reason                       string `json:"reason,omitempty"`
}
