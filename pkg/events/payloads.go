package events

import (
	"time"

	"github.com/convoke-run/convoke/pkg/executor"
)

// Wire payloads embed the collaborator-defined domain payload (the
// shape pkg/executor/pkg/turnscheduler already construct) plus the
// type discriminator and timestamp clients need to route the decoded
// JSON. Field embedding flattens both into one flat object on the
// wire — there is no nested "payload" key.

type typingStartWire struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	executor.TypingStartPayload
}

type streamChunkWire struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	executor.StreamChunkPayload
}

type streamCompleteWire struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	executor.StreamCompletePayload
}

type messageCreatedWire struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	executor.MessageCreatedPayload
}

// CopilotModeChangedPayload is published when a copilot human's
// remaining-steps budget reaches zero and copilot_mode flips to
// "none" (spec.md §4.6 step 3, worked example line 287 — auto-mode
// itself is left untouched).
type CopilotModeChangedPayload struct {
	ConversationID string `json:"conversation_id"`
	MembershipID   string `json:"membership_id"`
}

type copilotModeChangedWire struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	CopilotModeChangedPayload
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
