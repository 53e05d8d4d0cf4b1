package turnscheduler

import "context"

// Notifier is the scheduler's narrow fan-out collaborator, implemented
// by pkg/events. Kept separate from pkg/executor.Publisher since this
// is a conversation-level broadcast, not a per-run stream event.
type Notifier interface {
	PublishCopilotModeChanged(ctx context.Context, conversationID, membershipID string) error
}
