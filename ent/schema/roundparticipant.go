package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ConversationRoundParticipant holds the schema definition for the
// ConversationRoundParticipant entity — a single roster slot within a
// ConversationRound, fixed at round-open time.
type ConversationRoundParticipant struct {
	ent.Schema
}

// Fields of the ConversationRoundParticipant.
func (ConversationRoundParticipant) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("round_participant_id").
			Unique().
			Immutable(),
		field.String("round_id").
			Immutable(),
		field.String("space_membership_id").
			Immutable(),
		field.Int("position").
			Immutable().
			Comment("Order within the round; matches Conversation.round_queue_ids at open time"),
		field.Enum("status").
			Values("pending", "succeeded", "failed", "skipped", "canceled").
			Default("pending"),
	}
}

// Edges of the ConversationRoundParticipant.
func (ConversationRoundParticipant) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("round", ConversationRound.Type).
			Ref("participants").
			Field("round_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the ConversationRoundParticipant.
func (ConversationRoundParticipant) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("round_id", "position").
			Unique(),
		index.Fields("round_id", "status"),
	}
}
