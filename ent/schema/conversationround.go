package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ConversationRound holds the schema definition for the ConversationRound
// entity — one pass through the speaking order: a fixed roster of
// participants each taking at most one turn before the round closes and
// the next one opens (or auto-mode stops).
type ConversationRound struct {
	ent.Schema
}

// Fields of the ConversationRound.
func (ConversationRound) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("round_id").
			Unique().
			Immutable(),
		field.String("conversation_id").
			Immutable(),
		field.Enum("status").
			Values("active", "completed", "canceled").
			Default("active"),
		field.Enum("scheduling_state").
			Values("idle", "ai_generating", "paused", "failed").
			Default("idle"),
		field.Int("current_position").
			Default(0).
			Comment("Index into the round's participant roster; advanced by roundledger.Store.Advance"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the ConversationRound.
func (ConversationRound) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("conversation", Conversation.Type).
			Ref("rounds").
			Field("conversation_id").
			Unique().
			Required().
			Immutable(),
		edge.To("participants", ConversationRoundParticipant.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the ConversationRound.
func (ConversationRound) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("conversation_id", "status"),
	}
}
