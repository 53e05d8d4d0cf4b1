package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Conversation holds the schema definition for the Conversation entity —
// a message timeline inside a Space.
type Conversation struct {
	ent.Schema
}

// Fields of the Conversation.
func (Conversation) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("conversation_id").
			Unique().
			Immutable(),
		field.String("space_id").
			Immutable(),
		field.Enum("kind").
			Values("root", "branch", "thread").
			Default("root"),
		field.String("parent_conversation_id").
			Optional().
			Nillable(),
		field.String("forked_from_message_id").
			Optional().
			Nillable(),
		field.Int64("prompt_tokens_total").
			Default(0),
		field.Int64("completion_tokens_total").
			Default(0),
		field.JSON("round_queue_ids", []string{}).
			Optional().
			Comment("Cached copy of the active round's participant id order"),
		field.Int64("group_queue_revision").
			Default(0).
			Comment("Monotone fence; clients discard updates whose render_seq is <= last observed"),
		field.Enum("scheduling_state").
			Values("idle", "ai_generating", "paused", "failed").
			Default("idle").
			Comment("Cached projection of the active ConversationRound"),
		field.String("active_round_id").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Conversation.
func (Conversation) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("space", Space.Type).
			Ref("conversations").
			Field("space_id").
			Unique().
			Required().
			Immutable(),
		edge.To("messages", Message.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("runs", ConversationRun.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("rounds", ConversationRound.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Conversation.
func (Conversation) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("space_id"),
		index.Fields("parent_conversation_id"),
		index.Fields("scheduling_state"),
	}
}
