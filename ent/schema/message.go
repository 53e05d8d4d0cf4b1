package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Message holds the schema definition for the Message entity — an
// ordered entry on a Conversation's timeline.
type Message struct {
	ent.Schema
}

// Fields of the Message.
func (Message) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_id").
			Unique().
			Immutable(),
		field.String("conversation_id").
			Immutable(),
		field.Int("seq").
			Immutable().
			Comment("max(seq)+1 under the conversation's row lock; unique per conversation"),
		field.Enum("role").
			Values("user", "assistant", "system"),
		field.Enum("visibility").
			Values("normal", "excluded", "hidden").
			Default("normal"),
		field.String("text_content_id").
			Comment("Content is stored by reference; see TextContent"),
		field.String("active_message_swipe_id").
			Optional().
			Nillable(),
		field.Int("message_swipes_count").
			Default(0),
		field.Enum("generation_status").
			Values("none", "streaming", "committed").
			Default("committed").
			Comment("'none' for user/system messages; assistant messages are only ever inserted at 'committed'"),
		field.String("conversation_run_id").
			Optional().
			Nillable().
			Comment("The run that produced this message, if any"),
		field.String("speaker_space_membership_id").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the Message.
func (Message) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("conversation", Conversation.Type).
			Ref("messages").
			Field("conversation_id").
			Unique().
			Required().
			Immutable(),
		edge.To("swipes", MessageSwipe.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the Message.
func (Message) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("conversation_id", "seq").
			Unique(),
		index.Fields("conversation_id", "visibility"),
	}
}
