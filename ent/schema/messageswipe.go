package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// MessageSwipe holds the schema definition for the MessageSwipe entity —
// an alternate generation for an assistant Message. Position 0 is the
// original generation; regenerate appends new positions.
type MessageSwipe struct {
	ent.Schema
}

// Fields of the MessageSwipe.
func (MessageSwipe) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("message_swipe_id").
			Unique().
			Immutable(),
		field.String("message_id").
			Immutable(),
		field.Int("position").
			Immutable().
			Comment(">=0; 0 is the message's original generation"),
		field.String("text_content_id"),
		field.Bool("is_active").
			Default(false).
			Comment("Exactly one swipe per message has is_active=true; mirrors Message.active_message_swipe_id"),
		field.String("conversation_run_id").
			Optional().
			Nillable().
			Comment("The run that produced this swipe, if regenerated"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the MessageSwipe.
func (MessageSwipe) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("message", Message.Type).
			Ref("swipes").
			Field("message_id").
			Unique().
			Required().
			Immutable(),
	}
}

// Indexes of the MessageSwipe.
func (MessageSwipe) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("message_id", "position").
			Unique(),
	}
}
