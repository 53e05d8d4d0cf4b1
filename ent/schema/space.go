package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
)

// Space holds the schema definition for the Space entity.
// A Space is the configuration container the scheduler treats as
// immutable-by-reference: conversations and memberships belong to it,
// but the scheduler itself never mutates a Space's settings.
type Space struct {
	ent.Schema
}

// Fields of the Space.
func (Space) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("space_id").
			Unique().
			Immutable(),
		field.String("name"),
		field.Enum("reply_order").
			Values("manual", "natural", "list", "pooled").
			Default("manual").
			Comment("Speaker-selection strategy used by the planner"),
		field.Bool("allow_self_responses").
			Default(false),
		field.Bool("auto_mode_enabled").
			Default(false),
		field.Int("auto_mode_delay_ms").
			Default(0),
		field.Int("auto_mode_max_rounds").
			Default(10).
			Comment("Rounds-remaining budget seeded when auto-mode is enabled"),
		field.Int("auto_mode_rounds_remaining").
			Default(0),
		field.Enum("during_generation_user_input_policy").
			Values("reject", "queue", "restart").
			Default("queue"),
		field.Int("user_turn_debounce_ms").
			Default(0),
		field.String("card_handling_mode").
			Optional().
			Nillable(),
		field.Bool("relax_message_trim").
			Default(false).
			Comment("Skip the group-trim step (§4.5 step 5) when true"),
		field.Int64("token_limit").
			Optional().
			Nillable().
			Comment("Per-space ceiling; nil means unbounded"),
		field.Int64("prompt_tokens_total").
			Default(0),
		field.Int64("completion_tokens_total").
			Default(0),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Space.
func (Space) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("memberships", SpaceMembership.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("conversations", Conversation.Type).
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}
