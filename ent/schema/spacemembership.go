package schema

import (
	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// SpaceMembership holds the schema definition for the SpaceMembership
// entity — a participant slot within a Space.
type SpaceMembership struct {
	ent.Schema
}

// Fields of the SpaceMembership.
func (SpaceMembership) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("membership_id").
			Unique().
			Immutable(),
		field.String("space_id").
			Immutable(),
		field.Enum("kind").
			Values("human", "character").
			Comment("Polymorphic discriminator; behavior dispatched by strategy, not inheritance"),
		field.String("display_name"),
		field.Int("position").
			Comment("Ordered rotation slot used by the list strategy"),
		field.Enum("participation").
			Values("active", "muted", "observer").
			Default("active"),
		field.Enum("status").
			Values("active", "removed").
			Default("active"),
		field.Bool("can_auto_respond").
			Default(true).
			Comment("Scheduler only considers status=active AND participation=active AND can_auto_respond=true"),
		field.Float("talkativeness_factor").
			Optional().
			Nillable().
			Comment("[0.0,1.0]; nil defaults to 0.5 at selection time"),
		field.Enum("copilot_mode").
			Values("none", "full").
			Default("none").
			Comment("Only meaningful when kind=human with a bound character"),
		field.Int("copilot_remaining_steps").
			Default(0).
			Comment("[0,10]; decremented on successful copilot turns only"),
		field.String("bound_character_membership_id").
			Optional().
			Nillable().
			Comment("For kind=human copilot participants"),
	}
}

// Edges of the SpaceMembership.
func (SpaceMembership) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("space", Space.Type).
			Ref("memberships").
			Field("space_id").
			Unique().
			Required().
			Immutable(),
		edge.To("runs", ConversationRun.Type),
	}
}

// Indexes of the SpaceMembership.
func (SpaceMembership) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("space_id", "position"),
		index.Fields("space_id", "status", "participation"),
	}
}
