package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ConversationRun holds the schema definition for the ConversationRun
// entity — a single unit of scheduled work: one participant's turn, a
// regenerate, a forced interjection, or a translation pass.
//
// Partial unique indexes enforcing "at most one running row" and "at
// most one queued row" per conversation cannot be expressed through the
// ent schema DSL (index.Fields has no WHERE clause support for this
// driver combination) and are created by hand in the migration SQL
// instead; see pkg/database/migrations.
type ConversationRun struct {
	ent.Schema
}

// Fields of the ConversationRun.
func (ConversationRun) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("conversation_id").
			Immutable(),
		field.Enum("kind").
			Values("auto_response", "regenerate", "force_talk", "translation").
			Immutable(),
		field.Enum("status").
			Values("queued", "running", "succeeded", "failed", "canceled", "skipped").
			Default("queued"),
		field.String("reason").
			Optional().
			Comment("Human-readable cause: 'auto-advance', 'user requested', 'copilot', ..."),
		field.String("speaker_space_membership_id").
			Comment("Mutable while the run is still queued: the planner's upsert overwrites it when a follow-up trigger picks a different speaker"),
		field.Time("run_after").
			Optional().
			Nillable().
			Comment("claim_atomic only considers rows where run_after IS NULL OR run_after <= now()"),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("finished_at").
			Optional().
			Nillable(),
		field.Time("heartbeat_at").
			Optional().
			Nillable().
			Comment("Refreshed periodically by the executing worker; reaper compares against a threshold"),
		field.Time("cancel_requested_at").
			Optional().
			Nillable(),
		field.String("conversation_round_id").
			Optional().
			Nillable(),
		field.JSON("error", map[string]interface{}{}).
			Optional().
			Comment("{code, message, details} populated when a run ends with a reason code (failed, canceled or skipped)"),
		field.JSON("debug", map[string]interface{}{}).
			Optional().
			Comment("expected_last_message_id, scheduled_by, and other non-authoritative diagnostics"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the ConversationRun.
func (ConversationRun) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("conversation", Conversation.Type).
			Ref("runs").
			Field("conversation_id").
			Unique().
			Required().
			Immutable(),
		edge.From("speaker", SpaceMembership.Type).
			Ref("runs").
			Field("speaker_space_membership_id").
			Unique().
			Required(),
	}
}

// Indexes of the ConversationRun.
func (ConversationRun) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("conversation_id", "status"),
		index.Fields("status", "run_after"),
		index.Fields("heartbeat_at"),
	}
}
