package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/field"
)

// TextContent holds the schema definition for the TextContent entity — a
// reference-counted text blob shared by a Message and its branches, so
// that forking a conversation can copy-on-write instead of duplicating
// storage.
type TextContent struct {
	ent.Schema
}

// Fields of the TextContent.
func (TextContent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("text_content_id").
			Unique().
			Immutable(),
		field.Text("body"),
		field.Int("ref_count").
			Default(1).
			Comment("Incremented when a branch reuses this blob, decremented on message/swipe destruction"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}
