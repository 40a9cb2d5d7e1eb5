package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/google/uuid"
)

// OutboxMessage is a unit of deferred work committed in the same
// transaction as the state change that requires it.
type OutboxMessage struct {
	ent.Schema
}

func (OutboxMessage) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "outbox_messages"},
	}
}

func (OutboxMessage) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}),
		field.String("type").MaxLen(64),
		field.JSON("payload", json.RawMessage{}),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("processed_at").Optional().Nillable(),
		field.Int("attempt_count").Default(0),
		field.String("last_error").MaxLen(500).Optional().Nillable(),
		field.String("locked_by").MaxLen(255).Optional().Nillable(),
		field.Time("locked_until").Optional().Nillable(),
	}
}

func (OutboxMessage) Indexes() []ent.Index {
	return []ent.Index{
		// The scout only ever reads unprocessed rows, oldest first.
		index.Fields("created_at").
			StorageKey("idx_outbox_messages_unprocessed").
			Annotations(entsql.IndexWhere("processed_at IS NULL")),
		// Retention purge scans finished rows by completion time.
		index.Fields("processed_at").
			StorageKey("idx_outbox_messages_processed_at").
			Annotations(entsql.IndexWhere("processed_at IS NOT NULL")),
	}
}
