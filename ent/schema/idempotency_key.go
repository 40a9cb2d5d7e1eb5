package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
)

// IdempotencyKey is one claimable unit of side-effect protection. The key
// string itself is the primary key; a worker holds the row through
// locked_by/locked_until and seals it by flipping is_consumed.
type IdempotencyKey struct {
	ent.Schema
}

func (IdempotencyKey) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "idempotency_keys"},
	}
}

func (IdempotencyKey) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("key").
			MaxLen(255),
		field.Bool("is_consumed").Default(false),
		field.String("locked_by").MaxLen(64).Optional().Nillable(),
		field.Time("locked_until").Optional().Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}
