package schema

import (
	"encoding/json"

	"github.com/veltapay/sagaflow/ent/schema/mixins"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Saga is the durable per-saga snapshot row. It is the single source of
// truth for recovery; everything else can be rebuilt from it.
type Saga struct {
	ent.Schema
}

func (Saga) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{Table: "sagas"},
	}
}

func (Saga) Mixin() []ent.Mixin {
	return []ent.Mixin{
		mixins.TimeMixin{},
	}
}

func (Saga) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}),
		field.String("state").MaxLen(32),
		field.Int("current_step_index").Default(0),
		field.JSON("data_json", json.RawMessage{}),
		field.String("data_type").MaxLen(64),
		field.Other("error_log", pq.StringArray{}).
			SchemaType(map[string]string{dialect.Postgres: "text[]"}).
			Default(pq.StringArray{}),
	}
}
