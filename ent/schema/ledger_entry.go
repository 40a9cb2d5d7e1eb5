package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"

	"github.com/shopspring/decimal"
)

// LedgerEntry is an append-only money movement. The unique reference_id
// is the last line of defense against double application; everything
// upstream (step locks, key consumption) only narrows the window.
type LedgerEntry struct {
	ent.Schema
}

func (LedgerEntry) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{
			Table: "ledger_entries",
			Checks: map[string]string{
				"ledger_entries_entry_type_check": "entry_type IN (1, 2, 3)",
			},
		},
	}
}

func (LedgerEntry) Fields() []ent.Field {
	return []ent.Field{
		field.String("account_id").MaxLen(64),
		field.Other("amount", decimal.Decimal{}).
			SchemaType(map[string]string{dialect.Postgres: "numeric(18,2)"}).
			Default(decimal.Decimal{}),
		field.Int("entry_type").
			SchemaType(map[string]string{dialect.Postgres: "smallint"}),
		field.String("reference_id").MaxLen(255).Unique(),
		field.String("reason").MaxLen(255).Optional().Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

func (LedgerEntry) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("account_id").
			StorageKey("idx_ledger_entries_account_id"),
	}
}
