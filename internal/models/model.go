package models

import (
	"database/sql"
	"time"
)

//
// Model (models table)
//

// Model is the pricing reference row for a model exposed by the gateway.
// Prices are USD per million tokens.
type Model struct {
	ID              string          `db:"id" json:"id"`
	Provider        string          `db:"provider" json:"provider"`
	UpstreamModelID sql.NullString  `db:"upstream_model_id" json:"-"`
	InputPrice      sql.NullFloat64 `db:"input_price" json:"-"`
	OutputPrice     sql.NullFloat64 `db:"output_price" json:"-"`
	MarkupRate      sql.NullFloat64 `db:"markup_rate" json:"-"`
	IsActive        bool            `db:"is_active" json:"is_active"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// HasPricing reports whether both token prices are set. Rows without
// pricing only contribute to the model listing.
func (m *Model) HasPricing() bool {
	return m.InputPrice.Valid && m.OutputPrice.Valid
}
