package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"metered_gateway/internal/models"
	"metered_gateway/internal/pricing"
)

const modelColumns = `id, provider, upstream_model_id, input_price, output_price, markup_rate, is_active, created_at`

// ModelRepository handles the models table with caching. It is the pricing
// reference source of the cost calculator.
type ModelRepository struct {
	db    *DB
	cache *ModelCache
}

// NewModelRepository creates a new model repository
func NewModelRepository(db *DB) *ModelRepository {
	return &ModelRepository{
		db:    db,
		cache: db.modelCache,
	}
}

// GetByID retrieves a model by its public name (with caching). Misses are
// cached too, so unknown model names do not hit the database per request.
func (r *ModelRepository) GetByID(ctx context.Context, id string) (*models.Model, error) {
	if cached, known := r.cache.Lookup(id); known {
		if cached == nil {
			return nil, ErrModelNotFound
		}
		return cached, nil
	}

	var model models.Model
	query := `SELECT ` + modelColumns + ` FROM models WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &model, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		r.cache.Remember(id, nil)
		return nil, ErrModelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}

	r.cache.Remember(id, &model)
	return &model, nil
}

// ListActive returns all active models ordered by name
func (r *ModelRepository) ListActive(ctx context.Context) ([]models.Model, error) {
	query := `SELECT ` + modelColumns + ` FROM models WHERE is_active = TRUE ORDER BY id`

	var out []models.Model
	if err := r.db.conn.SelectContext(ctx, &out, query); err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	return out, nil
}

// Upsert creates or replaces a model row and invalidates its cache entry
func (r *ModelRepository) Upsert(ctx context.Context, model *models.Model) error {
	query := `
		INSERT INTO models (id, provider, upstream_model_id, input_price, output_price, markup_rate, is_active)
		VALUES (:id, :provider, :upstream_model_id, :input_price, :output_price, :markup_rate, :is_active)
		ON CONFLICT (id) DO UPDATE SET
			provider = EXCLUDED.provider,
			upstream_model_id = EXCLUDED.upstream_model_id,
			input_price = EXCLUDED.input_price,
			output_price = EXCLUDED.output_price,
			markup_rate = EXCLUDED.markup_rate,
			is_active = EXCLUDED.is_active
	`

	if model.Provider == "" {
		model.Provider = "openai"
	}

	if _, err := r.db.conn.NamedExecContext(ctx, query, model); err != nil {
		return fmt.Errorf("failed to upsert model %s: %w", model.ID, err)
	}

	r.cache.Forget(model.ID)
	return nil
}

// SeedPrices inserts a row for every table entry
func (r *ModelRepository) SeedPrices(ctx context.Context, table pricing.Table) error {
	for name, price := range table {
		m := &models.Model{
			ID:          name,
			InputPrice:  sql.NullFloat64{Float64: price.Input, Valid: true},
			OutputPrice: sql.NullFloat64{Float64: price.Output, Valid: true},
			MarkupRate:  sql.NullFloat64{Float64: price.Markup, Valid: price.Markup > 0},
			IsActive:    true,
		}
		if err := r.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// LookupPrice implements pricing.ReferenceSource. Inactive rows and rows
// without both token prices are not used for billing.
func (r *ModelRepository) LookupPrice(ctx context.Context, model string) (pricing.Price, bool, error) {
	m, err := r.GetByID(ctx, model)
	if errors.Is(err, ErrModelNotFound) {
		return pricing.Price{}, false, nil
	}
	if err != nil {
		return pricing.Price{}, false, err
	}

	p, ok := PriceOf(m)
	return p, ok, nil
}

// PriceOf converts a models row to a price
func PriceOf(m *models.Model) (pricing.Price, bool) {
	if !m.IsActive || !m.HasPricing() {
		return pricing.Price{}, false
	}

	p := pricing.Price{
		Input:  m.InputPrice.Float64,
		Output: m.OutputPrice.Float64,
	}
	if m.MarkupRate.Valid {
		p.Markup = m.MarkupRate.Float64
	}
	return p, true
}
