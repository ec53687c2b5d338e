package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"metered_gateway/internal/models"
)

const insertUsageQuery = `
	INSERT INTO usage_logs (
		id, user_id, api_key_id, model_id, request_id,
		input_tokens, output_tokens, cost, created_at
	) VALUES (
		:id, :user_id, :api_key_id, :model_id, :request_id,
		:input_tokens, :output_tokens, :cost, :created_at
	)
`

// UsageRepository handles the append-only usage log
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func prepareUsageRecord(record *models.UsageRecord) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
}

// Create appends a usage record
func (r *UsageRepository) Create(ctx context.Context, record *models.UsageRecord) error {
	prepareUsageRecord(record)

	if _, err := r.db.conn.NamedExecContext(ctx, insertUsageQuery, record); err != nil {
		return fmt.Errorf("failed to create usage record: %w", err)
	}
	return nil
}

// Append implements the billing usage log by inserting synchronously
func (r *UsageRepository) Append(ctx context.Context, record *models.UsageRecord) error {
	return r.Create(ctx, record)
}

// InsertBatch appends records in a single transaction
func (r *UsageRepository) InsertBatch(ctx context.Context, records []*models.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, record := range records {
		prepareUsageRecord(record)
		if _, err := tx.NamedExecContext(ctx, insertUsageQuery, record); err != nil {
			return fmt.Errorf("failed to insert usage record %s: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListByAccount returns the most recent usage records of an account
func (r *UsageRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*models.UsageRecord, error) {
	query := `
		SELECT id, user_id, api_key_id, model_id, request_id,
		       input_tokens, output_tokens, cost, created_at
		FROM usage_logs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	var records []*models.UsageRecord
	if err := r.db.conn.SelectContext(ctx, &records, query, accountID, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to get usage records: %w", err)
	}
	return records, nil
}

// TotalCostByAccount sums the billed cost of an account in [start, end)
func (r *UsageRepository) TotalCostByAccount(ctx context.Context, accountID string, start, end time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_logs
		WHERE user_id = $1
		  AND created_at >= $2
		  AND created_at < $3
	`

	var total float64
	if err := r.db.conn.GetContext(ctx, &total, query, accountID, start, end); err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}
	return total, nil
}
