package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tool_broker/internal/models"
)

const usageColumns = `id, user_id, payer_id, uses_credits, chat_id,
	tool_id, tool_name, provider_id, provider_name, purpose,
	timestamp, runtime_seconds, remote_runtime_seconds,
	input_tokens, output_tokens, search_tokens, total_tokens,
	input_image_sizes, output_image_sizes,
	model_cost, remote_runtime_cost, api_call_cost, maintenance_fee, total_cost,
	is_failed`

const insertUsageQuery = `
	INSERT INTO tools_usage (` + usageColumns + `)
	VALUES (:id, :user_id, :payer_id, :uses_credits, :chat_id,
	        :tool_id, :tool_name, :provider_id, :provider_name, :purpose,
	        :timestamp, :runtime_seconds, :remote_runtime_seconds,
	        :input_tokens, :output_tokens, :search_tokens, :total_tokens,
	        :input_image_sizes, :output_image_sizes,
	        :model_cost, :remote_runtime_cost, :api_call_cost, :maintenance_fee, :total_cost,
	        :is_failed)
	ON CONFLICT (id) DO NOTHING
`

// UsageRepository handles tool usage database operations
type UsageRepository struct {
	db *DB
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Save inserts a usage record. Saving the same record ID twice is a no-op,
// so retried writes never double count.
func (r *UsageRepository) Save(ctx context.Context, record *models.UsageRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}

	if _, err := r.db.conn.NamedExecContext(ctx, insertUsageQuery, record); err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// SaveBatch inserts several usage records in a single transaction
func (r *UsageRepository) SaveBatch(ctx context.Context, records []*models.UsageRecord) error {
	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, insertUsageQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, record := range records {
			if record.ID == uuid.Nil {
				record.ID = uuid.New()
			}
			if _, err := stmt.ExecContext(ctx, record); err != nil {
				return fmt.Errorf("failed to insert usage record: %w", err)
			}
		}
		return nil
	})
}

// GetByID retrieves a usage record by ID
func (r *UsageRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	var record models.UsageRecord
	query := `SELECT ` + usageColumns + ` FROM tools_usage WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &record, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}

	return &record, nil
}

// ListByUser returns the user's most recent usage records, newest first
func (r *UsageRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	query := `
		SELECT ` + usageColumns + `
		FROM tools_usage
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	var records []*models.UsageRecord
	if err := r.db.conn.SelectContext(ctx, &records, query, userID, limit); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	return records, nil
}

// SpentByPayer sums the settled cost of every credited, successful record charged to a payer
func (r *UsageRepository) SpentByPayer(ctx context.Context, payerID uuid.UUID) (float64, error) {
	var total sql.NullFloat64
	query := `SELECT SUM(total_cost) FROM tools_usage WHERE payer_id = $1 AND uses_credits AND NOT is_failed`

	if err := r.db.conn.GetContext(ctx, &total, query, payerID); err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total.Float64, nil
}
