package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"tool_broker/internal/models"
)

// SponsorshipRepository handles sponsorship database operations
type SponsorshipRepository struct {
	db *DB
}

// NewSponsorshipRepository creates a new sponsorship repository
func NewSponsorshipRepository(db *DB) *SponsorshipRepository {
	return &SponsorshipRepository{db: db}
}

// GetByReceiverID returns up to limit sponsorships of the receiver, oldest first.
// A limit <= 0 returns all of them.
func (r *SponsorshipRepository) GetByReceiverID(ctx context.Context, receiverID uuid.UUID, limit int) ([]models.Sponsorship, error) {
	query := `
		SELECT sponsor_id, receiver_id, sponsored_at, accepted_at
		FROM sponsorships
		WHERE receiver_id = $1
		ORDER BY sponsored_at ASC
	`
	args := []interface{}{receiverID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var sponsorships []models.Sponsorship
	if err := r.db.conn.SelectContext(ctx, &sponsorships, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get sponsorships: %w", err)
	}

	return sponsorships, nil
}

// Create records a sponsorship; an existing pair is left untouched
func (r *SponsorshipRepository) Create(ctx context.Context, s *models.Sponsorship) error {
	query := `
		INSERT INTO sponsorships (sponsor_id, receiver_id, accepted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (sponsor_id, receiver_id) DO NOTHING
		RETURNING sponsored_at
	`

	err := r.db.conn.QueryRowxContext(ctx, query, s.SponsorID, s.ReceiverID, s.AcceptedAt).Scan(&s.SponsoredAt)
	if err != nil {
		// DO NOTHING returns no row for an existing pair
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to create sponsorship: %w", err)
	}

	return nil
}
