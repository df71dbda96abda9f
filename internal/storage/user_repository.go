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

const userColumns = `id, full_name, open_ai_key, anthropic_key, google_ai_key,
	perplexity_key, replicate_key, rapid_api_key, coinmarketcap_key,
	credit_balance, created_at`

// UserRepository handles user database operations.
// Credential columns are encrypted at rest when an Encryption is configured.
type UserRepository struct {
	db  *DB
	enc *Encryption
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *DB, enc *Encryption) *UserRepository {
	return &UserRepository{db: db, enc: enc}
}

// Get retrieves a user by ID
func (r *UserRepository) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	err := r.db.conn.GetContext(ctx, &user, query, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if err := r.decryptCredentials(&user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Save inserts the user or overwrites every column of an existing row
func (r *UserRepository) Save(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	row, err := r.encryptedCopy(user)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, full_name, open_ai_key, anthropic_key, google_ai_key,
		                   perplexity_key, replicate_key, rapid_api_key, coinmarketcap_key,
		                   credit_balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    open_ai_key = EXCLUDED.open_ai_key,
		    anthropic_key = EXCLUDED.anthropic_key,
		    google_ai_key = EXCLUDED.google_ai_key,
		    perplexity_key = EXCLUDED.perplexity_key,
		    replicate_key = EXCLUDED.replicate_key,
		    rapid_api_key = EXCLUDED.rapid_api_key,
		    coinmarketcap_key = EXCLUDED.coinmarketcap_key,
		    credit_balance = EXCLUDED.credit_balance
		RETURNING created_at
	`

	err = r.db.conn.QueryRowxContext(
		ctx, query,
		row.ID, row.FullName, row.OpenAIKey, row.AnthropicKey, row.GoogleAIKey,
		row.PerplexityKey, row.ReplicateKey, row.RapidAPIKey, row.CoinMarketCapKey,
		row.CreditBalance,
	).Scan(&user.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}

	return nil
}

// UpdateLocked loads the user under a row lock, applies mutate and writes the
// result back in the same transaction. Concurrent callers for the same user
// are serialized by the database.
func (r *UserRepository) UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*models.User) error) error {
	return r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		return r.updateTx(ctx, tx, id, mutate)
	})
}

// UpdateOnce is UpdateLocked keyed by an operation ID. The operation is recorded
// in applied_operations inside the same transaction; a second call with the
// same opID reports false without touching the user.
func (r *UserRepository) UpdateOnce(ctx context.Context, opID, id uuid.UUID, mutate func(*models.User) error) (bool, error) {
	var applied bool
	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO applied_operations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, opID)
		if err != nil {
			return fmt.Errorf("failed to record operation: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to record operation: %w", err)
		}
		if n == 0 {
			return nil
		}

		if err := r.updateTx(ctx, tx, id, mutate); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *UserRepository) updateTx(ctx context.Context, tx *sqlx.Tx, id uuid.UUID, mutate func(*models.User) error) error {
	var user models.User
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to lock user: %w", err)
	}

	if err := r.decryptCredentials(&user); err != nil {
		return err
	}
	if err := mutate(&user); err != nil {
		return err
	}

	row, err := r.encryptedCopy(&user)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET full_name = $2, open_ai_key = $3, anthropic_key = $4, google_ai_key = $5,
		    perplexity_key = $6, replicate_key = $7, rapid_api_key = $8,
		    coinmarketcap_key = $9, credit_balance = $10
		WHERE id = $1
	`,
		id, row.FullName, row.OpenAIKey, row.AnthropicKey, row.GoogleAIKey,
		row.PerplexityKey, row.ReplicateKey, row.RapidAPIKey, row.CoinMarketCapKey,
		row.CreditBalance,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

func (r *UserRepository) encryptedCopy(user *models.User) (*models.User, error) {
	if r.enc == nil {
		row := *user
		return &row, nil
	}
	return r.enc.SealCredentials(user)
}

func (r *UserRepository) decryptCredentials(user *models.User) error {
	if r.enc == nil {
		return nil
	}
	return r.enc.OpenCredentials(user)
}
