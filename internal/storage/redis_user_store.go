package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"tool_broker/internal/models"
)

// DefaultUpdateRetries bounds the optimistic retries of RedisUserStore.UpdateLocked
const DefaultUpdateRetries = 10

// AppliedMarkerTTL is how long RedisUserStore remembers an applied operation
const AppliedMarkerTTL = 7 * 24 * time.Hour

// redisUser is the stored form of a user. Unlike models.User it serializes
// credentials, encrypted when the store has an Encryption.
type redisUser struct {
	ID               uuid.UUID `json:"id"`
	FullName         *string   `json:"full_name,omitempty"`
	OpenAIKey        *string   `json:"open_ai_key,omitempty"`
	AnthropicKey     *string   `json:"anthropic_key,omitempty"`
	GoogleAIKey      *string   `json:"google_ai_key,omitempty"`
	PerplexityKey    *string   `json:"perplexity_key,omitempty"`
	ReplicateKey     *string   `json:"replicate_key,omitempty"`
	RapidAPIKey      *string   `json:"rapid_api_key,omitempty"`
	CoinMarketCapKey *string   `json:"coinmarketcap_key,omitempty"`
	CreditBalance    float64   `json:"credit_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// RedisUserStore keeps users and sponsorships in Redis.
// UpdateLocked is a WATCH/MULTI compare-and-swap retried on conflict.
type RedisUserStore struct {
	client     *redis.Client
	enc        *Encryption
	prefix     string
	maxRetries int
}

// RedisStoreOption configures a RedisUserStore
type RedisStoreOption func(*RedisUserStore)

// WithEncryption encrypts credential fields at rest
func WithEncryption(enc *Encryption) RedisStoreOption {
	return func(s *RedisUserStore) {
		s.enc = enc
	}
}

// WithKeyPrefix namespaces every key the store writes
func WithKeyPrefix(prefix string) RedisStoreOption {
	return func(s *RedisUserStore) {
		s.prefix = prefix
	}
}

// WithUpdateRetries sets how many conflicting UpdateLocked attempts are tolerated
func WithUpdateRetries(n int) RedisStoreOption {
	return func(s *RedisUserStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewRedisUserStore creates a store on an existing client
func NewRedisUserStore(client *redis.Client, opts ...RedisStoreOption) *RedisUserStore {
	s := &RedisUserStore{
		client:     client,
		prefix:     "tool_broker",
		maxRetries: DefaultUpdateRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisUserStore) userKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, id)
}

func (s *RedisUserStore) appliedKey(opID uuid.UUID) string {
	return fmt.Sprintf("%s:applied:%s", s.prefix, opID)
}

func (s *RedisUserStore) sponsorshipsKey(receiverID uuid.UUID) string {
	return fmt.Sprintf("%s:sponsorships:%s", s.prefix, receiverID)
}

// Get retrieves a user by ID
func (s *RedisUserStore) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	data, err := s.client.Get(ctx, s.userKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user from Redis: %w", err)
	}
	return s.decode(data)
}

// Save writes the user unconditionally
func (s *RedisUserStore) Save(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	data, err := s.encode(user)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.userKey(user.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save user to Redis: %w", err)
	}
	return nil
}

// UpdateLocked applies mutate and writes the result only if nobody changed the
// user in between; on conflict the read-mutate-write cycle starts over.
func (s *RedisUserStore) UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*models.User) error) error {
	_, err := s.update(ctx, id, "", mutate)
	return err
}

// UpdateOnce is UpdateLocked keyed by an operation ID. The applied marker is
// written in the same MULTI as the user and expires after AppliedMarkerTTL.
func (s *RedisUserStore) UpdateOnce(ctx context.Context, opID, id uuid.UUID, mutate func(*models.User) error) (bool, error) {
	return s.update(ctx, id, s.appliedKey(opID), mutate)
}

func (s *RedisUserStore) update(ctx context.Context, id uuid.UUID, marker string, mutate func(*models.User) error) (bool, error) {
	key := s.userKey(id)
	watched := []string{key}
	if marker != "" {
		watched = append(watched, marker)
	}

	var applied bool
	txf := func(tx *redis.Tx) error {
		applied = false
		if marker != "" {
			n, err := tx.Exists(ctx, marker).Result()
			if err != nil {
				return fmt.Errorf("failed to check applied marker: %w", err)
			}
			if n > 0 {
				return nil
			}
		}

		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get user from Redis: %w", err)
		}

		user, err := s.decode(data)
		if err != nil {
			return err
		}
		if err := mutate(user); err != nil {
			return err
		}

		out, err := s.encode(user)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if marker != "" {
				pipe.Set(ctx, marker, 1, AppliedMarkerTTL)
			}
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, watched...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}

	return false, fmt.Errorf("%w: user %s after %d attempts", ErrTransactionConflict, id, s.maxRetries)
}

// GetByReceiverID returns up to limit sponsorships of the receiver in insertion order
func (s *RedisUserStore) GetByReceiverID(ctx context.Context, receiverID uuid.UUID, limit int) ([]models.Sponsorship, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	values, err := s.client.LRange(ctx, s.sponsorshipsKey(receiverID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get sponsorships from Redis: %w", err)
	}

	sponsorships := make([]models.Sponsorship, 0, len(values))
	for _, v := range values {
		var sp models.Sponsorship
		if err := json.Unmarshal([]byte(v), &sp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sponsorship: %w", err)
		}
		sponsorships = append(sponsorships, sp)
	}
	return sponsorships, nil
}

// Create records a sponsorship; an existing pair is left untouched
func (s *RedisUserStore) Create(ctx context.Context, sponsorship *models.Sponsorship) error {
	existing, err := s.GetByReceiverID(ctx, sponsorship.ReceiverID, 0)
	if err != nil {
		return err
	}
	for _, sp := range existing {
		if sp.SponsorID == sponsorship.SponsorID {
			return nil
		}
	}

	if sponsorship.SponsoredAt.IsZero() {
		sponsorship.SponsoredAt = time.Now().UTC()
	}
	data, err := json.Marshal(sponsorship)
	if err != nil {
		return fmt.Errorf("failed to marshal sponsorship: %w", err)
	}
	if err := s.client.RPush(ctx, s.sponsorshipsKey(sponsorship.ReceiverID), data).Err(); err != nil {
		return fmt.Errorf("failed to push sponsorship to Redis: %w", err)
	}
	return nil
}

func (s *RedisUserStore) encode(user *models.User) ([]byte, error) {
	if s.enc != nil {
		sealed, err := s.enc.SealCredentials(user)
		if err != nil {
			return nil, err
		}
		user = sealed
	}

	row := redisUser{
		ID:               user.ID,
		FullName:         user.FullName,
		OpenAIKey:        user.OpenAIKey,
		AnthropicKey:     user.AnthropicKey,
		GoogleAIKey:      user.GoogleAIKey,
		PerplexityKey:    user.PerplexityKey,
		ReplicateKey:     user.ReplicateKey,
		RapidAPIKey:      user.RapidAPIKey,
		CoinMarketCapKey: user.CoinMarketCapKey,
		CreditBalance:    user.CreditBalance,
		CreatedAt:        user.CreatedAt,
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user: %w", err)
	}
	return data, nil
}

func (s *RedisUserStore) decode(data []byte) (*models.User, error) {
	var row redisUser
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	user := &models.User{
		ID:               row.ID,
		FullName:         row.FullName,
		OpenAIKey:        row.OpenAIKey,
		AnthropicKey:     row.AnthropicKey,
		GoogleAIKey:      row.GoogleAIKey,
		PerplexityKey:    row.PerplexityKey,
		ReplicateKey:     row.ReplicateKey,
		RapidAPIKey:      row.RapidAPIKey,
		CoinMarketCapKey: row.CoinMarketCapKey,
		CreditBalance:    row.CreditBalance,
		CreatedAt:        row.CreatedAt,
	}
	if s.enc != nil {
		if err := s.enc.OpenCredentials(user); err != nil {
			return nil, err
		}
	}
	return user, nil
}
