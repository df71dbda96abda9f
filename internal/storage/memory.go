package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tool_broker/internal/models"
)

// MemoryUserStore keeps users in process memory.
// UpdateLocked is serialized by a mutex, which only holds within one process.
type MemoryUserStore struct {
	mu      sync.Mutex
	users   map[uuid.UUID]models.User
	applied map[uuid.UUID]struct{}
}

// NewMemoryUserStore creates an empty in-memory user store
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		users:   make(map[uuid.UUID]models.User),
		applied: make(map[uuid.UUID]struct{}),
	}
}

// Get returns a copy of the stored user
func (s *MemoryUserStore) Get(ctx context.Context, id uuid.UUID) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

// Save stores a copy of the user
func (s *MemoryUserStore) Save(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	s.users[user.ID] = *user
	return nil
}

// UpdateLocked applies mutate to the stored user while holding the store lock.
// Nothing is written when mutate fails.
func (s *MemoryUserStore) UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*models.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	if err := mutate(&user); err != nil {
		return err
	}
	s.users[id] = user
	return nil
}

// UpdateOnce is UpdateLocked keyed by an operation ID. It reports false
// without calling mutate when opID was already applied.
func (s *MemoryUserStore) UpdateOnce(ctx context.Context, opID, id uuid.UUID, mutate func(*models.User) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.applied[opID]; done {
		return false, nil
	}
	user, ok := s.users[id]
	if !ok {
		return false, ErrUserNotFound
	}
	if err := mutate(&user); err != nil {
		return false, err
	}
	s.users[id] = user
	s.applied[opID] = struct{}{}
	return true, nil
}

// MemorySponsorshipStore keeps sponsorships in process memory
type MemorySponsorshipStore struct {
	mu           sync.RWMutex
	sponsorships []models.Sponsorship
}

// NewMemorySponsorshipStore creates an empty in-memory sponsorship store
func NewMemorySponsorshipStore() *MemorySponsorshipStore {
	return &MemorySponsorshipStore{}
}

// GetByReceiverID returns up to limit sponsorships of the receiver in insertion order
func (s *MemorySponsorshipStore) GetByReceiverID(ctx context.Context, receiverID uuid.UUID, limit int) ([]models.Sponsorship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Sponsorship
	for _, sp := range s.sponsorships {
		if sp.ReceiverID != receiverID {
			continue
		}
		out = append(out, sp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Create records a sponsorship; an existing pair is left untouched
func (s *MemorySponsorshipStore) Create(ctx context.Context, sponsorship *models.Sponsorship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sp := range s.sponsorships {
		if sp.SponsorID == sponsorship.SponsorID && sp.ReceiverID == sponsorship.ReceiverID {
			return nil
		}
	}
	if sponsorship.SponsoredAt.IsZero() {
		sponsorship.SponsoredAt = time.Now()
	}
	s.sponsorships = append(s.sponsorships, *sponsorship)
	return nil
}

// MemoryUsageStore keeps usage records in process memory
type MemoryUsageStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]models.UsageRecord
	order   []uuid.UUID
}

// NewMemoryUsageStore creates an empty in-memory usage store
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{records: make(map[uuid.UUID]models.UsageRecord)}
}

// Save stores a copy of the record; saving the same ID twice is a no-op
func (s *MemoryUsageStore) Save(ctx context.Context, record *models.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if _, exists := s.records[record.ID]; exists {
		return nil
	}
	s.records[record.ID] = *record
	s.order = append(s.order, record.ID)
	return nil
}

// GetByID returns a copy of the stored record
func (s *MemoryUsageStore) GetByID(ctx context.Context, id uuid.UUID) (*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrUsageRecordNotFound
	}
	return &record, nil
}

// ListByUser returns the user's records, newest first
func (s *MemoryUsageStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.UsageRecord
	for _, id := range s.order {
		record := s.records[id]
		if record.UserID == userID {
			out = append(out, &record)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SpentByPayer sums the cost of every credited, successful record charged to a payer
func (s *MemoryUsageStore) SpentByPayer(ctx context.Context, payerID uuid.UUID) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	for _, record := range s.records {
		if record.PayerID == payerID && record.UsesCredits && !record.IsFailed {
			total += record.TotalCost
		}
	}
	return total, nil
}

// All returns every stored record in insertion order
func (s *MemoryUsageStore) All() []models.UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.UsageRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.records[id])
	}
	return out
}

// SaveBatch stores every record
func (s *MemoryUsageStore) SaveBatch(ctx context.Context, records []*models.UsageRecord) error {
	for _, record := range records {
		if err := s.Save(ctx, record); err != nil {
			return err
		}
	}
	return nil
}
