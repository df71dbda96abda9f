package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tool_broker/internal/models"
)

func TestMemoryUserStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryUserStore()
	ctx := context.Background()

	user := &models.User{CreditBalance: 10}
	require.NoError(t, store.Save(ctx, user))
	require.NotEqual(t, uuid.Nil, user.ID)

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	got.CreditBalance = 0

	again, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, again.CreditBalance)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryUserStore_UpdateLockedConcurrent(t *testing.T) {
	store := NewMemoryUserStore()
	ctx := context.Background()
	user := &models.User{CreditBalance: 100}
	require.NoError(t, store.Save(ctx, user))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.UpdateLocked(ctx, user.ID, func(u *models.User) error {
				u.CreditBalance -= 0.5
				return nil
			})
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100-n*0.5, got.CreditBalance, 1e-9)
}

func TestMemoryUserStore_UpdateLockedMutatorError(t *testing.T) {
	store := NewMemoryUserStore()
	ctx := context.Background()
	user := &models.User{CreditBalance: 3}
	require.NoError(t, store.Save(ctx, user))

	boom := errors.New("boom")
	err := store.UpdateLocked(ctx, user.ID, func(u *models.User) error {
		u.CreditBalance = 0
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := store.Get(ctx, user.ID)
	assert.Equal(t, 3.0, got.CreditBalance, "nothing is written when the mutator fails")

	err = store.UpdateLocked(ctx, uuid.New(), func(*models.User) error { return nil })
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryUserStore_UpdateOnce(t *testing.T) {
	store := NewMemoryUserStore()
	ctx := context.Background()
	user := &models.User{CreditBalance: 5}
	require.NoError(t, store.Save(ctx, user))

	opID := uuid.New()
	charge := func(u *models.User) error {
		u.CreditBalance -= 2
		return nil
	}

	applied, err := store.UpdateOnce(ctx, opID, user.ID, charge)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateOnce(ctx, opID, user.ID, charge)
	require.NoError(t, err)
	assert.False(t, applied, "the same operation is applied once")

	got, _ := store.Get(ctx, user.ID)
	assert.Equal(t, 3.0, got.CreditBalance)

	_, err = store.UpdateOnce(ctx, uuid.New(), uuid.New(), charge)
	assert.ErrorIs(t, err, ErrUserNotFound)

	failing := uuid.New()
	_, err = store.UpdateOnce(ctx, failing, user.ID, func(*models.User) error { return errors.New("boom") })
	require.Error(t, err)
	applied, err = store.UpdateOnce(ctx, failing, user.ID, charge)
	require.NoError(t, err)
	assert.True(t, applied, "a failed mutation does not mark the operation")
}

func TestMemorySponsorshipStore(t *testing.T) {
	store := NewMemorySponsorshipStore()
	ctx := context.Background()
	receiver := uuid.New()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: first, ReceiverID: receiver}))
	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: second, ReceiverID: receiver}))
	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: first, ReceiverID: receiver}))

	all, err := store.GetByReceiverID(ctx, receiver, 0)
	require.NoError(t, err)
	require.Len(t, all, 2, "duplicate pairs are ignored")

	one, err := store.GetByReceiverID(ctx, receiver, 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, first, one[0].SponsorID)

	none, err := store.GetByReceiverID(ctx, uuid.New(), 1)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryUsageStore(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now()

	older := &models.UsageRecord{UserID: userID, ToolID: "gpt-4o", Timestamp: now.Add(-time.Minute)}
	newer := &models.UsageRecord{UserID: userID, ToolID: "sonar", Timestamp: now}
	other := &models.UsageRecord{UserID: uuid.New(), ToolID: "sonar", Timestamp: now}
	require.NoError(t, store.SaveBatch(ctx, []*models.UsageRecord{older, newer, other}))
	require.NoError(t, store.Save(ctx, older))

	assert.Len(t, store.All(), 3, "saving the same record twice is a no-op")

	got, err := store.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, "sonar", got.ToolID)

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUsageRecordNotFound)

	list, err := store.ListByUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer.ID, list[0].ID, "newest first")

	list, err = store.ListByUser(ctx, userID, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryUsageStore_SpentByPayer(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()
	payer := uuid.New()

	records := []*models.UsageRecord{
		{PayerID: payer, UsesCredits: true, TotalCost: 0.25},
		{PayerID: payer, UsesCredits: true, TotalCost: 0.5},
		{PayerID: payer, UsesCredits: true, IsFailed: true, TotalCost: 9},
		{PayerID: payer, UsesCredits: false, TotalCost: 4},
		{PayerID: uuid.New(), UsesCredits: true, TotalCost: 1},
	}
	require.NoError(t, store.SaveBatch(ctx, records))

	spent, err := store.SpentByPayer(ctx, payer)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, spent, 1e-9, "failed and fiat records are not spending")

	none, err := store.SpentByPayer(ctx, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, none)
}
