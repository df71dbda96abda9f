package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tool_broker/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisUserStore_SaveGet(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisUserStore(client)
	ctx := context.Background()

	key := "sk-own"
	user := &models.User{OpenAIKey: &key, CreditBalance: 12.5}
	require.NoError(t, store.Save(ctx, user))

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OpenAIKey, "credentials survive the round trip")
	assert.Equal(t, "sk-own", *got.OpenAIKey)
	assert.Equal(t, 12.5, got.CreditBalance)
	assert.Nil(t, got.AnthropicKey)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedisUserStore_EncryptsCredentials(t *testing.T) {
	mr, client := setupTestRedis(t)
	enc, err := NewEncryptionFromSecret("test-secret")
	require.NoError(t, err)
	store := NewRedisUserStore(client, WithEncryption(enc), WithKeyPrefix("test"))
	ctx := context.Background()

	key := "sk-ant-secret"
	user := &models.User{AnthropicKey: &key}
	require.NoError(t, store.Save(ctx, user))

	raw, err := mr.Get("test:user:" + user.ID.String())
	require.NoError(t, err)
	assert.NotContains(t, raw, "sk-ant-secret")

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-secret", *got.AnthropicKey)
}

func TestRedisUserStore_UpdateLockedConcurrent(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisUserStore(client, WithUpdateRetries(1000))
	ctx := context.Background()

	user := &models.User{CreditBalance: 5}
	require.NoError(t, store.Save(ctx, user))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.UpdateLocked(ctx, user.ID, func(u *models.User) error {
				u.CreditBalance -= 0.25
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5-n*0.25, got.CreditBalance, 1e-9, "no deduction is lost")
}

func TestRedisUserStore_UpdateOnce(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisUserStore(client)
	ctx := context.Background()

	user := &models.User{CreditBalance: 5}
	require.NoError(t, store.Save(ctx, user))

	opID := uuid.New()
	charge := func(u *models.User) error {
		u.CreditBalance -= 1.5
		return nil
	}

	applied, err := store.UpdateOnce(ctx, opID, user.ID, charge)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = store.UpdateOnce(ctx, opID, user.ID, charge)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 3.5, got.CreditBalance)

	marker := "tool_broker:applied:" + opID.String()
	assert.True(t, mr.Exists(marker))
	assert.Equal(t, AppliedMarkerTTL, mr.TTL(marker))

	_, err = store.UpdateOnce(ctx, uuid.New(), uuid.New(), charge)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedisUserStore_UpdateLockedMissingUser(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisUserStore(client)

	err := store.UpdateLocked(context.Background(), uuid.New(), func(*models.User) error { return nil })
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRedisUserStore_UpdateLockedGivesUpOnConflict(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisUserStore(client, WithUpdateRetries(2))
	ctx := context.Background()

	user := &models.User{CreditBalance: 1}
	require.NoError(t, store.Save(ctx, user))

	// every attempt races with a competing write to the watched key
	err := store.UpdateLocked(ctx, user.ID, func(u *models.User) error {
		require.NoError(t, client.Set(ctx, "tool_broker:user:"+user.ID.String(), `{"credit_balance":7}`, 0).Err())
		u.CreditBalance = 0
		return nil
	})
	assert.ErrorIs(t, err, ErrTransactionConflict)

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got.CreditBalance)
}

func TestRedisUserStore_Sponsorships(t *testing.T) {
	_, client := setupTestRedis(t)
	store := NewRedisUserStore(client)
	ctx := context.Background()
	receiver, sponsor := uuid.New(), uuid.New()

	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: sponsor, ReceiverID: receiver}))
	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: sponsor, ReceiverID: receiver}))
	require.NoError(t, store.Create(ctx, &models.Sponsorship{SponsorID: uuid.New(), ReceiverID: receiver}))

	all, err := store.GetByReceiverID(ctx, receiver, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	first, err := store.GetByReceiverID(ctx, receiver, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, sponsor, first[0].SponsorID)
}
