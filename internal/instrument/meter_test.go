package instrument

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tool_broker/internal/billing"
	"tool_broker/internal/models"
	"tool_broker/internal/storage"
	"tool_broker/internal/usage"
)

type countingSpending struct {
	mu         sync.Mutex
	validated  []billing.PreFlight
	deductions []float64
	reject     error
}

func (s *countingSpending) ValidatePreFlight(ctx context.Context, tool *models.ConfiguredTool, in billing.PreFlight) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validated = append(s.validated, in)
	return s.reject
}

func (s *countingSpending) Deduct(ctx context.Context, tool *models.ConfiguredTool, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deductions = append(s.deductions, amount)
	return nil
}

func (s *countingSpending) deductCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deductions)
}

type fakeChat struct {
	mu    sync.Mutex
	calls int
	resp  *ChatCompletion
	err   error
}

func (f *fakeChat) Chat() ChatNamespace          { return f }
func (f *fakeChat) Completions() ChatCompletions { return f }

func (f *fakeChat) Create(ctx context.Context, req ChatCompletionRequest) (*ChatCompletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.resp, f.err
}

// steppingClock advances one second per reading
func steppingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

var gpt = models.ExternalTool{
	ID:       "gpt-4o",
	Name:     "GPT 4o",
	Provider: models.ExternalToolProvider{ID: models.ProviderIDOpenAI, Name: "OpenAI"},
	Purposes: []models.Purpose{models.PurposeChat},
	CostEstimate: models.CostEstimate{
		InputTokens:  2.5,
		OutputTokens: 10,
	},
}

type fixture struct {
	tool     *models.ConfiguredTool
	spending *countingSpending
	usage    *storage.MemoryUsageStore
	meter    *Meter
}

func newFixture(t *testing.T, def models.ExternalTool) *fixture {
	t.Helper()
	f := &fixture{
		tool: &models.ConfiguredTool{
			Definition:  def,
			Token:       "sk-test",
			Purpose:     def.Purposes[0],
			PayerID:     uuid.New(),
			UsesCredits: true,
		},
		spending: &countingSpending{},
		usage:    storage.NewMemoryUsageStore(),
	}
	tracking := usage.NewTrackingService(f.usage, 0.01)
	f.meter = NewMeter(f.tool, f.spending, tracking, uuid.New(), WithClock(steppingClock()), WithChatID("chat-1"))
	return f
}

func TestChatCreate_Success(t *testing.T) {
	f := newFixture(t, gpt)
	client := &fakeChat{resp: &ChatCompletion{ID: "c1", Content: "hi", Usage: TokenUsage{InputTokens: 1000, OutputTokens: 100}}}

	resp, err := WrapChatClient(client, f.meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{
		Messages:  []ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}},
		MaxTokens: 256,
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.ID)

	require.Len(t, f.spending.validated, 1)
	assert.Equal(t, "be brief\nhello", f.spending.validated[0].InputText)
	assert.Equal(t, 256, f.spending.validated[0].MaxOutputTokens)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsFailed)
	assert.Equal(t, 1.0, records[0].RuntimeSeconds)
	require.NotNil(t, records[0].ChatID)
	assert.Equal(t, "chat-1", *records[0].ChatID)

	require.Len(t, f.spending.deductions, 1)
	assert.InDelta(t, 0.0025+0.001+0.01, f.spending.deductions[0], 1e-9)
	assert.Equal(t, records[0].TotalCost, f.spending.deductions[0])
}

func TestChatCreate_FailureIsTrackedAndReturnedUnchanged(t *testing.T) {
	f := newFixture(t, gpt)
	providerErr := errors.New("upstream 503")
	client := &fakeChat{err: providerErr}

	resp, err := WrapChatClient(client, f.meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	assert.Nil(t, resp)
	assert.True(t, err == providerErr, "the provider error must not be wrapped")

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.True(t, records[0].IsFailed)
	assert.Zero(t, records[0].TotalCost)
	assert.Zero(t, f.spending.deductCount())
}

func TestChatCreate_NilResponseIsZeroUsage(t *testing.T) {
	f := newFixture(t, gpt)

	resp, err := WrapChatClient(&fakeChat{}, f.meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	require.NoError(t, err)
	assert.Nil(t, resp)

	records := f.usage.All()
	require.Len(t, records, 1)
	assert.False(t, records[0].IsFailed)
	assert.Zero(t, records[0].ModelCost)
	assert.InDelta(t, 0.01, records[0].TotalCost, 1e-9, "only the maintenance fee")
	assert.Equal(t, 1, f.spending.deductCount())
}

func TestChatCreate_ContextTimeoutTakesFailurePath(t *testing.T) {
	f := newFixture(t, gpt)
	client := &fakeChat{err: context.DeadlineExceeded}

	_, err := WrapChatClient(client, f.meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, f.usage.All(), 1)
	assert.Zero(t, f.spending.deductCount())
}

func TestChatCreate_PreFlightRejectionStopsTheCall(t *testing.T) {
	users := storage.NewMemoryUserStore()
	payer := &models.User{ID: uuid.New(), CreditBalance: 0.001}
	require.NoError(t, users.Save(context.Background(), payer))

	tool := &models.ConfiguredTool{Definition: gpt, Purpose: models.PurposeChat, PayerID: payer.ID, UsesCredits: true}
	store := storage.NewMemoryUsageStore()
	meter := NewMeter(tool, billing.NewCreditService(users, 0.01), usage.NewTrackingService(store, 0.01), payer.ID)
	client := &fakeChat{resp: &ChatCompletion{}}

	_, err := WrapChatClient(client, meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{
		Messages: []ChatMessage{{Role: "user", Content: "hello"}},
	})

	var creditsErr *billing.InsufficientCreditsError
	require.ErrorAs(t, err, &creditsErr)
	assert.Equal(t, payer.ID, creditsErr.PayerID)
	assert.Zero(t, client.calls)
	assert.Empty(t, store.All())

	after, err := users.Get(context.Background(), payer.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.001, after.CreditBalance)
}

func TestChatCreate_ChargesThePayerEndToEnd(t *testing.T) {
	users := storage.NewMemoryUserStore()
	payer := &models.User{ID: uuid.New(), CreditBalance: 5}
	require.NoError(t, users.Save(context.Background(), payer))

	tool := &models.ConfiguredTool{Definition: gpt, Purpose: models.PurposeChat, PayerID: payer.ID, UsesCredits: true}
	store := storage.NewMemoryUsageStore()
	meter := NewMeter(tool, billing.NewCreditService(users, 0.01), usage.NewTrackingService(store, 0.01), uuid.New())
	client := &fakeChat{resp: &ChatCompletion{Usage: TokenUsage{InputTokens: 400_000, OutputTokens: 100_000}}}

	_, err := WrapChatClient(client, meter).Chat().Completions().Create(context.Background(), ChatCompletionRequest{})
	require.NoError(t, err)

	records := store.All()
	require.Len(t, records, 1)
	assert.InDelta(t, 1.0+1.0+0.01, records[0].TotalCost, 1e-9)

	after, err := users.Get(context.Background(), payer.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5-records[0].TotalCost, after.CreditBalance, 1e-9)
}

func TestWrappers_Unwrap(t *testing.T) {
	f := newFixture(t, gpt)
	client := &fakeChat{}

	wrapped := WrapChatClient(client, f.meter)
	assert.Same(t, client, wrapped.Unwrap())

	namespace, ok := wrapped.Chat().(interface{ Unwrap() ChatNamespace })
	require.True(t, ok)
	assert.Same(t, client, namespace.Unwrap())

	completions, ok := wrapped.Chat().Completions().(interface{ Unwrap() ChatCompletions })
	require.True(t, ok)
	assert.Same(t, client, completions.Unwrap())

	assert.Zero(t, client.calls)
	assert.Empty(t, f.spending.validated, "unwrapping never meters")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "text", KindText.String())
	assert.Equal(t, "image", KindImage.String())
	assert.Equal(t, "api_call", KindAPICall.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
