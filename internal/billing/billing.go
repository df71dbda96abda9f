package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tool_broker/internal/models"
	"tool_broker/internal/storage"
	"tool_broker/internal/utils"
)

// PreFlight describes the call about to be made, for the minimum cost estimate
type PreFlight = models.EstimateInput

// Service admits metered calls and charges their cost.
type Service interface {
	// ValidatePreFlight fails with *InsufficientCreditsError when the payer
	// cannot cover the minimum cost of the call plus the maintenance fee.
	ValidatePreFlight(ctx context.Context, tool *models.ConfiguredTool, in PreFlight) error

	// Deduct charges amount to the tool's payer. It never fails because the
	// balance is too low.
	Deduct(ctx context.Context, tool *models.ConfiguredTool, amount float64) error
}

// BalanceStore reads payers and mutates balances under the store's lock.
type BalanceStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)
	UpdateLocked(ctx context.Context, id uuid.UUID, mutate func(*models.User) error) error
}

// InsufficientCreditsError is returned by ValidatePreFlight when the payer's
// balance is below the required amount.
type InsufficientCreditsError struct {
	PayerID   uuid.UUID
	Required  float64
	Available float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for payer %s: required %.4f, available %.4f",
		e.PayerID, e.Required, e.Available)
}

// NoopService admits every call and discards deductions.
type NoopService struct{}

func NewNoopService() *NoopService {
	return &NoopService{}
}

func (s *NoopService) ValidatePreFlight(ctx context.Context, tool *models.ConfiguredTool, in PreFlight) error {
	return nil
}

func (s *NoopService) Deduct(ctx context.Context, tool *models.ConfiguredTool, amount float64) error {
	return nil
}

// CreditService checks and charges payer credit balances.
// It holds no locks of its own; balance atomicity is the store's job.
type CreditService struct {
	store          BalanceStore
	maintenanceFee float64
	charsPerToken  int
	retry          *DeductionQueueWorker
	logger         *utils.Logger
}

// Option configures a CreditService
type Option func(*CreditService)

// WithCharsPerToken sets the ratio used to estimate input tokens from text
func WithCharsPerToken(n int) Option {
	return func(s *CreditService) {
		s.charsPerToken = n
	}
}

// WithRetryQueue queues deductions that fail to persist instead of dropping them
func WithRetryQueue(worker *DeductionQueueWorker) Option {
	return func(s *CreditService) {
		s.retry = worker
	}
}

// WithLogger overrides the service logger
func WithLogger(logger *utils.Logger) Option {
	return func(s *CreditService) {
		s.logger = logger
	}
}

// NewCreditService creates a credit service on the given balance store
func NewCreditService(store BalanceStore, maintenanceFee float64, opts ...Option) *CreditService {
	s := &CreditService{
		store:          store,
		maintenanceFee: maintenanceFee,
		charsPerToken:  models.DefaultCharsPerToken,
		logger:         utils.NewLogger("credit-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaintenanceFee returns the flat fee added to every credited call
func (s *CreditService) MaintenanceFee() float64 {
	return s.maintenanceFee
}

// ValidatePreFlight is read-only and skips the store entirely for tools that
// do not use credits.
func (s *CreditService) ValidatePreFlight(ctx context.Context, tool *models.ConfiguredTool, in PreFlight) error {
	if !tool.UsesCredits {
		return nil
	}

	payer, err := s.store.Get(ctx, tool.PayerID)
	if err != nil {
		return fmt.Errorf("failed to load payer: %w", err)
	}

	if in.CharsPerToken == 0 {
		in.CharsPerToken = s.charsPerToken
	}
	required := tool.Definition.CostEstimate.MinimumFor(in) + s.maintenanceFee

	if payer.CreditBalance < required {
		s.logger.Info("Pre-flight rejected",
			"payer_id", payer.ID,
			"tool_id", tool.Definition.ID,
			"required", required,
			"available", payer.CreditBalance,
		)
		return &InsufficientCreditsError{
			PayerID:   payer.ID,
			Required:  required,
			Available: payer.CreditBalance,
		}
	}

	return nil
}

// Deduct subtracts amount from the payer's balance inside the store's locked
// update. The balance may go negative.
func (s *CreditService) Deduct(ctx context.Context, tool *models.ConfiguredTool, amount float64) error {
	if !tool.UsesCredits {
		return nil
	}
	if amount < 0 {
		return fmt.Errorf("invalid deduction amount %.6f", amount)
	}
	if amount == 0 {
		return nil
	}

	// The retry reuses the deduction ID, so a write that landed despite the error is not repeated
	deduction := NewDeduction(tool.PayerID, amount)
	err := applyDeduction(ctx, s.store, s.logger, deduction)
	if err == nil {
		return nil
	}

	if s.retry == nil || errors.Is(err, storage.ErrUserNotFound) {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}

	if qErr := s.retry.Enqueue(ctx, deduction); qErr != nil {
		s.logger.Error("Failed to queue deduction retry", "payer_id", tool.PayerID, "amount", amount, "error", qErr)
		return fmt.Errorf("failed to deduct credits: %w", err)
	}

	s.logger.Warn("Deduction queued for retry", "payer_id", tool.PayerID, "deduction_id", deduction.ID, "error", err)
	return nil
}

// AddCredits tops up a payer's balance through the same locked update
func (s *CreditService) AddCredits(ctx context.Context, payerID uuid.UUID, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("invalid credit amount %.6f", amount)
	}

	var balance float64
	err := s.store.UpdateLocked(ctx, payerID, func(u *models.User) error {
		u.CreditBalance += amount
		balance = u.CreditBalance
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add credits: %w", err)
	}

	s.logger.Info("Credits added", "payer_id", payerID, "amount", amount, "balance", balance)
	return balance, nil
}

// OnceStore is implemented by balance stores that can remember applied
// operations. The marker is written with the balance, so a deduction whose
// first write landed but reported an error is not applied a second time.
type OnceStore interface {
	UpdateOnce(ctx context.Context, opID, id uuid.UUID, mutate func(*models.User) error) (bool, error)
}

// applyDeduction is shared with the retry worker so both paths charge identically.
// Stores without UpdateOnce apply the deduction at least once.
func applyDeduction(ctx context.Context, store BalanceStore, logger *utils.Logger, deduction *Deduction) error {
	var balance float64
	mutate := func(u *models.User) error {
		u.CreditBalance -= deduction.Amount
		balance = u.CreditBalance
		return nil
	}

	if once, ok := store.(OnceStore); ok {
		applied, err := once.UpdateOnce(ctx, deduction.ID, deduction.PayerID, mutate)
		if err != nil {
			return err
		}
		if !applied {
			logger.Info("Deduction already applied", "deduction_id", deduction.ID, "payer_id", deduction.PayerID)
			return nil
		}
	} else if err := store.UpdateLocked(ctx, deduction.PayerID, mutate); err != nil {
		return err
	}

	if balance < 0 {
		logger.Warn("Balance went negative", "payer_id", deduction.PayerID, "amount", deduction.Amount, "balance", balance)
	} else {
		logger.Debug("Credits deducted", "payer_id", deduction.PayerID, "amount", deduction.Amount, "balance", balance)
	}
	return nil
}

// Deduction is a charge waiting to be applied by the retry worker
type Deduction struct {
	ID        uuid.UUID `json:"id"`
	PayerID   uuid.UUID `json:"payer_id"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// NewDeduction creates a deduction stamped with the current time
func NewDeduction(payerID uuid.UUID, amount float64) *Deduction {
	return &Deduction{
		ID:        uuid.New(),
		PayerID:   payerID,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
}
