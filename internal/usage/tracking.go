package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tool_broker/internal/logging"
	"tool_broker/internal/models"
	"tool_broker/internal/utils"
)

// Store persists usage records. Save must be idempotent by record ID.
type Store interface {
	Save(ctx context.Context, record *models.UsageRecord) error
}

// Attempt identifies one metered call and who pays for it.
type Attempt struct {
	Tool        models.ExternalTool
	Purpose     models.Purpose
	UserID      uuid.UUID
	PayerID     uuid.UUID
	UsesCredits bool
	ChatID      *string

	RuntimeSeconds       float64
	RemoteRuntimeSeconds *float64 // vendor-reported, when available

	IsFailed bool
}

// NewAttempt fills an Attempt from a resolved tool binding
func NewAttempt(tool *models.ConfiguredTool, userID uuid.UUID, chatID *string) Attempt {
	return Attempt{
		Tool:        tool.Definition,
		Purpose:     tool.Purpose,
		UserID:      userID,
		PayerID:     tool.PayerID,
		UsesCredits: tool.UsesCredits,
		ChatID:      chatID,
	}
}

// TextUsage is what a text model reported consuming
type TextUsage struct {
	InputTokens  int
	OutputTokens int
	SearchTokens int
}

// ImageUsage is what an image model reported consuming. Some image models
// report tokens too; those take precedence over the size buckets.
type ImageUsage struct {
	InputImageSizes  []string
	OutputImageSizes []string
	InputTokens      int
	OutputTokens     int
}

// TrackingService settles the cost of metered calls and records them.
type TrackingService struct {
	store          Store
	sink           logging.Sink
	maintenanceFee float64
	now            func() time.Time
	logger         *utils.Logger
}

// Option configures a TrackingService
type Option func(*TrackingService)

// WithSink archives every record after it is persisted
func WithSink(sink logging.Sink) Option {
	return func(s *TrackingService) {
		s.sink = sink
	}
}

// WithClock overrides the record timestamp source
func WithClock(now func() time.Time) Option {
	return func(s *TrackingService) {
		s.now = now
	}
}

// WithLogger overrides the service logger
func WithLogger(logger *utils.Logger) Option {
	return func(s *TrackingService) {
		s.logger = logger
	}
}

// NewTrackingService creates a tracking service writing to store
func NewTrackingService(store Store, maintenanceFee float64, opts ...Option) *TrackingService {
	s := &TrackingService{
		store:          store,
		sink:           logging.NewNoopSink(),
		maintenanceFee: maintenanceFee,
		now:            time.Now,
		logger:         utils.NewLogger("usage-tracking"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackTextModel records a call to a token-priced model
func (s *TrackingService) TrackTextModel(ctx context.Context, attempt Attempt, usage TextUsage) (*models.UsageRecord, error) {
	record := s.newRecord(attempt)
	setTokens(record, usage.InputTokens, usage.OutputTokens, usage.SearchTokens)

	s.settle(record, attempt, models.MeteredUsage{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		SearchTokens: usage.SearchTokens,
	})
	return s.persist(ctx, record)
}

// TrackImageModel records an image generation or editing call
func (s *TrackingService) TrackImageModel(ctx context.Context, attempt Attempt, usage ImageUsage) (*models.UsageRecord, error) {
	record := s.newRecord(attempt)
	setTokens(record, usage.InputTokens, usage.OutputTokens, 0)
	record.InputImageSizes = usage.InputImageSizes
	record.OutputImageSizes = usage.OutputImageSizes

	s.settle(record, attempt, models.MeteredUsage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		InputImageSizes:  usage.InputImageSizes,
		OutputImageSizes: usage.OutputImageSizes,
	})
	return s.persist(ctx, record)
}

// TrackAPICall records a flat-priced API call
func (s *TrackingService) TrackAPICall(ctx context.Context, attempt Attempt) (*models.UsageRecord, error) {
	record := s.newRecord(attempt)

	s.settle(record, attempt, models.MeteredUsage{APICalls: 1})
	return s.persist(ctx, record)
}

func (s *TrackingService) newRecord(attempt Attempt) *models.UsageRecord {
	return &models.UsageRecord{
		ID:                   uuid.New(),
		UserID:               attempt.UserID,
		PayerID:              attempt.PayerID,
		UsesCredits:          attempt.UsesCredits,
		ChatID:               attempt.ChatID,
		ToolID:               attempt.Tool.ID,
		ToolName:             attempt.Tool.Name,
		ProviderID:           attempt.Tool.Provider.ID,
		ProviderName:         attempt.Tool.Provider.Name,
		Purpose:              attempt.Purpose,
		Timestamp:            s.now().UTC(),
		RuntimeSeconds:       attempt.RuntimeSeconds,
		RemoteRuntimeSeconds: attempt.RemoteRuntimeSeconds,
		IsFailed:             attempt.IsFailed,
	}
}

// settle prices the usage with the tool's estimate. Failed attempts are never
// charged, so they carry a zero breakdown; only credited, successful attempts
// carry the maintenance fee.
func (s *TrackingService) settle(record *models.UsageRecord, attempt Attempt, metered models.MeteredUsage) {
	if attempt.IsFailed {
		record.ApplyCosts(models.CostBreakdown{})
		return
	}

	metered.RuntimeSeconds = attempt.RuntimeSeconds
	metered.RemoteRuntimeSeconds = attempt.RemoteRuntimeSeconds

	costs := attempt.Tool.CostEstimate.Settle(metered)
	if attempt.UsesCredits {
		costs = costs.WithMaintenanceFee(s.maintenanceFee)
	}
	record.ApplyCosts(costs)
}

// persist always returns the record, so the caller can still charge for it
// when the store is down.
func (s *TrackingService) persist(ctx context.Context, record *models.UsageRecord) (*models.UsageRecord, error) {
	if err := s.store.Save(ctx, record); err != nil {
		s.logger.Error("Failed to persist usage record",
			"record_id", record.ID,
			"tool_id", record.ToolID,
			"payer_id", record.PayerID,
			"total_cost", record.TotalCost,
			"error", err,
		)
		return record, fmt.Errorf("failed to persist usage record: %w", err)
	}

	if err := s.sink.Enqueue(record); err != nil {
		s.logger.Warn("Failed to archive usage record", "record_id", record.ID, "error", err)
	}

	s.logger.Debug("Usage tracked",
		"record_id", record.ID,
		"tool_id", record.ToolID,
		"purpose", record.Purpose,
		"total_cost", record.TotalCost,
		"is_failed", record.IsFailed,
	)
	return record, nil
}

func setTokens(record *models.UsageRecord, input, output, search int) {
	if input == 0 && output == 0 && search == 0 {
		return
	}
	total := input + output + search
	record.InputTokens = &input
	record.OutputTokens = &output
	record.SearchTokens = &search
	record.TotalTokens = &total
}
