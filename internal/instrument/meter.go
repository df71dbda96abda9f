// Package instrument meters calls made through provider clients.
//
// Every metered call runs the same sequence:
//
//	billing.ValidatePreFlight -> real call -> usage.Track* -> billing.Deduct
//
// A failed call is tracked with IsFailed set, is never charged, and its error
// is returned to the caller untouched.
package instrument

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tool_broker/internal/billing"
	"tool_broker/internal/models"
	"tool_broker/internal/usage"
	"tool_broker/internal/utils"
)

// Tracker records the usage of a metered call
type Tracker interface {
	TrackTextModel(ctx context.Context, attempt usage.Attempt, u usage.TextUsage) (*models.UsageRecord, error)
	TrackImageModel(ctx context.Context, attempt usage.Attempt, u usage.ImageUsage) (*models.UsageRecord, error)
	TrackAPICall(ctx context.Context, attempt usage.Attempt) (*models.UsageRecord, error)
}

// Kind selects how a call is priced
type Kind int

const (
	KindText Kind = iota
	KindImage
	KindAPICall
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindImage:
		return "image"
	case KindAPICall:
		return "api_call"
	default:
		return "unknown"
	}
}

// Usage is what a successful call consumed. Only the field matching the
// call's Kind is read.
type Usage struct {
	Text                 usage.TextUsage
	Image                usage.ImageUsage
	RemoteRuntimeSeconds *float64
}

// Meter is the interceptor shared by all adapters for one configured tool.
type Meter struct {
	tool     *models.ConfiguredTool
	spending billing.Service
	tracking Tracker
	userID   uuid.UUID
	chatID   *string
	now      func() time.Time
	metrics  *Metrics
	logger   *utils.Logger
}

// Option configures a Meter
type Option func(*Meter)

// WithChatID attaches a chat context to every record
func WithChatID(chatID string) Option {
	return func(m *Meter) {
		m.chatID = &chatID
	}
}

// WithClock overrides the clock used to time calls
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		m.now = now
	}
}

// WithMetrics records otel metrics for every call
func WithMetrics(metrics *Metrics) Option {
	return func(m *Meter) {
		m.metrics = metrics
	}
}

// WithLogger overrides the meter logger
func WithLogger(logger *utils.Logger) Option {
	return func(m *Meter) {
		m.logger = logger
	}
}

// NewMeter creates a meter for calls made with tool on behalf of userID
func NewMeter(tool *models.ConfiguredTool, spending billing.Service, tracking Tracker, userID uuid.UUID, opts ...Option) *Meter {
	m := &Meter{
		tool:     tool,
		spending: spending,
		tracking: tracking,
		userID:   userID,
		now:      time.Now,
		logger:   utils.NewLogger("instrument"),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("tool_id", tool.Definition.ID, "user_id", userID)
	return m
}

// Tool returns the configured tool the meter charges for
func (m *Meter) Tool() *models.ConfiguredTool {
	return m.tool
}

// Run meters one call: pre-flight, the call itself, then tracking and the
// deduction. The call's own error is returned as is.
func Run[T any](ctx context.Context, m *Meter, kind Kind, in billing.PreFlight, call func(context.Context) (T, error), measure func(T) Usage) (T, error) {
	if err := m.admit(ctx, in); err != nil {
		var zero T
		return zero, err
	}

	started := m.now()
	result, err := call(ctx)
	return complete(ctx, m, kind, started, result, err, measure)
}

// admit runs the pre-flight check. Nothing is tracked for a rejected call.
func (m *Meter) admit(ctx context.Context, in billing.PreFlight) error {
	if err := m.spending.ValidatePreFlight(ctx, m.tool, in); err != nil {
		m.metrics.rejected(ctx, m.tool)
		return err
	}
	return nil
}

func complete[T any](ctx context.Context, m *Meter, kind Kind, started time.Time, result T, err error, measure func(T) Usage) (T, error) {
	elapsed := m.now().Sub(started)
	if err != nil {
		m.settle(ctx, kind, elapsed, Usage{}, true)
		return result, err
	}
	m.settle(ctx, kind, elapsed, measure(result), false)
	return result, nil
}

// settle tracks the attempt and charges successful ones. Tracking and
// deduction failures are logged: the call already happened.
func (m *Meter) settle(ctx context.Context, kind Kind, elapsed time.Duration, u Usage, failed bool) {
	attempt := usage.NewAttempt(m.tool, m.userID, m.chatID)
	attempt.RuntimeSeconds = elapsed.Seconds()
	attempt.IsFailed = failed
	if !failed {
		attempt.RemoteRuntimeSeconds = u.RemoteRuntimeSeconds
	}

	var (
		record *models.UsageRecord
		err    error
	)
	switch kind {
	case KindText:
		record, err = m.tracking.TrackTextModel(ctx, attempt, u.Text)
	case KindImage:
		record, err = m.tracking.TrackImageModel(ctx, attempt, u.Image)
	default:
		record, err = m.tracking.TrackAPICall(ctx, attempt)
	}
	if err != nil {
		m.logger.Error("Failed to track usage", "kind", kind, "is_failed", failed, "error", err)
	}

	var cost float64
	if record != nil {
		cost = record.TotalCost
	}
	m.metrics.call(ctx, m.tool, elapsed, cost, failed)

	if failed || record == nil {
		return
	}

	if err := m.spending.Deduct(ctx, m.tool, record.TotalCost); err != nil {
		m.logger.Error("Failed to deduct credits",
			"record_id", record.ID,
			"payer_id", m.tool.PayerID,
			"amount", record.TotalCost,
			"error", err,
		)
	}
}
