package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ConfiguredTool is the resolved binding used for one call site.
// It is never persisted.
type ConfiguredTool struct {
	Definition  ExternalTool
	Token       string
	Purpose     Purpose
	PayerID     uuid.UUID
	UsesCredits bool
}

//
// UsageRecord (tools_usage table)
//

// UsageRecord is written once for every attempted metered call, failed or not.
type UsageRecord struct {
	ID          uuid.UUID `db:"id" json:"id"`
	UserID      uuid.UUID `db:"user_id" json:"user_id"`
	PayerID     uuid.UUID `db:"payer_id" json:"payer_id"`
	UsesCredits bool      `db:"uses_credits" json:"uses_credits"`
	ChatID      *string   `db:"chat_id" json:"chat_id,omitempty"`

	ToolID       string  `db:"tool_id" json:"tool_id"`
	ToolName     string  `db:"tool_name" json:"tool_name"`
	ProviderID   string  `db:"provider_id" json:"provider_id"`
	ProviderName string  `db:"provider_name" json:"provider_name"`
	Purpose      Purpose `db:"purpose" json:"purpose"`

	Timestamp            time.Time `db:"timestamp" json:"timestamp"`
	RuntimeSeconds       float64   `db:"runtime_seconds" json:"runtime_seconds"`
	RemoteRuntimeSeconds *float64  `db:"remote_runtime_seconds" json:"remote_runtime_seconds,omitempty"`

	InputTokens  *int `db:"input_tokens" json:"input_tokens,omitempty"`
	OutputTokens *int `db:"output_tokens" json:"output_tokens,omitempty"`
	SearchTokens *int `db:"search_tokens" json:"search_tokens,omitempty"`
	TotalTokens  *int `db:"total_tokens" json:"total_tokens,omitempty"`

	InputImageSizes  pq.StringArray `db:"input_image_sizes" json:"input_image_sizes,omitempty"`
	OutputImageSizes pq.StringArray `db:"output_image_sizes" json:"output_image_sizes,omitempty"`

	ModelCost         float64 `db:"model_cost" json:"model_cost"`
	RemoteRuntimeCost float64 `db:"remote_runtime_cost" json:"remote_runtime_cost"`
	APICallCost       float64 `db:"api_call_cost" json:"api_call_cost"`
	MaintenanceFee    float64 `db:"maintenance_fee" json:"maintenance_fee"`
	TotalCost         float64 `db:"total_cost" json:"total_cost"`

	IsFailed bool `db:"is_failed" json:"is_failed"`
}

// ApplyCosts copies a breakdown onto the record; the total is always recomputed.
func (r *UsageRecord) ApplyCosts(b CostBreakdown) {
	b = b.WithMaintenanceFee(b.MaintenanceFee)
	r.ModelCost = b.ModelCost
	r.RemoteRuntimeCost = b.RemoteRuntimeCost
	r.APICallCost = b.APICallCost
	r.MaintenanceFee = b.MaintenanceFee
	r.TotalCost = b.TotalCost
}

// CostsConsistent reports whether the total equals the sum of its parts
func (r *UsageRecord) CostsConsistent() bool {
	sum := r.ModelCost + r.RemoteRuntimeCost + r.APICallCost + r.MaintenanceFee
	diff := sum - r.TotalCost
	return diff < 1e-9 && diff > -1e-9
}
