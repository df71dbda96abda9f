package models

import "slices"

// Provider IDs known to the credential mapping.
const (
	ProviderIDOpenAI        = "open-ai"
	ProviderIDAnthropic     = "anthropic"
	ProviderIDGoogleAI      = "google-ai"
	ProviderIDPerplexity    = "perplexity"
	ProviderIDReplicate     = "replicate"
	ProviderIDRapidAPI      = "rapid-api"
	ProviderIDCoinMarketCap = "coinmarketcap"
)

//
// ExternalToolProvider (static catalog)
//

// ExternalToolProvider is an upstream vendor exposing one or more tools.
// Each provider maps to exactly one credential field on a user.
type ExternalToolProvider struct {
	ID                 string   `yaml:"id" json:"id"`
	Name               string   `yaml:"name" json:"name"`
	TokenManagementURL string   `yaml:"token_management_url" json:"token_management_url"`
	TokenFormat        string   `yaml:"token_format" json:"token_format"`
	ToolNames          []string `yaml:"tools" json:"tools,omitempty"`
}

// Equal compares providers by identity
func (p ExternalToolProvider) Equal(other ExternalToolProvider) bool {
	return p.ID == other.ID
}

//
// ExternalTool (static catalog)
//

// ExternalTool is an immutable catalog entry. Identity is the ID.
type ExternalTool struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Provider     ExternalToolProvider `json:"provider"`
	Purposes     []Purpose            `json:"purposes"`
	CostEstimate CostEstimate         `json:"cost_estimate"`
}

// SupportsPurpose reports whether the tool can serve the given purpose
func (t ExternalTool) SupportsPurpose(purpose Purpose) bool {
	return slices.Contains(t.Purposes, purpose)
}

// Equal compares tools by identity
func (t ExternalTool) Equal(other ExternalTool) bool {
	return t.ID == other.ID
}
