package access

import (
	"fmt"

	"tool_broker/internal/models"
)

// credentialField selects the field holding a user's credential for one provider.
type credentialField func(u *models.User) **string

// credentialFields is the explicit provider ID → user field mapping.
// A provider missing here has no per-user credential.
var credentialFields = map[string]credentialField{
	models.ProviderIDOpenAI:        func(u *models.User) **string { return &u.OpenAIKey },
	models.ProviderIDAnthropic:     func(u *models.User) **string { return &u.AnthropicKey },
	models.ProviderIDGoogleAI:      func(u *models.User) **string { return &u.GoogleAIKey },
	models.ProviderIDPerplexity:    func(u *models.User) **string { return &u.PerplexityKey },
	models.ProviderIDReplicate:     func(u *models.User) **string { return &u.ReplicateKey },
	models.ProviderIDRapidAPI:      func(u *models.User) **string { return &u.RapidAPIKey },
	models.ProviderIDCoinMarketCap: func(u *models.User) **string { return &u.CoinMarketCapKey },
}

// SupportsProvider reports whether users can hold a credential for the provider
func SupportsProvider(providerID string) bool {
	_, ok := credentialFields[providerID]
	return ok
}

// SetCredential stores token as the user's credential for the provider.
// An empty token clears it.
func SetCredential(u *models.User, providerID, token string) error {
	field, known := credentialFields[providerID]
	if !known {
		return fmt.Errorf("provider %q has no user credential", providerID)
	}
	if token == "" {
		*field(u) = nil
		return nil
	}
	*field(u) = &token
	return nil
}

// credentialOf returns the user's credential for a provider, or "" if absent
func credentialOf(u *models.User, providerID string) (string, bool) {
	field, known := credentialFields[providerID]
	if !known {
		return "", false
	}
	if u == nil {
		return "", true
	}
	value := *field(u)
	if value == nil {
		return "", true
	}
	return *value, true
}
