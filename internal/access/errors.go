package access

import "fmt"

// TokenResolutionError means no credential could be found for a provider or tool.
type TokenResolutionError struct {
	ProviderID   string
	ProviderName string
	ToolID       string
	ToolName     string
}

func (e *TokenResolutionError) Error() string {
	if e.ToolID != "" {
		return fmt.Sprintf("no access token for tool %q (provider %q); add a %s key in your settings",
			e.ToolName, e.ProviderID, e.ProviderName)
	}
	return fmt.Sprintf("no access token for provider %q; add a %s key in your settings",
		e.ProviderID, e.ProviderName)
}
