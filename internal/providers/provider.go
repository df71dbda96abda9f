package providers

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"tool_broker/internal/models"
	"tool_broker/internal/utils"
)

const defaultTimeout = 60 * time.Second

// ErrUnsupportedProvider means the broker has no client for a provider
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Providers whose APIs follow the OpenAI chat and embeddings wire format
var defaultBaseURLs = map[string]string{
	models.ProviderIDOpenAI:     "https://api.openai.com/v1",
	models.ProviderIDPerplexity: "https://api.perplexity.ai",
}

// APIError is a non-2xx response from a provider
type APIError struct {
	ProviderID string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.ProviderID, e.StatusCode, e.Body)
}

// Factory creates provider clients bound to a resolved credential.
// Clients share the factory's HTTP connection pool.
type Factory struct {
	baseURLs map[string]string
	http     *http.Client
	logger   *utils.Logger
}

// FactoryOption configures a Factory
type FactoryOption func(*Factory)

// WithBaseURL points a provider at another endpoint, such as a local proxy
func WithBaseURL(providerID, baseURL string) FactoryOption {
	return func(f *Factory) {
		if baseURL != "" {
			f.baseURLs[providerID] = baseURL
		}
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) FactoryOption {
	return func(f *Factory) {
		if timeout > 0 {
			f.http.Timeout = timeout
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) {
		f.http = client
	}
}

func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		baseURLs: make(map[string]string, len(defaultBaseURLs)),
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: utils.NewLogger("providers"),
	}
	for id, url := range defaultBaseURLs {
		f.baseURLs[id] = url
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SupportedProviders lists the provider IDs the factory has a client for
func (f *Factory) SupportedProviders() []string {
	ids := make([]string, 0, len(f.baseURLs))
	for id := range f.baseURLs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ClientFor returns a client calling the tool's provider with the tool's
// resolved credential.
func (f *Factory) ClientFor(tool *models.ConfiguredTool) (*OpenAIClient, error) {
	providerID := tool.Definition.Provider.ID
	baseURL, ok := f.baseURLs[providerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, providerID)
	}
	if tool.Token == "" {
		return nil, fmt.Errorf("no credential resolved for %s", providerID)
	}

	return &OpenAIClient{
		providerID: providerID,
		baseURL:    baseURL,
		token:      tool.Token,
		http:       f.http,
		logger:     f.logger,
	}, nil
}

// Close releases idle connections held by the factory
func (f *Factory) Close() error {
	f.http.CloseIdleConnections()
	return nil
}
