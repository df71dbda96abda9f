package access

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"tool_broker/internal/models"
	"tool_broker/internal/storage"
	"tool_broker/internal/utils"
)

// UserStore loads users by ID.
type UserStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// SponsorshipStore finds sponsorships where the given user is the receiver.
type SponsorshipStore interface {
	GetByReceiverID(ctx context.Context, receiverID uuid.UUID, limit int) ([]models.Sponsorship, error)
}

// ResolvedToken is a usable credential and the user who owns it.
type ResolvedToken struct {
	Token     string
	Owner     *models.User
	Sponsored bool
}

// TokenResolver resolves provider credentials for one invoking user.
//
// A resolver belongs to a single resolution session: its sponsor cache is never
// shared between sessions or invalidated while the session lives.
type TokenResolver struct {
	invoker      *models.User
	users        UserStore
	sponsorships SponsorshipStore
	logger       *utils.Logger

	mu       sync.Mutex
	sponsors map[uuid.UUID]*models.User // nil value caches "no sponsor"
}

// Option configures a TokenResolver
type Option func(*TokenResolver)

// WithLogger overrides the resolver logger
func WithLogger(logger *utils.Logger) Option {
	return func(r *TokenResolver) {
		r.logger = logger
	}
}

// NewTokenResolver creates a resolver for the invoking user
func NewTokenResolver(invoker *models.User, users UserStore, sponsorships SponsorshipStore, opts ...Option) *TokenResolver {
	r := &TokenResolver{
		invoker:      invoker,
		users:        users,
		sponsorships: sponsorships,
		logger:       utils.NewLogger("access-token-resolver"),
		sponsors:     make(map[uuid.UUID]*models.User),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoker returns the user this resolver acts for
func (r *TokenResolver) Invoker() *models.User {
	return r.invoker
}

// GetAccessToken resolves a credential for the provider: the invoker's own first,
// then their sponsor's. Returns nil when neither has one.
func (r *TokenResolver) GetAccessToken(ctx context.Context, provider models.ExternalToolProvider) (*ResolvedToken, error) {
	token, known := credentialOf(r.invoker, provider.ID)
	if !known {
		r.logger.Warn("No credential field for provider", "provider_id", provider.ID)
		return nil, nil
	}
	if token != "" {
		return &ResolvedToken{Token: token, Owner: r.invoker}, nil
	}

	sponsor, err := r.sponsorOf(ctx, r.invoker.ID)
	if err != nil {
		return nil, err
	}
	if sponsor == nil {
		return nil, nil
	}

	token, _ = credentialOf(sponsor, provider.ID)
	if token == "" {
		return nil, nil
	}

	r.logger.Debug("Using sponsored credential", "provider_id", provider.ID, "invoker_id", r.invoker.ID, "sponsor_id", sponsor.ID)
	return &ResolvedToken{Token: token, Owner: sponsor, Sponsored: true}, nil
}

// RequireAccessToken is GetAccessToken that fails when nothing resolves
func (r *TokenResolver) RequireAccessToken(ctx context.Context, provider models.ExternalToolProvider) (*ResolvedToken, error) {
	resolved, err := r.GetAccessToken(ctx, provider)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, &TokenResolutionError{ProviderID: provider.ID, ProviderName: provider.Name}
	}
	return resolved, nil
}

// RequireAccessTokenForTool resolves the credential of the tool's provider
func (r *TokenResolver) RequireAccessTokenForTool(ctx context.Context, tool models.ExternalTool) (*ResolvedToken, error) {
	resolved, err := r.GetAccessToken(ctx, tool.Provider)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, &TokenResolutionError{
			ProviderID:   tool.Provider.ID,
			ProviderName: tool.Provider.Name,
			ToolID:       tool.ID,
			ToolName:     tool.Name,
		}
	}
	return resolved, nil
}

// sponsorOf returns the single sponsor of a receiver, consulting the session cache first.
func (r *TokenResolver) sponsorOf(ctx context.Context, receiverID uuid.UUID) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sponsor, cached := r.sponsors[receiverID]; cached {
		return sponsor, nil
	}

	sponsorships, err := r.sponsorships.GetByReceiverID(ctx, receiverID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sponsorship: %w", err)
	}
	if len(sponsorships) == 0 {
		r.sponsors[receiverID] = nil
		return nil, nil
	}

	sponsor, err := r.users.Get(ctx, sponsorships[0].SponsorID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			r.logger.Warn("Sponsor record missing", "receiver_id", receiverID, "sponsor_id", sponsorships[0].SponsorID)
			r.sponsors[receiverID] = nil
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load sponsor: %w", err)
	}

	r.sponsors[receiverID] = sponsor
	return sponsor, nil
}
