package toolchoice

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"tool_broker/internal/access"
	"tool_broker/internal/catalog"
	"tool_broker/internal/models"
	"tool_broker/internal/utils"
)

// ToolResolutionError means no tool with a usable credential exists for a purpose.
type ToolResolutionError struct {
	Purpose models.Purpose
	UserID  uuid.UUID
}

func (e *ToolResolutionError) Error() string {
	return fmt.Sprintf("unable to resolve a tool for %s (user %s); check your account settings and configured API keys",
		e.Purpose, e.UserID)
}

// ChoiceFunc returns the user's chosen tool ID for a purpose, or "" for none.
type ChoiceFunc func(purpose models.Purpose) string

// Resolver picks the tool to use for a purpose, falling back through the catalog.
type Resolver struct {
	invoker     *models.User
	catalog     *catalog.Catalog
	tokens      *access.TokenResolver
	userChoice  ChoiceFunc
	usesCredits bool
	logger      *utils.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithUserChoice sets where the user's explicit tool choices come from
func WithUserChoice(choice ChoiceFunc) Option {
	return func(r *Resolver) {
		r.userChoice = choice
	}
}

// WithCredits sets whether resolved tools bill against credit balances
func WithCredits(usesCredits bool) Option {
	return func(r *Resolver) {
		r.usesCredits = usesCredits
	}
}

// WithLogger overrides the resolver logger
func WithLogger(logger *utils.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver for the token resolver's invoking user
func New(cat *catalog.Catalog, tokens *access.TokenResolver, opts ...Option) *Resolver {
	r := &Resolver{
		invoker:    tokens.Invoker(),
		catalog:    cat,
		tokens:     tokens,
		userChoice: func(models.Purpose) string { return "" },
		logger:     utils.NewLogger("tool-choice-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetPrioritizedTools orders the candidates for a purpose:
// the user's choice, then the default, then the rest of the catalog.
// Only tools supporting the purpose are returned, each at most once.
func (r *Resolver) GetPrioritizedTools(purpose models.Purpose, defaultTool *models.ExternalTool) []models.ExternalTool {
	var out []models.ExternalTool
	seen := make(map[string]struct{})

	add := func(tool models.ExternalTool) {
		if !tool.SupportsPurpose(purpose) {
			return
		}
		if _, dup := seen[tool.ID]; dup {
			return
		}
		seen[tool.ID] = struct{}{}
		out = append(out, tool)
	}

	if choiceID := r.userChoice(purpose); choiceID != "" {
		if tool, err := r.catalog.GetTool(choiceID); err == nil {
			add(tool)
		} else {
			r.logger.Warn("User choice not in catalog", "purpose", purpose, "tool_id", choiceID)
		}
	}
	if defaultTool != nil {
		add(*defaultTool)
	}
	for _, tool := range r.catalog.ToolsFor(purpose) {
		add(tool)
	}

	return out
}

// GetTool returns the first prioritized tool with a resolvable credential,
// or nil when none resolves.
func (r *Resolver) GetTool(ctx context.Context, purpose models.Purpose, defaultTool *models.ExternalTool) (*models.ConfiguredTool, error) {
	for _, tool := range r.GetPrioritizedTools(purpose, defaultTool) {
		resolved, err := r.tokens.GetAccessToken(ctx, tool.Provider)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			r.logger.Debug("Skipping tool without credential", "purpose", purpose, "tool_id", tool.ID)
			continue
		}

		return &models.ConfiguredTool{
			Definition:  tool,
			Token:       resolved.Token,
			Purpose:     purpose,
			PayerID:     resolved.Owner.ID,
			UsesCredits: r.usesCredits,
		}, nil
	}

	r.logger.Info("No tool resolved", "purpose", purpose, "user_id", r.invoker.ID)
	return nil, nil
}

// RequireTool is GetTool that fails with a ToolResolutionError when nothing resolves
func (r *Resolver) RequireTool(ctx context.Context, purpose models.Purpose, defaultTool *models.ExternalTool) (*models.ConfiguredTool, error) {
	configured, err := r.GetTool(ctx, purpose, defaultTool)
	if err != nil {
		return nil, err
	}
	if configured == nil {
		return nil, &ToolResolutionError{Purpose: purpose, UserID: r.invoker.ID}
	}
	return configured, nil
}
