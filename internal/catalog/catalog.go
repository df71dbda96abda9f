package catalog

import (
	"errors"
	"fmt"

	"tool_broker/internal/models"
)

var (
	// ErrToolNotFound is returned when a tool ID is not in the catalog
	ErrToolNotFound = errors.New("tool not found")

	// ErrProviderNotFound is returned when a provider ID is not in the catalog
	ErrProviderNotFound = errors.New("provider not found")
)

// Catalog is the static, ordered list of tools and providers.
// It is read-only after construction and safe for concurrent use.
type Catalog struct {
	providers     []models.ExternalToolProvider
	tools         []models.ExternalTool
	providersByID map[string]int
	toolsByID     map[string]int
}

// New builds a catalog. Catalog order is the order of the given slices.
func New(providers []models.ExternalToolProvider, tools []models.ExternalTool) (*Catalog, error) {
	c := &Catalog{
		providers:     make([]models.ExternalToolProvider, 0, len(providers)),
		tools:         make([]models.ExternalTool, 0, len(tools)),
		providersByID: make(map[string]int, len(providers)),
		toolsByID:     make(map[string]int, len(tools)),
	}

	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider %q has no id", p.Name)
		}
		if _, dup := c.providersByID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		c.providersByID[p.ID] = len(c.providers)
		c.providers = append(c.providers, p)
	}

	for _, t := range tools {
		if t.ID == "" {
			return nil, fmt.Errorf("tool %q has no id", t.Name)
		}
		if _, dup := c.toolsByID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tool id: %s", t.ID)
		}
		if _, ok := c.providersByID[t.Provider.ID]; !ok {
			return nil, fmt.Errorf("tool %s references unknown provider %q", t.ID, t.Provider.ID)
		}
		c.toolsByID[t.ID] = len(c.tools)
		c.tools = append(c.tools, t)
	}

	return c, nil
}

// Tools returns all tools in catalog order
func (c *Catalog) Tools() []models.ExternalTool {
	out := make([]models.ExternalTool, len(c.tools))
	copy(out, c.tools)
	return out
}

// Providers returns all providers in catalog order
func (c *Catalog) Providers() []models.ExternalToolProvider {
	out := make([]models.ExternalToolProvider, len(c.providers))
	copy(out, c.providers)
	return out
}

// GetTool looks up a tool by ID
func (c *Catalog) GetTool(id string) (models.ExternalTool, error) {
	idx, ok := c.toolsByID[id]
	if !ok {
		return models.ExternalTool{}, fmt.Errorf("%w: %s", ErrToolNotFound, id)
	}
	return c.tools[idx], nil
}

// GetProvider looks up a provider by ID
func (c *Catalog) GetProvider(id string) (models.ExternalToolProvider, error) {
	idx, ok := c.providersByID[id]
	if !ok {
		return models.ExternalToolProvider{}, fmt.Errorf("%w: %s", ErrProviderNotFound, id)
	}
	return c.providers[idx], nil
}

// ToolsFor returns the tools supporting a purpose, in catalog order
func (c *Catalog) ToolsFor(purpose models.Purpose) []models.ExternalTool {
	var out []models.ExternalTool
	for _, t := range c.tools {
		if t.SupportsPurpose(purpose) {
			out = append(out, t)
		}
	}
	return out
}
