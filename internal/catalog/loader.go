package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"tool_broker/internal/models"
)

// ErrEmptyCatalog means the file decoded but declares no tools
var ErrEmptyCatalog = errors.New("catalog declares no tools")

// File is the on-disk shape of a catalog.
//
//	providers:
//	  - id: open-ai
//	    name: OpenAI
//	    token_management_url: https://platform.openai.com/api-keys
//	    token_format: sk-...
//	tools:
//	  - id: gpt-4o
//	    name: GPT 4o
//	    provider: open-ai
//	    purposes: [chat, vision]
//	    cost:
//	      input_1m_tokens: 2.5
//	      output_1m_tokens: 10
type File struct {
	Providers []models.ExternalToolProvider `yaml:"providers"`
	Tools     []ToolEntry                   `yaml:"tools"`
}

// ToolEntry references its provider by id.
type ToolEntry struct {
	ID       string              `yaml:"id"`
	Name     string              `yaml:"name"`
	Provider string              `yaml:"provider"`
	Purposes []string            `yaml:"purposes"`
	Cost     models.CostEstimate `yaml:"cost"`
}

// LoadFile reads a YAML catalog from disk
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog and resolves provider references. Unknown keys
// and a catalog without tools are errors, so a wrong CATALOG_PATH fails at
// startup rather than at the first resolution.
func Parse(data []byte) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyCatalog
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(f.Tools) == 0 {
		return nil, ErrEmptyCatalog
	}

	providers := make(map[string]models.ExternalToolProvider, len(f.Providers))
	for _, p := range f.Providers {
		providers[p.ID] = p
	}

	tools := make([]models.ExternalTool, 0, len(f.Tools))
	for _, entry := range f.Tools {
		provider, ok := providers[entry.Provider]
		if !ok {
			return nil, fmt.Errorf("tool %s references unknown provider %q", entry.ID, entry.Provider)
		}

		purposes := make([]models.Purpose, 0, len(entry.Purposes))
		for _, raw := range entry.Purposes {
			p, err := models.ParsePurpose(raw)
			if err != nil {
				return nil, fmt.Errorf("tool %s: %w", entry.ID, err)
			}
			purposes = append(purposes, p)
		}

		tools = append(tools, models.ExternalTool{
			ID:           entry.ID,
			Name:         entry.Name,
			Provider:     provider,
			Purposes:     purposes,
			CostEstimate: entry.Cost,
		})
	}

	return New(f.Providers, tools)
}
