package catalog

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tool_broker/internal/models"
)

func TestLoadFile(t *testing.T) {
	cat, err := LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)

	tools := cat.Tools()
	require.NotEmpty(t, tools)
	assert.Equal(t, "gpt-4o", tools[0].ID, "catalog order is preserved")

	tool, err := cat.GetTool("sonar")
	require.NoError(t, err)
	assert.Equal(t, "perplexity", tool.Provider.ID)
	assert.Equal(t, 0.005, tool.CostEstimate.APICall)
	assert.Equal(t, 5.0, tool.CostEstimate.SearchTokens)

	provider, err := cat.GetProvider(models.ProviderIDReplicate)
	require.NoError(t, err)
	assert.Equal(t, "Replicate", provider.Name)
}

func TestCatalog_ToolsFor(t *testing.T) {
	cat, err := LoadFile("testdata/catalog.yaml")
	require.NoError(t, err)

	chat := cat.ToolsFor(models.PurposeChat)
	ids := make([]string, 0, len(chat))
	for _, tool := range chat {
		ids = append(ids, tool.ID)
	}
	assert.Equal(t, []string{"gpt-4o", "claude-sonnet"}, ids)

	assert.Empty(t, cat.ToolsFor(models.PurposeDeprecated))
}

func TestCatalog_Lookups(t *testing.T) {
	cat, err := New(nil, nil)
	require.NoError(t, err)

	_, err = cat.GetTool("missing")
	assert.True(t, errors.Is(err, ErrToolNotFound))

	_, err = cat.GetProvider("missing")
	assert.True(t, errors.Is(err, ErrProviderNotFound))
}

func TestNew_Validation(t *testing.T) {
	openAI := models.ExternalToolProvider{ID: models.ProviderIDOpenAI, Name: "OpenAI"}

	tests := []struct {
		name      string
		providers []models.ExternalToolProvider
		tools     []models.ExternalTool
	}{
		{
			name:      "duplicate provider",
			providers: []models.ExternalToolProvider{openAI, openAI},
		},
		{
			name:      "duplicate tool",
			providers: []models.ExternalToolProvider{openAI},
			tools:     []models.ExternalTool{{ID: "a", Provider: openAI}, {ID: "a", Provider: openAI}},
		},
		{
			name:      "dangling provider",
			providers: []models.ExternalToolProvider{openAI},
			tools:     []models.ExternalTool{{ID: "a", Provider: models.ExternalToolProvider{ID: "nope"}}},
		},
		{
			name:      "tool without id",
			providers: []models.ExternalToolProvider{openAI},
			tools:     []models.ExternalTool{{Name: "nameless", Provider: openAI}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.providers, tt.tools)
			assert.Error(t, err)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("tools:\n  - id: x\n    provider: ghost\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("providers:\n  - id: p\ntools:\n  - id: x\n    provider: p\n    purposes: [teleport]\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("::: not yaml"))
	assert.Error(t, err)
}

func TestParse_RejectsUnrelatedOrEmptyFiles(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"comment only", "# nothing here\n"},
		{"unrelated document", "hello: world\n"},
		{"providers without tools", "providers:\n  - id: p\n    name: P\n"},
		{"misspelled tool key", "providers:\n  - id: p\ntools:\n  - id: x\n    provider: p\n    purpose: [chat]\n"},
		{"misspelled cost key", "providers:\n  - id: p\ntools:\n  - id: x\n    provider: p\n    cost:\n      input_tokens: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, err := Parse([]byte(tt.input))
			assert.Error(t, err)
			assert.Nil(t, cat)
		})
	}

	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrEmptyCatalog)
}
