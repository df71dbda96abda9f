package instrument

import (
	"context"
	"strings"

	"tool_broker/internal/billing"
	"tool_broker/internal/usage"
)

type EmbeddingRequest struct {
	Model string
	Input []string
}

type Embedding struct {
	Vectors [][]float32
	Usage   TokenUsage
}

// Embedder turns text into vectors
type Embedder interface {
	Embed(ctx context.Context, req EmbeddingRequest) (*Embedding, error)
}

type TextGenerationRequest struct {
	Model           string
	Prompt          string
	MaxOutputTokens int
}

type TextGeneration struct {
	Text  string
	Usage TokenUsage
}

// TextGenerator completes a single prompt
type TextGenerator interface {
	Generate(ctx context.Context, req TextGenerationRequest) (*TextGeneration, error)
}

// PreFlightFor describes a text call for the pre-flight check
func PreFlightFor(inputText string, maxOutputTokens int) billing.PreFlight {
	return billing.PreFlight{InputText: inputText, MaxOutputTokens: maxOutputTokens}
}

// MeteredEmbedder meters every Embed call
type MeteredEmbedder struct {
	inner Embedder
	meter *Meter
}

func WrapEmbedder(embedder Embedder, meter *Meter) *MeteredEmbedder {
	return &MeteredEmbedder{inner: embedder, meter: meter}
}

func (e *MeteredEmbedder) Embed(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	in := PreFlightFor(strings.Join(req.Input, "\n"), 0)
	return Run(ctx, e.meter, KindText, in,
		func(ctx context.Context) (*Embedding, error) {
			return e.inner.Embed(ctx, req)
		},
		func(resp *Embedding) Usage {
			if resp == nil {
				return Usage{}
			}
			return textUsage(resp.Usage)
		},
	)
}

func (e *MeteredEmbedder) Unwrap() Embedder {
	return e.inner
}

// MeteredTextGenerator meters every Generate call
type MeteredTextGenerator struct {
	inner TextGenerator
	meter *Meter
}

func WrapTextGenerator(generator TextGenerator, meter *Meter) *MeteredTextGenerator {
	return &MeteredTextGenerator{inner: generator, meter: meter}
}

func (g *MeteredTextGenerator) Generate(ctx context.Context, req TextGenerationRequest) (*TextGeneration, error) {
	in := PreFlightFor(req.Prompt, req.MaxOutputTokens)
	return Run(ctx, g.meter, KindText, in,
		func(ctx context.Context) (*TextGeneration, error) {
			return g.inner.Generate(ctx, req)
		},
		func(resp *TextGeneration) Usage {
			if resp == nil {
				return Usage{}
			}
			return textUsage(resp.Usage)
		},
	)
}

func (g *MeteredTextGenerator) Unwrap() TextGenerator {
	return g.inner
}

func usageText(u TokenUsage) usage.TextUsage {
	return usage.TextUsage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		SearchTokens: u.SearchTokens,
	}
}
