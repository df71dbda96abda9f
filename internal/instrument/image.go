package instrument

import (
	"context"

	"tool_broker/internal/billing"
	"tool_broker/internal/usage"
)

// ImageRequest generates N images of Size, optionally from input images
type ImageRequest struct {
	Model           string
	Prompt          string
	InputImageSizes []string
	Size            string
	N               int
}

type ImageResult struct {
	URLs []string
	// Sizes of the generated images; when empty, each URL is assumed to have the requested size
	Sizes []string
	Usage TokenUsage
}

// ImageGenerator generates or edits images
type ImageGenerator interface {
	Generate(ctx context.Context, req ImageRequest) (*ImageResult, error)
}

// MeteredImageGenerator meters every Generate call
type MeteredImageGenerator struct {
	inner ImageGenerator
	meter *Meter
}

func WrapImageGenerator(generator ImageGenerator, meter *Meter) *MeteredImageGenerator {
	return &MeteredImageGenerator{inner: generator, meter: meter}
}

func (g *MeteredImageGenerator) Generate(ctx context.Context, req ImageRequest) (*ImageResult, error) {
	return Run(ctx, g.meter, KindImage, imagePreFlight(req),
		func(ctx context.Context) (*ImageResult, error) {
			return g.inner.Generate(ctx, req)
		},
		func(resp *ImageResult) Usage {
			// an empty response still consumed the submitted images
			if resp == nil {
				return Usage{Image: usage.ImageUsage{InputImageSizes: req.InputImageSizes}}
			}
			return Usage{Image: usage.ImageUsage{
				InputImageSizes:  req.InputImageSizes,
				OutputImageSizes: outputSizes(resp, req.Size),
				InputTokens:      resp.Usage.InputTokens,
				OutputTokens:     resp.Usage.OutputTokens,
			}}
		},
	)
}

func (g *MeteredImageGenerator) Unwrap() ImageGenerator {
	return g.inner
}

func imagePreFlight(req ImageRequest) billing.PreFlight {
	n := max(req.N, 1)
	sizes := make([]string, n)
	for i := range sizes {
		sizes[i] = req.Size
	}
	return billing.PreFlight{
		InputText:        req.Prompt,
		InputImageSizes:  req.InputImageSizes,
		OutputImageSizes: sizes,
	}
}

func outputSizes(resp *ImageResult, requested string) []string {
	if len(resp.Sizes) > 0 {
		return resp.Sizes
	}
	sizes := make([]string, len(resp.URLs))
	for i := range sizes {
		sizes[i] = requested
	}
	return sizes
}
