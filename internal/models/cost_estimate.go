package models

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultCharsPerToken is the pre-flight heuristic for turning input text into tokens.
const DefaultCharsPerToken = 4

const tokensPerPriceUnit = 1_000_000

//
// Image size buckets
//

type ImageSize string

const (
	ImageSize1K  ImageSize = "1k"
	ImageSize2K  ImageSize = "2k"
	ImageSize4K  ImageSize = "4k"
	ImageSize8K  ImageSize = "8k"
	ImageSize12K ImageSize = "12k"
)

// NormalizeImageSize maps a raw size ("2K", "1024x1536", "4k") to a bucket.
// Pixel sizes are bucketed by their longer side; anything unparseable lands in 1k.
func NormalizeImageSize(raw string) ImageSize {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ImageSize1K
	}

	if w, h, ok := strings.Cut(s, "x"); ok {
		width, errW := strconv.Atoi(strings.TrimSpace(w))
		height, errH := strconv.Atoi(strings.TrimSpace(h))
		if errW != nil || errH != nil {
			return ImageSize1K
		}
		return bucketForPixels(max(width, height))
	}

	if num, ok := strings.CutSuffix(s, "k"); ok {
		k, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return ImageSize1K
		}
		return bucketForPixels(int(math.Ceil(k * 1024)))
	}

	return ImageSize1K
}

func bucketForPixels(side int) ImageSize {
	switch {
	case side <= 1024:
		return ImageSize1K
	case side <= 2048:
		return ImageSize2K
	case side <= 4096:
		return ImageSize4K
	case side <= 8192:
		return ImageSize8K
	default:
		return ImageSize12K
	}
}

//
// CostEstimate (pricing table of a tool, in credits)
//

type CostEstimate struct {
	// Token prices are per million tokens
	InputTokens  float64 `yaml:"input_1m_tokens" json:"input_1m_tokens,omitempty"`
	OutputTokens float64 `yaml:"output_1m_tokens" json:"output_1m_tokens,omitempty"`
	SearchTokens float64 `yaml:"search_1m_tokens" json:"search_1m_tokens,omitempty"`

	InputImage1K  float64 `yaml:"input_image_1k" json:"input_image_1k,omitempty"`
	InputImage2K  float64 `yaml:"input_image_2k" json:"input_image_2k,omitempty"`
	InputImage4K  float64 `yaml:"input_image_4k" json:"input_image_4k,omitempty"`
	InputImage8K  float64 `yaml:"input_image_8k" json:"input_image_8k,omitempty"`
	InputImage12K float64 `yaml:"input_image_12k" json:"input_image_12k,omitempty"`

	OutputImage1K float64 `yaml:"output_image_1k" json:"output_image_1k,omitempty"`
	OutputImage2K float64 `yaml:"output_image_2k" json:"output_image_2k,omitempty"`
	OutputImage4K float64 `yaml:"output_image_4k" json:"output_image_4k,omitempty"`

	APICall         float64 `yaml:"api_call" json:"api_call,omitempty"`
	SecondOfRuntime float64 `yaml:"second_of_runtime" json:"second_of_runtime,omitempty"`
}

// EstimateInput describes the work a call is about to do, before it happens.
type EstimateInput struct {
	InputText        string
	MaxOutputTokens  int
	SearchTokens     int
	RuntimeSeconds   float64
	InputImageSizes  []string
	OutputImageSizes []string
	APICalls         int

	// CharsPerToken overrides DefaultCharsPerToken when positive
	CharsPerToken int
}

// MeteredUsage holds what a call actually consumed.
type MeteredUsage struct {
	InputTokens      int
	OutputTokens     int
	SearchTokens     int
	InputImageSizes  []string
	OutputImageSizes []string
	APICalls         int

	RuntimeSeconds       float64
	RemoteRuntimeSeconds *float64
}

// CostBreakdown is the settled cost of one call.
type CostBreakdown struct {
	ModelCost         float64 `json:"model_cost"`
	RemoteRuntimeCost float64 `json:"remote_runtime_cost"`
	APICallCost       float64 `json:"api_call_cost"`
	MaintenanceFee    float64 `json:"maintenance_fee"`
	TotalCost         float64 `json:"total_cost"`
}

// WithMaintenanceFee returns a copy carrying the fee, with the total recomputed
func (b CostBreakdown) WithMaintenanceFee(fee float64) CostBreakdown {
	b.MaintenanceFee = fee
	b.TotalCost = b.ModelCost + b.RemoteRuntimeCost + b.APICallCost + b.MaintenanceFee
	return b
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string, charsPerToken int) int {
	if text == "" {
		return 0
	}
	if charsPerToken <= 0 {
		charsPerToken = DefaultCharsPerToken
	}
	return max(1, utf8.RuneCountInString(text)/charsPerToken)
}

// MinimumFor computes the conservative pre-flight cost of a call.
// It is pure and never decreases when any input grows.
func (c CostEstimate) MinimumFor(in EstimateInput) float64 {
	cost := c.tokenCost(EstimateTokens(in.InputText, in.CharsPerToken), in.MaxOutputTokens, in.SearchTokens)
	cost += c.imageCost(in.InputImageSizes, in.OutputImageSizes)
	cost += nonNegative(in.RuntimeSeconds) * c.SecondOfRuntime
	cost += float64(max(0, in.APICalls)) * c.APICall
	return cost
}

// Settle computes the real cost from metered usage using the same prices.
// Token pricing wins over size pricing when a tool reports both.
// The maintenance fee is left to the caller.
func (c CostEstimate) Settle(usage MeteredUsage) CostBreakdown {
	var b CostBreakdown

	hasTokens := usage.InputTokens > 0 || usage.OutputTokens > 0
	b.ModelCost = c.tokenCost(usage.InputTokens, usage.OutputTokens, usage.SearchTokens)
	if !hasTokens {
		b.ModelCost += c.imageCost(usage.InputImageSizes, usage.OutputImageSizes)
	}

	runtime := usage.RuntimeSeconds
	if usage.RemoteRuntimeSeconds != nil {
		runtime = *usage.RemoteRuntimeSeconds
	}
	b.RemoteRuntimeCost = nonNegative(runtime) * c.SecondOfRuntime
	b.APICallCost = float64(max(0, usage.APICalls)) * c.APICall

	return b.WithMaintenanceFee(0)
}

func (c CostEstimate) tokenCost(input, output, search int) float64 {
	return perMillion(input, c.InputTokens) +
		perMillion(output, c.OutputTokens) +
		perMillion(search, c.SearchTokens)
}

func (c CostEstimate) imageCost(inputSizes, outputSizes []string) float64 {
	cost := 0.0
	for _, size := range inputSizes {
		cost += c.InputImagePrice(NormalizeImageSize(size))
	}
	for _, size := range outputSizes {
		cost += c.OutputImagePrice(NormalizeImageSize(size))
	}
	return cost
}

// InputImagePrice returns the price for one input image in the bucket,
// falling back to the 1k price when the bucket has none.
func (c CostEstimate) InputImagePrice(size ImageSize) float64 {
	var price float64
	switch size {
	case ImageSize2K:
		price = c.InputImage2K
	case ImageSize4K:
		price = c.InputImage4K
	case ImageSize8K:
		price = c.InputImage8K
	case ImageSize12K:
		price = c.InputImage12K
	}
	if price == 0 {
		return c.InputImage1K
	}
	return price
}

// OutputImagePrice returns the price for one generated image. Output buckets stop at 4k.
func (c CostEstimate) OutputImagePrice(size ImageSize) float64 {
	var price float64
	switch size {
	case ImageSize2K:
		price = c.OutputImage2K
	case ImageSize4K, ImageSize8K, ImageSize12K:
		price = c.OutputImage4K
	}
	if price == 0 {
		return c.OutputImage1K
	}
	return price
}

func perMillion(tokens int, price float64) float64 {
	if tokens <= 0 {
		return 0
	}
	return float64(tokens) / tokensPerPriceUnit * price
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
