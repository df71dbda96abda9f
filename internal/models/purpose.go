package models

import "fmt"

// Purpose is the functional role a tool call serves.
type Purpose string

const (
	PurposeChat                    Purpose = "chat"
	PurposeReasoning               Purpose = "reasoning"
	PurposeCopywriting             Purpose = "copywriting"
	PurposeVision                  Purpose = "vision"
	PurposeHearing                 Purpose = "hearing"
	PurposeImagesGen               Purpose = "images_gen"
	PurposeImagesEdit              Purpose = "images_edit"
	PurposeImagesRestoration       Purpose = "images_restoration"
	PurposeImagesInpainting        Purpose = "images_inpainting"
	PurposeImagesBackgroundRemoval Purpose = "images_background_removal"
	PurposeSearch                  Purpose = "search"
	PurposeEmbedding               Purpose = "embedding"
	PurposeAPIFiatExchange         Purpose = "api_fiat_exchange"
	PurposeAPICryptoExchange       Purpose = "api_crypto_exchange"
	PurposeAPITwitter              Purpose = "api_twitter"
	PurposeDeprecated              Purpose = "deprecated"
)

// AllPurposes lists every known purpose in declaration order.
var AllPurposes = []Purpose{
	PurposeChat,
	PurposeReasoning,
	PurposeCopywriting,
	PurposeVision,
	PurposeHearing,
	PurposeImagesGen,
	PurposeImagesEdit,
	PurposeImagesRestoration,
	PurposeImagesInpainting,
	PurposeImagesBackgroundRemoval,
	PurposeSearch,
	PurposeEmbedding,
	PurposeAPIFiatExchange,
	PurposeAPICryptoExchange,
	PurposeAPITwitter,
	PurposeDeprecated,
}

// ParsePurpose converts a raw string into a known Purpose
func ParsePurpose(raw string) (Purpose, error) {
	for _, p := range AllPurposes {
		if string(p) == raw {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown purpose: %q", raw)
}

func (p Purpose) String() string {
	return string(p)
}
