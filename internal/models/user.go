package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an invoking user or a payer. Credential fields hold provider
// tokens; CreditBalance is only ever changed through a locked update.
type User struct {
	ID       uuid.UUID `db:"id" json:"id"`
	FullName *string   `db:"full_name" json:"full_name,omitempty"`

	OpenAIKey        *string `db:"open_ai_key" json:"-"`
	AnthropicKey     *string `db:"anthropic_key" json:"-"`
	GoogleAIKey      *string `db:"google_ai_key" json:"-"`
	PerplexityKey    *string `db:"perplexity_key" json:"-"`
	ReplicateKey     *string `db:"replicate_key" json:"-"`
	RapidAPIKey      *string `db:"rapid_api_key" json:"-"`
	CoinMarketCapKey *string `db:"coinmarketcap_key" json:"-"`

	CreditBalance float64 `db:"credit_balance" json:"credit_balance"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Sponsorship lets a receiver borrow the sponsor's provider credentials.
// Only one hop is ever followed.
type Sponsorship struct {
	SponsorID   uuid.UUID  `db:"sponsor_id" json:"sponsor_id"`
	ReceiverID  uuid.UUID  `db:"receiver_id" json:"receiver_id"`
	SponsoredAt time.Time  `db:"sponsored_at" json:"sponsored_at"`
	AcceptedAt  *time.Time `db:"accepted_at" json:"accepted_at,omitempty"`
}
