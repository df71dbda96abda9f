package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"tool_broker/internal/models"
)

const (
	credentialKeyInfo = "tool_broker user credentials"
	sealPrefix        = "v1:"
)

// ErrUnsealable is returned for stored values that were not produced by Seal.
var ErrUnsealable = errors.New("value is not a sealed credential")

// Encryption seals user credentials with AES-GCM.
//
// Sealed values look like "v1:<base64(nonce|ciphertext)>". Each credential is
// bound to its owner and provider as additional data, so a value copied into
// another user's row or another provider's column fails to open.
type Encryption struct {
	aead cipher.AEAD
}

// NewEncryption accepts a 16, 24 or 32 byte AES key
func NewEncryption(key []byte) (*Encryption, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryption{aead: aead}, nil
}

// NewEncryptionFromBase64 decodes a key produced by GenerateKey
func NewEncryptionFromBase64(encodedKey string) (*Encryption, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	return NewEncryption(key)
}

// NewEncryptionFromSecret derives an AES-256 key from an operator secret with HKDF-SHA256
func NewEncryptionFromSecret(secret string) (*Encryption, error) {
	if secret == "" {
		return nil, fmt.Errorf("encryption secret cannot be empty")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(credentialKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return NewEncryption(key)
}

// GenerateKey returns a random base64 key suitable for NewEncryptionFromBase64
func GenerateKey(keySize int) (string, error) {
	switch keySize {
	case 16, 24, 32:
	default:
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Seal encrypts plaintext bound to additionalData.
func (e *Encryption) Seal(plaintext, additionalData []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(plaintext)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, plaintext, additionalData)
	return sealPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. The additional data must match the value used to seal.
func (e *Encryption) Open(value string, additionalData []byte) ([]byte, error) {
	encoded, ok := strings.CutPrefix(value, sealPrefix)
	if !ok {
		return nil, ErrUnsealable
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsealable, err)
	}

	nonceSize := e.aead.NonceSize()
	if len(raw) < nonceSize+e.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrUnsealable)
	}

	plaintext, err := e.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], additionalData)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// SealCredentials returns a copy of user with every non-empty credential sealed.
// The user's ID must already be assigned.
func (e *Encryption) SealCredentials(user *models.User) (*models.User, error) {
	row := *user
	for _, field := range credentialFields(&row) {
		if *field.value == nil || **field.value == "" {
			continue
		}
		sealed, err := e.Seal([]byte(**field.value), credentialAD(row.ID, field.providerID))
		if err != nil {
			return nil, fmt.Errorf("failed to seal %s credential: %w", field.providerID, err)
		}
		*field.value = &sealed
	}
	return &row, nil
}

// OpenCredentials decrypts the user's credentials in place
func (e *Encryption) OpenCredentials(user *models.User) error {
	for _, field := range credentialFields(user) {
		if *field.value == nil || **field.value == "" {
			continue
		}
		plaintext, err := e.Open(**field.value, credentialAD(user.ID, field.providerID))
		if err != nil {
			return fmt.Errorf("failed to open %s credential: %w", field.providerID, err)
		}
		opened := string(plaintext)
		*field.value = &opened
	}
	return nil
}

type credentialField struct {
	providerID string
	value      **string
}

func credentialFields(u *models.User) []credentialField {
	return []credentialField{
		{models.ProviderIDOpenAI, &u.OpenAIKey},
		{models.ProviderIDAnthropic, &u.AnthropicKey},
		{models.ProviderIDGoogleAI, &u.GoogleAIKey},
		{models.ProviderIDPerplexity, &u.PerplexityKey},
		{models.ProviderIDReplicate, &u.ReplicateKey},
		{models.ProviderIDRapidAPI, &u.RapidAPIKey},
		{models.ProviderIDCoinMarketCap, &u.CoinMarketCapKey},
	}
}

func credentialAD(userID uuid.UUID, providerID string) []byte {
	return []byte(userID.String() + "/" + providerID)
}
