// Package auth resolves organization API keys presented to the billing API.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"seatsync/internal/types"
)

// bcryptCost is the bcrypt cost factor used for API key hashes.
const bcryptCost = 12

const (
	liveKeyPrefix = "sk_live_"
	testKeyPrefix = "sk_test_"
)

// keyEntropyBytes is the random part of a generated key before encoding.
const keyEntropyBytes = 24

// APIKeyStore is the subset of db.APIKeyRepository the authenticator needs.
type APIKeyStore interface {
	ListActiveByPrefix(ctx context.Context, prefix string, now time.Time) ([]*types.APIKey, error)
	TouchLastUsed(ctx context.Context, id string, now time.Time) error
}

// Hasher abstracts bcrypt for testability.
type Hasher interface {
	CompareHashAndPassword(hash, plaintext string) error
	GenerateFromPassword(plaintext string) (string, error)
}

type bcryptHasher struct{}

func (bcryptHasher) CompareHashAndPassword(hash, plaintext string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
}

func (bcryptHasher) GenerateFromPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// APIKeyAuthenticator implements core.Authenticator for organization API
// keys. A presented key is looked up by its clear-text prefix and confirmed
// against the bcrypt hash of each candidate.
type APIKeyAuthenticator struct {
	store  APIKeyStore
	hasher Hasher
	clock  types.Clock
	logger *slog.Logger
}

// NewAPIKeyAuthenticator creates an authenticator. A nil hasher selects
// bcrypt, a nil clock the real clock.
func NewAPIKeyAuthenticator(store APIKeyStore, hasher Hasher, clock types.Clock, logger *slog.Logger) *APIKeyAuthenticator {
	if hasher == nil {
		hasher = bcryptHasher{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyAuthenticator{store: store, hasher: hasher, clock: clock, logger: logger}
}

// ResolveToken returns the Actor for token.
//
// Malformed, unknown, revoked and expired keys all yield
// ErrCodeAuthTokenInvalid so callers cannot probe which keys exist. Store
// failures are returned as-is. Updating last_used_at is best effort.
func (a *APIKeyAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	if !wellFormed(token) {
		return nil, invalidToken()
	}

	now := a.clock.Now()
	candidates, err := a.store.ListActiveByPrefix(ctx, token[:types.APIKeyPrefixLength], now)
	if err != nil {
		return nil, err
	}

	for _, key := range candidates {
		if !key.Usable(now) {
			continue
		}
		if a.hasher.CompareHashAndPassword(key.KeyHash, token) != nil {
			continue
		}

		if err := a.store.TouchLastUsed(ctx, key.ID, now); err != nil {
			a.logger.WarnContext(ctx, "failed to touch api key", "key_id", key.ID, "error", err)
		}

		return &types.Actor{
			ID:             key.ID,
			Type:           types.ActorTypeAPIKey,
			OrganizationID: key.OrganizationID,
			IsTestMode:     key.TestMode,
			Name:           key.Name,
		}, nil
	}

	return nil, invalidToken()
}

// IssuedKey is a newly generated key. Plaintext is shown to the operator once
// and never stored.
type IssuedKey struct {
	Plaintext string
	Prefix    string
	Hash      string
}

// GenerateAPIKey creates a random key for the live or test environment.
func (a *APIKeyAuthenticator) GenerateAPIKey(testMode bool) (*IssuedKey, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generating api key: %w", err)
	}

	prefix := liveKeyPrefix
	if testMode {
		prefix = testKeyPrefix
	}
	plaintext := prefix + base64.RawURLEncoding.EncodeToString(buf)

	hash, err := a.hasher.GenerateFromPassword(plaintext)
	if err != nil {
		return nil, fmt.Errorf("hashing api key: %w", err)
	}
	return &IssuedKey{
		Plaintext: plaintext,
		Prefix:    plaintext[:types.APIKeyPrefixLength],
		Hash:      hash,
	}, nil
}

func wellFormed(token string) bool {
	if len(token) <= types.APIKeyPrefixLength {
		return false
	}
	return strings.HasPrefix(token, liveKeyPrefix) || types.IsTestKey(token)
}

func invalidToken() error {
	return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API key", nil)
}
