package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"time"

	"github.com/google/uuid"

	"seatsync/internal/auth"
	"seatsync/internal/types"
)

// tokenByteLength is the entropy of generated internal secrets. Hex encoding
// yields a 64 character string.
const tokenByteLength = 32

// GenerateSecureToken produces a random hex token suitable for CRON_SECRET.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	n, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("generating secure token: crypto/rand failed: %w", err)
	}
	if n != tokenByteLength {
		return "", fmt.Errorf("generating secure token: expected %d random bytes, got %d", tokenByteLength, n)
	}
	return hex.EncodeToString(buf), nil
}

// IssueOptions are the parsed flags of the issue subcommand.
type IssueOptions struct {
	OrganizationID string
	Name           string
	TestMode       bool
	ExpiresIn      time.Duration
}

func parseIssueFlags(args []string) (IssueOptions, error) {
	var opts IssueOptions
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.StringVar(&opts.OrganizationID, "org", "", "Organization ID [required]")
	fs.StringVar(&opts.Name, "name", "", "Human-readable key name")
	fs.BoolVar(&opts.TestMode, "test", false, "Issue a test-mode key")
	fs.DurationVar(&opts.ExpiresIn, "expires-in", 0, "Key lifetime (0 = never expires)")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.OrganizationID == "" {
		return opts, fmt.Errorf("--org is required")
	}
	if opts.ExpiresIn < 0 {
		return opts, fmt.Errorf("--expires-in must not be negative")
	}
	return opts, nil
}

// KeyStore persists issued keys. Implemented by db.APIKeyRepository.
type KeyStore interface {
	Create(ctx context.Context, key *types.APIKey) error
}

// KeyGenerator produces a key and its hash. Implemented by
// auth.APIKeyAuthenticator.
type KeyGenerator interface {
	GenerateAPIKey(testMode bool) (*auth.IssuedKey, error)
}

// IssueKey generates a key for the organization and stores its hash. The
// plaintext is returned to the caller and never persisted.
func IssueKey(ctx context.Context, store KeyStore, gen KeyGenerator, clock types.Clock, opts IssueOptions) (*types.APIKey, string, error) {
	issued, err := gen.GenerateAPIKey(opts.TestMode)
	if err != nil {
		return nil, "", err
	}

	now := clock.Now().UTC()
	key := &types.APIKey{
		ID:             "key_" + uuid.NewString(),
		OrganizationID: opts.OrganizationID,
		KeyHash:        issued.Hash,
		KeyPrefix:      issued.Prefix,
		Name:           opts.Name,
		TestMode:       opts.TestMode,
		CreatedAt:      now,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		key.ExpiresAt = &exp
	}

	if err := store.Create(ctx, key); err != nil {
		return nil, "", fmt.Errorf("storing API key: %w", err)
	}
	return key, issued.Plaintext, nil
}
