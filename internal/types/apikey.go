package types

import "time"

// APIKeyPrefixLength is the number of leading plaintext characters stored in
// clear so a presented key can be looked up before the bcrypt comparison.
const APIKeyPrefixLength = 12

// APIKey is an organization-scoped credential for the billing API.
// KeyHash is the bcrypt hash of the full plaintext key.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	KeyHash        string     `json:"-"`
	KeyPrefix      string     `json:"key_prefix"`
	Name           string     `json:"name"`
	TestMode       bool       `json:"test_mode"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Usable reports whether the key is neither revoked nor expired at now.
func (k *APIKey) Usable(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	return k.ExpiresAt == nil || k.ExpiresAt.After(now)
}
