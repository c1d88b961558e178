package config

import "context"

// SecretProvider resolves secret values by key. SSMProvider backs deployed
// environments and EnvVarProvider backs local runs.
type SecretProvider interface {
	// GetParametersBatch returns a map of key -> plaintext value for every
	// key that could be resolved.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
