package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider implements SecretProvider from the process environment.
// Local and test deployments point *_SSM_PARAM at another variable name, e.g.
// STRIPE_SECRET_KEY_SSM_PARAM=LOCAL_STRIPE_KEY, and this provider reads it.
type EnvVarProvider struct{}

// NewEnvVarProvider creates a new EnvVarProvider.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{}
}

// GetParametersBatch returns the value of every key that is set. A leading
// slash is stripped and remaining slashes become underscores, so an SSM-style
// path such as /local/stripe/secret resolves LOCAL_STRIPE_SECRET.
func (p *EnvVarProvider) GetParametersBatch(_ context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := os.LookupEnv(envNameForKey(key)); ok {
			result[key] = val
		}
	}
	return result, nil
}

func envNameForKey(key string) string {
	if !strings.HasPrefix(key, "/") {
		return key
	}
	name := strings.TrimPrefix(key, "/")
	name = strings.NewReplacer("/", "_", "-", "_").Replace(name)
	return strings.ToUpper(name)
}
