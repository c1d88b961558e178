package config

import (
	"context"
	"testing"
)

func TestEnvVarProviderSatisfiesSecretProvider(t *testing.T) {
	var _ SecretProvider = NewEnvVarProvider()
}

func TestEnvVarProviderResolvesKeys(t *testing.T) {
	t.Setenv("SEATSYNC_TEST_PLAIN", "plain-value")
	t.Setenv("LOCAL_STRIPE_SECRET_KEY", "sk_test_local")

	provider := NewEnvVarProvider()
	result, err := provider.GetParametersBatch(context.Background(), []string{
		"SEATSYNC_TEST_PLAIN",
		"/local/stripe/secret-key",
		"SEATSYNC_TEST_UNSET_VARIABLE",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch returned unexpected error: %v", err)
	}

	if got := result["SEATSYNC_TEST_PLAIN"]; got != "plain-value" {
		t.Errorf("plain key = %q, want plain-value", got)
	}
	if got := result["/local/stripe/secret-key"]; got != "sk_test_local" {
		t.Errorf("path key = %q, want sk_test_local", got)
	}
	if _, ok := result["SEATSYNC_TEST_UNSET_VARIABLE"]; ok {
		t.Error("unset variables must be omitted")
	}
}

func TestEnvNameForKey(t *testing.T) {
	tests := map[string]string{
		"DATABASE_URL":         "DATABASE_URL",
		"/dev/seatsync/db-url": "DEV_SEATSYNC_DB_URL",
		"/local/cron/secret":   "LOCAL_CRON_SECRET",
	}
	for in, want := range tests {
		if got := envNameForKey(in); got != want {
			t.Errorf("envNameForKey(%q) = %q, want %q", in, got, want)
		}
	}
}
