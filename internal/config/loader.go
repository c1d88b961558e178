// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. If APP_ENV != "local", resolve *_SSM_PARAM pointers via the
//     SecretProvider and inject the values into the environment.
//  4. Populate the Config struct with envconfig.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
)

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks a variable whose value is an SSM path. For example,
// STRIPE_SECRET_KEY_SSM_PARAM points to the parameter holding STRIPE_SECRET_KEY.
const ssmParamSuffix = "_SSM_PARAM"

const localEnv = "local"

// ssmResolveTimeout bounds the whole SSM resolution step.
const ssmResolveTimeout = 30 * time.Second

// loaderDeps holds the environment accessors so tests can run without
// mutating process state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration.
//
// The provider is used to resolve SSM pointers and may be nil for local
// development, where SSM resolution is skipped.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv never overrides variables that are already set.
	_ = godotenv.Load()

	if appEnv, _ := deps.lookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	if err := newConfigValidator().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if cfg.Database.MinConns > cfg.Database.MaxConns {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: fmt.Sprintf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", cfg.Database.MinConns, cfg.Database.MaxConns),
		}
	}

	return &cfg, nil
}

// newConfigValidator returns a validator with the config-specific tags
// registered.
func newConfigValidator() *validator.Validate {
	v := validator.New()
	// RegisterValidation only fails for an empty tag or nil func.
	_ = v.RegisterValidation("cronspec", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})
	return v
}

// ResolveSecrets performs the SSM resolution step in isolation, without
// loading the full Config. Lambda entrypoints call it before LoadConfig when
// they construct their own provider.
//
// It is a no-op when APP_ENV is "local" or no *_SSM_PARAM variables exist.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// ssmBinding ties an SSM path to the variable it populates.
type ssmBinding struct {
	target string
	path   string
}

// collectSSMBindings scans the environment for *_SSM_PARAM pointers whose
// target variable is not already set. Bindings are sorted by target so that
// provider calls are deterministic.
func collectSSMBindings(deps loaderDeps) []ssmBinding {
	var bindings []ssmBinding
	for _, entry := range deps.environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || value == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		bindings = append(bindings, ssmBinding{target: target, path: value})
	}
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].target < bindings[j].target })
	return bindings
}

// resolveSSMParams fetches every pending SSM binding in one batch and writes
// the values back into the environment so envconfig can read them.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	bindings := collectSSMBindings(deps)
	if len(bindings) == 0 {
		return nil
	}

	targets := make([]string, 0, len(bindings))
	paths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		targets = append(targets, b.target)
		paths = append(paths, b.path)
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, b := range bindings {
		value, ok := resolved[b.path]
		if !ok {
			missing = append(missing, b.target)
			continue
		}
		if err := deps.setEnv(b.target, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", b.target),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
