// Package main implements the operator CLI for organization API keys and the
// cron secret.
//
// Usage:
//
//	go run ./cmd/ops/apikey issue --org=org_123 --name=backend [--test] [--expires-in=720h]
//	go run ./cmd/ops/apikey revoke --id=key_abc
//	go run ./cmd/ops/apikey cron-secret
//
// issue prints the plaintext key exactly once; only its bcrypt hash is stored.
// The database is resolved from the same environment as cmd/api.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"seatsync/internal/auth"
	"seatsync/internal/config"
	"seatsync/internal/db"
	"seatsync/internal/types"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout, logger); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "seatsync API key tool\n\n")
	fmt.Fprintf(w, "Usage:\n")
	fmt.Fprintf(w, "  apikey issue --org=ID --name=NAME [--test] [--expires-in=DURATION]\n")
	fmt.Fprintf(w, "  apikey revoke --id=KEY_ID\n")
	fmt.Fprintf(w, "  apikey cron-secret\n")
}

func run(ctx context.Context, args []string, out io.Writer, logger *slog.Logger) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("a subcommand is required")
	}

	switch args[0] {
	case "cron-secret":
		secret, err := GenerateSecureToken()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, secret)
		return nil

	case "issue":
		opts, err := parseIssueFlags(args[1:])
		if err != nil {
			return err
		}
		return withRepository(ctx, logger, func(repo *db.APIKeyRepository) error {
			issuer := auth.NewAPIKeyAuthenticator(repo, nil, types.RealClock{}, logger)
			key, plaintext, err := IssueKey(ctx, repo, issuer, types.RealClock{}, opts)
			if err != nil {
				return err
			}
			printIssued(out, key, plaintext)
			return nil
		})

	case "revoke":
		fs := flag.NewFlagSet("revoke", flag.ContinueOnError)
		id := fs.String("id", "", "API key ID [required]")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if *id == "" {
			return fmt.Errorf("--id is required")
		}
		return withRepository(ctx, logger, func(repo *db.APIKeyRepository) error {
			if err := repo.Revoke(ctx, *id, types.RealClock{}.Now()); err != nil {
				return err
			}
			logger.Info("API key revoked", "key_id", *id)
			return nil
		})

	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// withRepository opens the pool for the duration of fn.
func withRepository(ctx context.Context, logger *slog.Logger, fn func(*db.APIKeyRepository) error) error {
	var secrets config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		secrets = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	logger.Debug("database connected", "environment", cfg.Environment)
	return fn(db.NewAPIKeyRepository(pool))
}

func printIssued(w io.Writer, key *types.APIKey, plaintext string) {
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintf(w, "  Key ID:        %s\n", key.ID)
	fmt.Fprintf(w, "  Organization:  %s\n", key.OrganizationID)
	fmt.Fprintf(w, "  Name:          %s\n", key.Name)
	fmt.Fprintf(w, "  Test mode:     %t\n", key.TestMode)
	if key.ExpiresAt != nil {
		fmt.Fprintf(w, "  Expires:       %s\n", key.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintf(w, "  %s\n", plaintext)
	fmt.Fprintln(w, "------------------------------------------------------------")
	fmt.Fprintln(w, "  Store this key now. It cannot be shown again.")
}
