package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hookinbox/internal/apikey"
	"hookinbox/internal/db"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage inbox API keys",
	}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysRevokeCmd())
	return cmd
}

func openStore() (*db.Store, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	gdb, err := db.Connect(cfg)
	if err != nil {
		return nil, "", fmt.Errorf("connect database: %w", err)
	}
	return db.NewStore(gdb), cfg.APIKeyPepper, nil
}

func keysCreateCmd() *cobra.Command {
	var (
		username string
		endpoint string
		name     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key for a user, optionally scoped to one endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, pepper, err := openStore()
			if err != nil {
				return err
			}
			raw, err := createKey(cmd.Context(), store, pepper, username, endpoint, name, ttl)
			if err != nil {
				return err
			}
			fmt.Printf("%s\n\nStore this key now; it cannot be shown again.\n", raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "owner username (required)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "restrict the key to this endpoint path")
	cmd.Flags().StringVar(&name, "name", "cli", "label shown in listings")
	cmd.Flags().DurationVar(&ttl, "expires-in", 0, "key lifetime, e.g. 720h (0 never expires)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func createKey(ctx context.Context, store *db.Store, pepper, username, endpoint, name string, ttl time.Duration) (string, error) {
	user, err := store.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", fmt.Errorf("user %q not found", username)
		}
		return "", err
	}

	key := &db.APIKey{UserID: user.ID, Name: name, IsActive: true}
	if endpoint != "" {
		ep, err := store.EndpointByPath(ctx, user.ID, endpoint)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return "", fmt.Errorf("endpoint %q not found for %s", endpoint, username)
			}
			return "", err
		}
		key.EndpointID = &ep.ID
	}
	if ttl > 0 {
		exp := time.Now().UTC().Add(ttl)
		key.ExpiresAt = &exp
	}

	raw, hash, prefix, err := apikey.Generate(pepper)
	if err != nil {
		return "", err
	}
	key.KeyHash, key.KeyPrefix = hash, prefix
	if err := store.CreateAPIKey(ctx, key); err != nil {
		return "", fmt.Errorf("create key: %w", err)
	}
	return raw, nil
}

func keysRevokeCmd() *cobra.Command {
	var username, prefix string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Deactivate a user's keys by display prefix",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openStore()
			if err != nil {
				return err
			}
			user, err := store.UserByUsername(cmd.Context(), username)
			if err != nil {
				return fmt.Errorf("user %q: %w", username, err)
			}
			n, err := store.DeactivateAPIKey(cmd.Context(), user.ID, prefix)
			if err != nil {
				return fmt.Errorf("revoke: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("no key with prefix %q", prefix)
			}
			fmt.Printf("revoked %d key(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "owner username (required)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key display prefix, e.g. hk_AbCdEfGh (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("prefix")
	return cmd
}
