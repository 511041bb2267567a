package main

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentc2/mcp-auth/security"
	"github.com/agentc2/mcp-auth/storage/sqlite"
)

func newTenantCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants and their client credentials",
	}
	cmd.AddCommand(newTenantAddCmd(opts))
	return cmd
}

func newTenantAddCmd(opts *rootOptions) *cobra.Command {
	var slug, name, apiKey string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a tenant and its active client credential",
		Long: `Create an organization whose slug is its OAuth client_id, with an active
credential whose API key is the client_secret. The key is generated unless
--api-key is given, and printed once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadViper(cmd, opts, map[string]string{"database.path": "database"})
			if err != nil {
				return err
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			if cfg.Database.Path == "" {
				return fmt.Errorf("--database (or database.path) is required")
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log)
			if err != nil {
				return err
			}

			if apiKey == "" {
				if apiKey, err = generateAPIKey(); err != nil {
					return err
				}
			}
			if name == "" {
				name = slug
			}

			var encryptor *security.Encryptor
			if cfg.EncryptionKey != "" {
				key, err := security.KeyFromBase64(cfg.EncryptionKey)
				if err != nil {
					return fmt.Errorf("invalid encryption-key: %w", err)
				}
				if encryptor, err = security.NewEncryptor(key); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			db, err := sqlite.Open(ctx, cfg.Database.Path, sqlite.Options{Encryptor: encryptor, Logger: logger})
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			org, err := db.CreateOrganization(ctx, slug, name)
			if err != nil {
				return fmt.Errorf("failed to create tenant: %w", err)
			}
			if _, err := db.CreateCredential(ctx, org.ID, cfg.OAuth.ToolID, apiKey); err != nil {
				return fmt.Errorf("failed to create credential: %w", err)
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "organization_id: %s\n", org.ID)
			_, _ = fmt.Fprintf(out, "client_id:       %s\n", org.Slug)
			_, _ = fmt.Fprintf(out, "client_secret:   %s\n", apiKey)
			return nil
		},
	}

	cmd.Flags().StringVar(&slug, "slug", "", "Tenant slug, used as OAuth client_id (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name (defaults to the slug)")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Client secret to store (generated when empty)")
	cmd.Flags().String("database", "", "SQLite database path")
	_ = cmd.MarkFlagRequired("slug")

	return cmd
}

func generateAPIKey() (string, error) {
	key, err := security.GenerateKey()
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(key), nil
}
