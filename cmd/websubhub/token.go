package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/config"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/httpapi"
)

func newTokenCommand() *cobra.Command {
	var (
		publisher string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a publisher token",
		Long: `Mint a bearer token for POST /publish, signed with auth.publish_secret
from the config file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.PublishSecret == "" {
				return fmt.Errorf("auth.publish_secret is not configured")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.TokenTTL
			}

			auth := httpapi.NewJWTAuth(cfg.Auth.PublishSecret, ttl)
			token, expiresAt, err := auth.GenerateToken(publisher)
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(httpapi.TokenResponse{
				Token:     token,
				Publisher: publisher,
				ExpiresAt: expiresAt,
			})
		},
	}

	cmd.Flags().StringVar(&publisher, "publisher", "", "Publisher name recorded in the token (required)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	if err := cmd.MarkFlagRequired("publisher"); err != nil {
		panic(fmt.Sprintf("Failed to mark publisher as required: %v", err))
	}

	return cmd
}
