package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/mcpgate/internal/auth"
	"github.com/ashita-ai/mcpgate/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		agentID string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an HS256 bearer token for development",
		Long: `Sign a JWT with MCPGATE_JWT_SECRET so a client can present it as
"Authorization: Bearer <token>" or as MCPGATE_STDIO_TOKEN.

Examples:
  mcpgate token --sub alice --role admin
  mcpgate token --sub ci --role user --ttl 10m`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("MCPGATE_JWT_SECRET is not set")
			}
			mgr, err := auth.NewHMACManager([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience)
			if err != nil {
				return err
			}
			token, expires, err := mgr.IssueToken(subject, role, agentID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.UTC().Format(time.RFC3339))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&subject, "sub", "", "Token subject (user ID)")
	f.StringVar(&role, "role", "user", "Role claim")
	f.StringVar(&agentID, "agent", "", "Optional agent_id claim")
	f.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("sub")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	var (
		id     string
		userID string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "hash-key <secret>",
		Short: "Hash an API key secret for the keyring file",
		Long: `Print the Argon2id hash of an API key secret. With --id the output is a
ready-to-paste keyring entry; clients then present the key as "<id>.<secret>".

Examples:
  mcpgate hash-key s3cr3t
  mcpgate hash-key s3cr3t --id ops --user ops@example.com --role admin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if id == "" {
				fmt.Fprintln(out, hash)
				return nil
			}
			entry, err := yaml.Marshal([]auth.KeyEntry{{ID: id, UserID: userID, Role: role, Hash: hash}})
			if err != nil {
				return fmt.Errorf("marshal keyring entry: %w", err)
			}
			_, err = out.Write(entry)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&id, "id", "", "Key ID; prints a keyring entry instead of the bare hash")
	f.StringVar(&userID, "user", "", "User ID for the keyring entry (default: the key ID)")
	f.StringVar(&role, "role", "user", "Role for the keyring entry")
	return cmd
}
