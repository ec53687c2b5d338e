package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"metered_gateway/internal/auth"
	"metered_gateway/internal/pricing"
	"metered_gateway/internal/storage"
)

func newMigrateCmd(app *app) *cobra.Command {
	var seedPrices bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.database(cmd.Context())
			if err != nil {
				return err
			}
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")

			if seedPrices {
				table := pricing.DefaultTable()
				if err := db.NewModelRepository().SeedPrices(cmd.Context(), table); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "seeded %d model price(s)\n", len(table))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&seedPrices, "seed-prices", false, "insert the built-in model price table")

	return cmd
}

func newTokenCmd(app *app) *cobra.Command {
	var (
		subject string
		roles   []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin JWT for the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed := make([]auth.Role, 0, len(roles))
			for _, name := range roles {
				role, err := auth.ParseRole(name)
				if err != nil {
					return err
				}
				parsed = append(parsed, role)
			}

			token, expiresAt, err := auth.GenerateAdminJWT(subject, parsed, app.cfg)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "gatewayctl", "token subject")
	cmd.Flags().StringSliceVar(&roles, "role", []string{"admin"}, "roles to grant (admin, viewer)")

	return cmd
}

func newHashSecretCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-secret [SECRET]",
		Short: "Hash an admin secret for ADMIN_SECRET_HASH",
		Long:  "Hash an admin secret with argon2id. The secret is read from stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var secret string
			if len(args) == 1 {
				secret = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret: %w", err)
				}
				secret = strings.TrimRight(line, "\r\n")
			}
			if secret == "" {
				return errors.New("secret must not be empty")
			}

			hash, err := auth.HashSecretArgon2(secret)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newGenKeyCmd() *cobra.Command {
	var size int

	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate a base64 AES key for ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := storage.GenerateKey(size)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	cmd.Flags().IntVar(&size, "size", 32, "key size in bytes (16, 24 or 32)")

	return cmd
}
