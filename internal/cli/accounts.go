package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"metered_gateway/internal/admission"
)

func newRechargeCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recharge EMAIL AMOUNT",
		Short: "Credit an account by email, creating it if new",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[1])
			}

			svc, err := app.rechargeService(cmd.Context())
			if err != nil {
				return err
			}
			// wait for the notification email before exiting
			defer svc.Wait()

			result, err := svc.Recharge(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "account\t%s\n", result.AccountID)
			_, _ = fmt.Fprintf(out, "balance\t%.6f\n", result.Balance)
			if result.IsNewUser {
				_, _ = fmt.Fprintf(out, "claim\t%s\n", result.ClaimURL)
			}
			return nil
		},
	}
}

func newBalanceCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance ACCOUNT_ID",
		Short: "Show balance and concurrency of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := app.ledger()
			if err != nil {
				return err
			}
			account, err := l.GetAccount(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "account\t%s\n", account.ID)
			_, _ = fmt.Fprintf(out, "email\t%s\n", account.Email)
			_, _ = fmt.Fprintf(out, "balance\t%.6f\n", account.Balance)
			_, _ = fmt.Fprintf(out, "concurrency\t%d/%d\n", account.Concurrency, account.MaxConcurrency)
			return nil
		},
	}
}

func newSetConcurrencyCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-concurrency ACCOUNT_ID LIMIT",
		Short: "Override the concurrency limit of an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid limit %q", args[1])
			}

			l, err := app.ledger()
			if err != nil {
				return err
			}
			account, err := l.SetMaxConcurrency(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tmax_concurrency=%d\n", account.ID, account.MaxConcurrency)
			return nil
		},
	}
}

func newKeysCmd(app *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list ACCOUNT_ID",
			Short: "List the API keys of an account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				issuer, err := app.issuer()
				if err != nil {
					return err
				}
				keys, err := issuer.ListForAccount(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				for _, k := range keys {
					status := "enabled"
					if !k.Enabled {
						status = "disabled"
					}
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", k.ID, k.KeyPrefix, status, k.CreatedAt.Format(time.RFC3339))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "issue ACCOUNT_ID",
			Short: "Issue an additional API key and print it once",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				l, err := app.ledger()
				if err != nil {
					return err
				}
				if _, err := l.GetAccount(cmd.Context(), args[0]); err != nil {
					return err
				}
				issuer, err := app.issuer()
				if err != nil {
					return err
				}
				issued, err := issuer.Issue(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", issued.Key.ID, issued.Plaintext)
				return nil
			},
		},
		&cobra.Command{
			Use:   "disable KEY_ID",
			Short: "Revoke an API key",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				issuer, err := app.issuer()
				if err != nil {
					return err
				}
				key, err := issuer.Disable(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "disabled %s (%s) of account %s\n", key.KeyPrefix, key.ID, key.AccountID)
				return nil
			},
		},
	)

	return cmd
}

func newResetConcurrencyCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-concurrency ACCOUNT_ID",
		Short: "Force the in-flight counter of an account to zero",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			controller, err := app.controller()
			if err != nil {
				return err
			}
			if err := controller.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\tconcurrency=0\n", args[0])
			return nil
		},
	}
}

func newReconcileCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Reset stale concurrency counters once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			controller, err := app.controller()
			if err != nil {
				return err
			}
			reset, err := admission.NewReconciler(controller, time.Minute, app.logger).ReconcileOnce(cmd.Context())
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reset %d stale counter(s)\n", reset)
			return nil
		},
	}
}
