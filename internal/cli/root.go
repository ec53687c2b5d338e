// Package cli implements gatewayctl, the operator tool for accounts,
// credentials and the database.
package cli

import (
	"github.com/spf13/cobra"
)

// Execute runs gatewayctl
func Execute() error {
	app, err := wireApp()
	if err != nil {
		cmd := newRootCmd(nil)
		cmd.RunE = func(*cobra.Command, []string) error { return err }
		return cmd.Execute()
	}
	defer app.close()

	return newRootCmd(app).Execute()
}

func newRootCmd(app *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gatewayctl",
		Short:         "Operate the metered gateway",
		Long:          "gatewayctl manages prepaid accounts, API keys and concurrency limits directly in the gateway's stores.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	if app == nil {
		return rootCmd
	}

	rootCmd.AddCommand(
		newMigrateCmd(app),
		newRechargeCmd(app),
		newBalanceCmd(app),
		newSetConcurrencyCmd(app),
		newResetConcurrencyCmd(app),
		newKeysCmd(app),
		newReconcileCmd(app),
		newTokenCmd(app),
		newHashSecretCmd(),
		newGenKeyCmd(),
	)

	return rootCmd
}
