// Command billing-jobs runs one reconciliation or lifecycle pass and exits. It is meant to
// be triggered by cron or a Kubernetes CronJob.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	var envFile string
	rootCmd := &cobra.Command{
		Use:           "billing-jobs",
		Short:         "Batch reconciliation and subscription lifecycle passes",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file; real environment variables take precedence")

	rootCmd.AddCommand(gatewaySweepCmd())
	rootCmd.AddCommand(crmSyncCmd())
	rootCmd.AddCommand(lostWebhooksCmd())
	rootCmd.AddCommand(reapCancellationsCmd())
	rootCmd.AddCommand(runAllCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
