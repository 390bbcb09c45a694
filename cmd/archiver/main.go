package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "archiver",
		Short:         "Archive SQS messages to S3",
		Long:          "archiver persists every message delivered by an SQS queue as one object in S3, either as a Lambda handler or as a long-running poller.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: archiver.yaml in . or /etc/sqs-archiver)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: trace|debug|info|warn|error (overrides config)")

	lambdaCmd := &cobra.Command{
		Use:   "lambda",
		Short: "Run as the handler of an SQS-triggered Lambda function",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, logLevel, false)
			if err != nil {
				return err
			}
			defer a.close()
			return a.runLambda()
		},
	}
	rootCmd.AddCommand(lambdaCmd)

	var dryRun bool
	pollCmd := &cobra.Command{
		Use:   "poll",
		Short: "Long-poll the queue and archive messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath, logLevel, dryRun)
			if err != nil {
				return err
			}
			defer a.close()
			return a.runPoll(cmd.Context())
		},
	}
	pollCmd.Flags().BoolVar(&dryRun, "dry-run", false, "archive into memory instead of S3 and leave every message on the queue")
	rootCmd.AddCommand(pollCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1)
	}
}
