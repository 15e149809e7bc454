package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gotrs-io/gotrs-helpdesk/internal/server"
	"github.com/gotrs-io/gotrs-helpdesk/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "helpdesk",
	Short: "Helpdesk mail ingestion",
	Long: `Polls queue mailboxes, turns incoming mail into tickets and follow-ups,
and notifies webhook subscribers about new activity.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var quietFlag bool

var getEmailCmd = &cobra.Command{
	Use:   "get-email",
	Short: "Poll every due queue mailbox once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()
		if quietFlag {
			a.logger.SetLevel(logrus.WarnLevel)
		}
		return a.scheduler.PollAll(ctx)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the poll scheduler and the health/metrics HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(
			server.WithLogger(a.logger),
			server.WithAddr(a.cfg.Server.Addr),
			server.WithShutdownTimeout(a.cfg.Server.ShutdownTimeout),
			server.WithGatherer(a.registry),
			server.WithPollStatus(a.store, a.statuses),
			server.WithCheck("storage", a.storageCheck),
		)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.Run(ctx) }()
		go func() { _ = a.scheduler.Run(ctx) }()

		a.logger.WithField("version", version.Short()).Info("helpdesk started")
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			stop()
			return err
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "helpdesk", version.Full())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file or directory holding config.yaml")
	getEmailCmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "only log warnings and errors")

	rootCmd.AddCommand(getEmailCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
