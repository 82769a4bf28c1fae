package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conductor/internal/gateway"
	"conductor/internal/worker"
)

func newGatewayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("gateway")
			cfg, st, repo, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			server := gateway.NewServer(cfg, repo, gateway.WithServerLogger(logger))
			if err := server.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("gateway stopped")
			return nil
		},
	}
}

func newWorkerCommand() *cobra.Command {
	var providerName string
	var workerID string
	var streamLogs bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a phase-runner worker loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("worker")
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if providerName != "" {
				cfg.Provider = providerName
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runner, err := worker.NewRunner(&cfg, workerID,
				worker.WithLogger(logger),
				worker.WithStreamLogs(streamLogs),
			)
			if err != nil {
				return err
			}
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			logger.Info("worker stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&providerName, "provider", "", "provider adapter (claude, codex)")
	cmd.Flags().StringVar(&workerID, "worker-id", "", "stable worker identity (random when empty)")
	cmd.Flags().BoolVar(&streamLogs, "stream-job-logs", false, "mirror model output summaries to the log")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "db:migrate",
		Short: "Open the store and apply the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("migrate")
			_, st, _, err := openRepository(logger)
			if err != nil {
				return err
			}
			defer st.Close()
			logger.Info("schema applied at %s", st.Path())
			return nil
		},
	}
}
