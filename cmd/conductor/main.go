// Command conductor is the orchestrator CLI: it hosts the gateway, runs
// workers, and offers queue inspection commands over the shared store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"conductor/internal/config"
	"conductor/internal/logging"
	"conductor/internal/queue"
	"conductor/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "conductor",
		Short:         "Durable task orchestrator for LLM provider CLIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", root.PersistentFlags().Lookup("log-level"))
	viper.SetEnvPrefix("CONDUCTOR")
	viper.AutomaticEnv()

	root.AddCommand(
		newGatewayCommand(),
		newWorkerCommand(),
		newMigrateCommand(),
		newStatusCommand(),
		newTasksListCommand(),
		newTasksCreateCommand(),
		newEventsTailCommand(),
	)
	return root
}

// newLogger builds the process logger from the --log-level flag.
func newLogger(component string) logging.Logger {
	level := logging.ParseLevel(viper.GetString("log_level"))
	return logging.New(os.Stderr, level, component)
}

func loadConfig() (config.Config, error) {
	return config.Load()
}

// openRepository loads config and opens the store for direct-access
// commands. The caller closes the store.
func openRepository(logger logging.Logger) (config.Config, *store.Store, *queue.Repository, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	repo := queue.NewRepository(st, cfg.MaxAttempts, logger)
	return cfg, st, repo, nil
}
