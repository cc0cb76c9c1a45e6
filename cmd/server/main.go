package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fleet-orchestrator/config"
	"fleet-orchestrator/core/logger"
	"fleet-orchestrator/core/repository"
	"fleet-orchestrator/providers"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "fleet-orchestrator",
		Short:        "Provisions and supervises runs across cloud, Kubernetes and SSH backends.",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	cmd.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		gcCmd(&configPath),
	)
	return cmd
}

func setup(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating logger")
	}
	return cfg, log, nil
}

func serveCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			if err := applyServeFlags(cmd.Flags(), cfg); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
	cmd.Flags().String("port", "", "override server.port")
	cmd.Flags().Int("workers", 0, "override scheduler.workers")
	return cmd
}

// applyServeFlags copies flags the user set explicitly over the loaded config
func applyServeFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	if fs.Changed("port") {
		port, err := fs.GetString("port")
		if err != nil {
			return err
		}
		cfg.Server.Port = port
	}
	if fs.Changed("workers") {
		workers, err := fs.GetInt("workers")
		if err != nil {
			return err
		}
		cfg.Scheduler.Workers = workers
	}
	return cfg.Validate()
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("Store ready", logger.String("type", cfg.Store.Type))

	a := buildApp(ctx, cfg, store, providers.Registry(), log)

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		a.scheduler.Start(ctx)
	}()
	go a.costs.Start(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: a.handler,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", logger.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			a.scheduler.Stop()
			<-schedDone
			return errors.Wrap(err, "server failed")
		}
	}

	log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	a.scheduler.Stop()
	<-schedDone
	log.Info("Server exited")
	return nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Type != config.StorePostgres {
				return errors.New("migrate requires a postgres store")
			}
			db, err := repository.NewDB(cmd.Context(), cfg.Store.DatabaseURL, log)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			log.Info("Schema is up to date")
			return nil
		},
	}
}

func gcCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete placement groups left behind by finished runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(*configPath)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store, log)
			if err != nil {
				return err
			}
			defer store.Close()

			a := buildApp(cmd.Context(), cfg, store, providers.Registry(), log)
			return a.placements.ProcessDeletedGroups(cmd.Context(), a.backends)
		},
	}
}
