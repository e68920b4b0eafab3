package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
	"dispatchd/internal/config"
	"dispatchd/internal/logger"
	"dispatchd/internal/repository/postgres"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "dispatchd",
	Short:         "Dispatch and price negotiation service",
	RunE:          serve,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, retry scheduler and geo sweeper",
	RunE:  serve,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retry pass over parked requests and exit",
	RunE:  sweep,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
	RunE:  migrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serve(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New("dispatchd", cfg.Logging.Level)

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	svc, err := app.New(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("server exited")
	return nil
}

func sweep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New("dispatchd-sweep", cfg.Logging.Level)

	svc, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Sweep(ctx)
	if err != nil {
		return err
	}
	log.Info().
		Int("scanned", res.Scanned).
		Int("redispatched", res.Redispatched).
		Int("exhausted", res.Exhausted).
		Int("skipped", res.Skipped).
		Int("busy", res.Busy).
		Int("errors", res.Errors).
		Msg("sweep finished")
	return nil
}

func migrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Database.Enabled {
		return fmt.Errorf("database is disabled in configuration")
	}
	log := logger.New("dispatchd-migrate", cfg.Logging.Level)

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	// Migrate explicitly; AutoMigrate would run it a second time.
	dbCfg := cfg.Database
	dbCfg.AutoMigrate = false
	db, err := app.NewDatabase(ctx, dbCfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}
	log.Info().Str("dbname", cfg.Database.DBName).Msg("schema applied")
	return nil
}
