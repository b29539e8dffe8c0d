package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"petanque-manager.app/cloud/handlers"
	"petanque-manager.app/cloud/internal/billing"
	"petanque-manager.app/cloud/internal/config"
	"petanque-manager.app/cloud/internal/gateway"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/internal/ratelimit"
	"petanque-manager.app/cloud/internal/version"
	"petanque-manager.app/cloud/storage"
)

const shutdownTimeout = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:           "petanque-cloud",
	Short:         "Petanque Manager licensing backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		bootstrap()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive Stripe webhooks and validate licenses",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the SQLite schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.DriverSQLite {
			return fmt.Errorf("migrate only applies to the %s driver, got %s", config.DriverSQLite, cfg.StoreDriver)
		}
		store, err := storage.NewSQLiteStorage(cfg.StoreEndpoint)
		if err != nil {
			return err
		}
		logger.Info("Schema is up to date", map[string]interface{}{
			"path": cfg.StoreEndpoint,
		})
		return store.Close()
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Issue licenses for active subscriptions that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStorage(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		repaired, err := billing.NewRepairer(store, billing.Options{Timeout: cfg.HandlerTimeout}).Run(cmd.Context())
		fmt.Printf("Repaired %d subscriptions\n", repaired)
		return err
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Petanque Manager Cloud %s\n", version.Current())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, repairCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("Command failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

// bootstrap loads .env and the VERSION file before any configuration is read.
func bootstrap() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if version.Version == "" {
		if raw, err := os.ReadFile("VERSION"); err == nil {
			version.Version = strings.TrimSpace(string(raw))
		}
	}
}

// loadConfig reads the environment and applies the configured log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

func openStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		return storage.NewSQLiteStorage(cfg.StoreEndpoint)
	case config.DriverPostgREST:
		return storage.NewRESTStorage(cfg.StoreEndpoint, cfg.StoreCredential, cfg.StoreTimeout), nil
	case config.DriverMemory:
		logger.Warn("Using in-memory storage, records are lost on restart")
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// buildServer wires storage, the Stripe gateway and the billing pipeline
// behind the HTTP routes.
func buildServer(cfg *config.Config) (*handlers.Server, error) {
	store, err := openStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	opts := billing.Options{Timeout: cfg.HandlerTimeout}
	gw := gateway.NewStripeGateway(cfg.StripeSecret, cfg.StripeAPIURL, cfg.GatewayTimeout)

	return handlers.NewServer(store, billing.NewDispatcher(store, gw, opts), billing.NewRepairer(store, opts), handlers.Options{
		WebhookSecret:      cfg.ProviderSecret,
		SignatureTolerance: cfg.SignatureTolerance,
		AllowedOrigins:     cfg.AllowedOrigins,
		Limiter:            ratelimit.New(cfg.SignatureFailureLimit, cfg.SignatureFailureWindow),
		AppVersion:         cfg.AppVersion,
	}), nil
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          version.Current(),
		TracesSampleRate: 1.0,
	}); err != nil {
		return fmt.Errorf("sentry.Init: %w", err)
	}
	defer sentry.Flush(2 * time.Second)

	server, err := buildServer(cfg)
	if err != nil {
		return err
	}
	defer server.Storage.Close()
	repairer := server.Repairer

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.RepairSchedule != "" {
		scheduler := cron.New()
		if _, err := scheduler.AddFunc(cfg.RepairSchedule, func() {
			if _, err := repairer.Run(ctx); err != nil {
				logger.Error("Scheduled license repair failed", map[string]interface{}{
					"error": err.Error(),
				})
				sentry.CaptureException(err)
			}
		}); err != nil {
			return fmt.Errorf("schedule repair %q: %w", cfg.RepairSchedule, err)
		}
		scheduler.Start()
		g.Go(func() error {
			<-ctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Petanque Manager Cloud starting", map[string]interface{}{
			"version": version.Current(),
			"port":    cfg.Port,
			"store":   cfg.StoreDriver,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
