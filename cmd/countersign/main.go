package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parchmint/countersign/approval"
	"github.com/parchmint/countersign/config"
	"github.com/parchmint/countersign/db"
	"github.com/parchmint/countersign/logger"
	"github.com/parchmint/countersign/mailbox"
	"github.com/parchmint/countersign/mailer"
	"github.com/parchmint/countersign/pkg/errors"
	"github.com/parchmint/countersign/pkg/retry"
	"github.com/parchmint/countersign/server/httpapi"
	"github.com/parchmint/countersign/server/retention"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	checkOnce := flag.Bool("check-once", false, "Run a single approval check and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("countersign version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "COUNTERSIGN: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("Countersign starting", "version", version, "commit", commit, "built", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Info("Received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	database := connectDatabase(ctx, &cfg, errorHandler)
	defer database.Close()
	database.StartPoolMetrics(ctx)

	engine, service := buildWorkflow(&cfg, database, errorHandler)

	errChan := make(chan error, 1)

	if *checkOnce {
		summary, err := engine.RunCheck(ctx)
		if err != nil {
			errorHandler.FatalError("approval check", err)
			os.Exit(errorHandler.WaitForExit())
		}
		fmt.Println(summary.String())
		return
	}

	engine.Start(ctx)
	defer engine.Stop()

	if cfg.Retention.Enabled {
		sweepInterval, _ := cfg.Retention.GetSweepInterval()
		auditRetention, _ := cfg.Retention.GetAuditRetention()
		worker := retention.New(database, sweepInterval, auditRetention)
		worker.Start(ctx)
		defer worker.Stop()
	}

	if cfg.HTTPAPI.Enabled {
		go httpapi.Start(ctx, engine, service, database, httpapi.ServerOptions{
			Addr:         cfg.HTTPAPI.Addr,
			APIKey:       cfg.HTTPAPI.APIKey,
			AllowedHosts: cfg.HTTPAPI.AllowedHosts,
		}, errChan)
	}

	if cfg.Metrics.Enabled {
		go startMetricsServer(ctx, cfg.Metrics.Addr, errChan)
	}

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("Waiting for components to stop")
		// Deferred Stop calls wait for in-flight work.
	case err := <-errChan:
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// loadAndValidateConfig loads configuration from file and validates it.
func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.Load(configPath, cfg); err != nil {
		if os.IsNotExist(err) {
			// The default config not existing is fine; run on defaults.
			if configPath == "config.toml" {
				fmt.Fprintf(os.Stderr, "COUNTERSIGN: default configuration file '%s' not found, using application defaults\n", configPath)
			} else {
				errorHandler.ConfigError(configPath, err)
				os.Exit(errorHandler.WaitForExit())
			}
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// connectDatabase connects with retry so a restart race against Postgres
// does not kill the daemon.
func connectDatabase(ctx context.Context, cfg *config.Config, errorHandler *errors.ErrorHandler) *db.Database {
	var database *db.Database
	err := retry.WithRetry(ctx, func() error {
		var err error
		database, err = db.NewDatabaseFromConfig(ctx, &cfg.Database)
		if err != nil {
			logger.Warn("Database connection failed, retrying", "error", err)
		}
		return err
	}, retry.BackoffConfig{
		InitialInterval: time.Second,
		MaxInterval:     15 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      8,
	})
	if err != nil {
		errorHandler.FatalError("database connection", err)
		os.Exit(errorHandler.WaitForExit())
	}
	return database
}

func buildWorkflow(cfg *config.Config, database *db.Database, errorHandler *errors.ErrorHandler) (*approval.Engine, *approval.Service) {
	sender := mailer.NewSMTPSender(cfg.SMTP)

	service, err := approval.NewService(database, sender, cfg)
	if err != nil {
		errorHandler.FatalError("approval service setup", err)
		os.Exit(errorHandler.WaitForExit())
	}

	checkInterval, err := cfg.Engine.GetCheckInterval()
	if err != nil {
		errorHandler.FatalError("engine configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}

	poller := mailbox.New(cfg.IMAP)
	applier := &approval.StoreApplier{Store: database}
	engine := approval.NewEngine(poller, applier, database, checkInterval)

	return engine, service
}

func startMetricsServer(ctx context.Context, addr string, errChan chan error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting metrics server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
