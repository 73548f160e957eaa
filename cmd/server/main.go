/*
main.go - HTTP bridge entry point

PURPOSE:
  Starts the coverage audit API that in-page buttons and batch tabs
  call. Handles configuration, dependency injection, the inbox
  scheduler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (file, environment, flags)
  3. Open the shared key-value store
  4. Create API handler and router
  5. Start inbox scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config      YAML or JSON(C) config file
  --addr        Listen address (default from config, :8080)
  --driver      Storage driver: sqlite, postgres, mysql, file, memory
  --db          Database path, DSN or JSON file path
  --inbox       Directory scanned for report documents
  --log-level   debug, info, warn, error
  --log-format  text or json

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the inbox scheduler
  2. Stop accepting new connections
  3. Wait for active requests (server.shutdown_timeout)
  4. Cancel running batches and close the store

EXAMPLES:
  ./server --db=./data/audit.db
  ./server --driver=memory --log-level=debug
  ./server --driver=postgres --db="postgres://audit@localhost/audit"

ENVIRONMENT:
  COVERAGE_AUDIT_CONFIG, COVERAGE_AUDIT_DB, COVERAGE_AUDIT_DRIVER,
  COVERAGE_AUDIT_LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - internal/storage/storage.go: Store selection
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/warp/coverage-audit/api"
	"github.com/warp/coverage-audit/config"
	"github.com/warp/coverage-audit/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Config file (YAML or JSON)")
	addr := flag.String("addr", "", "HTTP listen address")
	driver := flag.String("driver", "", "Storage driver (sqlite, postgres, mysql, file, memory)")
	dsn := flag.String("db", "", "Database path or DSN")
	inbox := flag.String("inbox", "", "Directory scanned for report documents")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "Log format (text, json)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	override(&cfg.Server.Addr, *addr)
	override(&cfg.Storage.Driver, *driver)
	override(&cfg.Storage.DSN, *dsn)
	override(&cfg.Server.InboxDir, *inbox)
	override(&cfg.Log.Level, *logLevel)
	override(&cfg.Log.Format, *logFormat)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	// Initialize store
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, closeStore, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("close storage", "error", err)
		}
	}()

	// Initialize handler
	handler := api.NewHandler(kv, cfg, logger)
	defer handler.Close()

	scheduler := api.NewInboxScheduler(handler, cfg.Server.InboxDir)
	scheduler.CheckInterval = cfg.InboxInterval()
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr, "driver", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
