package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	questradeadapter "github.com/ericfisherdev/brokersync/internal/adapter/driven/questrade"
	sqliteadapter "github.com/ericfisherdev/brokersync/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/brokersync/internal/adapter/driving/http"
	"github.com/ericfisherdev/brokersync/internal/application"
	"github.com/ericfisherdev/brokersync/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"login_url", cfg.LoginURL,
		"sync_interval", cfg.SyncInterval,
	)
	if !cfg.HasEncryptionKey() {
		slog.Warn("no encryption key configured, credential operations will fail until BROKERSYNC_ENCRYPTION_KEY is set")
	}

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire driven adapters.
	credentialStore := sqliteadapter.NewCredentialRepo(db, cfg.EncryptionKey)
	accountStore := sqliteadapter.NewAccountRepo(db)
	positionStore := sqliteadapter.NewPositionRepo(db)
	activityStore := sqliteadapter.NewActivityRepo(db)

	authClient := questradeadapter.NewAuthClient(cfg.LoginURL, cfg.RequestTimeout)

	// 6. Token manager first, then the gateway that uses it as token source,
	// then close the loop by handing the gateway back as connection probe.
	manager := application.NewTokenManager(credentialStore, authClient)
	gateway := questradeadapter.NewClient(manager, cfg.MaxPerSecond, cfg.MaxConcurrent, cfg.RequestTimeout)
	manager.SetConnectionProbe(gateway)

	// 7. Application services.
	quoteSvc := application.NewQuoteService(gateway, manager, cfg.QuoteTTL)
	syncSvc := application.NewSyncService(gateway, manager, accountStore, positionStore, activityStore, cfg.SyncInterval)
	go syncSvc.Start(ctx)

	// 8. HTTP handler and routes with middleware.
	apiHandler := httphandler.NewHandler(manager, quoteSvc, syncSvc, accountStore, positionStore, activityStore, slog.Default())
	handler := httphandler.NewServeMux(apiHandler, slog.Default())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
		}
	}()

	slog.Info("brokersync started",
		"listen_addr", cfg.ListenAddr,
		"sync_interval", cfg.SyncInterval,
		"quote_ttl", cfg.QuoteTTL,
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with 10s timeout to drain the HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
