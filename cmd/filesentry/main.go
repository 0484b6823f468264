// Command filesentry is the file-change monitoring daemon. It loads a YAML
// configuration file, starts one polling monitor per watched target, records
// confirmed changes in a local SQLite journal, optionally archives them to
// PostgreSQL, serves the REST control API, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filesentry/agent/internal/config"
	"github.com/filesentry/agent/internal/daemon"
	"github.com/filesentry/agent/internal/history"
	"github.com/filesentry/agent/internal/journal"
	"github.com/filesentry/agent/internal/notify"
	"github.com/filesentry/agent/internal/server/rest"
)

func main() {
	configPath := flag.String("config", "/etc/filesentry/config.yaml", "path to the filesentry YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "filesentry: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.Int("num_targets", len(cfg.Targets)),
		slog.String("log_level", cfg.LogLevel),
		slog.String("api_addr", cfg.APIAddr),
	)

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Error("failed to open change journal",
			slog.String("path", cfg.JournalPath),
			slog.Any("error", err),
		)
		os.Exit(1)
	}

	hub := notify.NewHub(logger, 0)
	defer hub.Close()

	d := daemon.New(cfg, logger, daemon.WithJournal(j), daemon.WithHub(hub))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		logger.Error("failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional PostgreSQL archive: drains the journal in the background and
	// enables time-window queries on /api/v1/changes.
	var (
		store    *history.Store
		archiver *history.Archiver
	)
	if cfg.History != nil {
		store, err = history.NewStore(ctx, cfg.History.DSN)
		if err != nil {
			logger.Error("failed to connect history archive", slog.Any("error", err))
			d.Stop()
			os.Exit(1)
		}
		archiver = history.NewArchiver(logger, j, store, cfg.History.BatchSize, cfg.History.DrainInterval.Std())
		archiver.Start()
		logger.Info("history archiver started",
			slog.Int("batch_size", cfg.History.BatchSize),
			slog.Duration("drain_interval", cfg.History.DrainInterval.Std()),
		)
	}

	auth, err := loadAuth(cfg.Auth, logger)
	if err != nil {
		logger.Error("failed to load auth configuration", slog.Any("error", err))
		d.Stop()
		os.Exit(1)
	}

	var archive rest.Archive
	if store != nil {
		archive = store
	}
	apiServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      rest.NewRouter(rest.NewServer(d, j, archive), auth),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("api server listening", slog.String("addr", cfg.APIAddr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: stop serving first, then the archiver (so the last
	// drain can finish), then the daemon, which closes the journal.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", slog.Any("error", err))
	}

	if archiver != nil {
		archiver.Stop()
	}
	if store != nil {
		store.Close()
	}

	d.Stop()

	logger.Info("filesentry exited cleanly")
}

// loadAuth reads the configured RSA public key and builds the REST auth
// settings. A nil auth block disables API authentication (suitable only for
// localhost deployments); that choice is logged loudly.
func loadAuth(cfg *config.AuthConfig, logger *slog.Logger) (*rest.AuthConfig, error) {
	if cfg == nil {
		logger.Warn("api authentication disabled: no auth block in configuration")
		return nil, nil
	}
	pemData, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", cfg.PublicKeyPath, err)
	}
	pub, err := rest.ParseRSAPublicKey(pemData)
	if err != nil {
		return nil, err
	}
	return &rest.AuthConfig{
		PublicKey: pub,
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		Logger:    logger,
	}, nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
