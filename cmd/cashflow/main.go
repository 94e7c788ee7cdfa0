package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	_ "time/tzdata"

	"golang.org/x/sync/errgroup"

	"cashflow/internal/backend"
	"cashflow/internal/cache"
	"cashflow/internal/cli"
	"cashflow/internal/config"
	apphttp "cashflow/internal/http"
	"cashflow/internal/ledger"
	applog "cashflow/internal/log"
	"cashflow/internal/session"
)

// janitorInterval is how often expired sessions are swept.
const janitorInterval = time.Minute

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), nil)
	cfg := cli.LoadAndValidateConfig(logger, (*config.Config).Validate)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *applog.Logger) error {
	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	backends, err := backend.NewFactory(logger.Logger).Open(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Cleanup(); err != nil {
			logger.Error("Failed to close backends", applog.FieldError, err)
		}
	}()

	sessions, err := session.NewManager(session.Config{
		Secret:      []byte(cfg.SessionSecret),
		TTL:         cfg.SessionTTL,
		MaxSessions: cfg.MaxSessions,
	})
	if err != nil {
		return err
	}

	store := ledger.New(backends.Store, ledger.WithPublisher(backends.Broker))
	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Ledger:             store,
		Sessions:           sessions,
		Events:             backends.Broker,
		Health:             backends.Store,
		Logger:             logger,
		Location:           cfg.Location(),
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	logger.Info("Starting cashflow server",
		applog.FieldOperation, applog.OpStartup,
		"port", cfg.Port,
		"data_backend", cfg.DataBackend,
		"notify_backend", cfg.NotifyBackend)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return cache.NewJanitor(sessions.Registry()).Run(gctx, janitorInterval)
	})
	g.Go(func() error {
		return cli.Shutdown(gctx, logger, cli.DefaultShutdownTimeout, srv.Shutdown)
	})
	return g.Wait()
}
