package main

import (
	"context"
	"os"

	"cashflow/internal/backend"
	"cashflow/internal/cli"
	"cashflow/internal/config"
	"cashflow/internal/ledger"
	applog "cashflow/internal/log"
	gsheet "cashflow/internal/sheets/google"
	"cashflow/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), nil)
	cfg := cli.LoadAndValidateConfig(logger, (*config.Config).ValidateWorker)

	if err := run(cfg, logger); err != nil {
		logger.Error("Worker stopped with error", applog.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}

func run(cfg *config.Config, logger *applog.Logger) error {
	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	// A worker on a private hub would never see a change.
	bcfg.RequireSharedNotify = true

	backends, err := backend.NewFactory(logger.Logger).Open(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Cleanup(); err != nil {
			logger.Error("Failed to close backends", applog.FieldError, err)
		}
	}()

	sheetsClient, err := gsheet.New(ctx, gsheet.Config{
		SpreadsheetID:   cfg.GoogleSpreadsheetID,
		CredentialsJSON: cfg.GoogleServiceAccountJSON,
		CredentialsFile: cfg.GoogleServiceAccountFile,
	})
	if err != nil {
		return err
	}
	logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)

	mirrorCfg := worker.DefaultConfig()
	mirrorCfg.Interval = cfg.MirrorInterval
	mirrorCfg.ResyncInterval = cfg.ResyncInterval

	mirror := worker.NewMirror(backends.Broker, ledger.New(backends.Store), backends.Store, sheetsClient, mirrorCfg, logger)

	logger.Info("Starting cashflow-worker",
		applog.FieldOperation, applog.OpStartup,
		"notify_backend", cfg.NotifyBackend,
		"mirror_interval", cfg.MirrorInterval)
	return mirror.Run(ctx)
}
