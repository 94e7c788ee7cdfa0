// Package cli provides the start-up steps shared by cmd/cashflow and
// cmd/cashflow-worker.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cashflow/internal/config"
	applog "cashflow/internal/log"
)

// DefaultShutdownTimeout bounds graceful shutdown once a signal arrives.
const DefaultShutdownTimeout = 30 * time.Second

// SetupLogger builds the process logger at the given level, writing text
// to out (stdout when nil), and installs it as the slog default.
func SetupLogger(level string, out io.Writer) *applog.Logger {
	if out == nil {
		out = os.Stdout
	}
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Component: applog.ComponentApp,
		Output:    out,
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads .env files for local development. Missing files are
// ignored; variables already set in the environment win.
func LoadEnvFile(files ...string) {
	_ = godotenv.Load(files...)
}

// Validator is one of config.Config's Validate methods.
type Validator func(*config.Config) error

// LoadAndValidateConfig reads the environment and checks it with validate.
// It exits the process on failure.
func LoadAndValidateConfig(logger *applog.Logger, validate Validator) *config.Config {
	cfg, err := LoadConfig(validate)
	if err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
	return cfg
}

// LoadConfig is LoadAndValidateConfig without the exit.
func LoadConfig(validate Validator) (*config.Config, error) {
	cfg := config.Load()
	if validate == nil {
		validate = (*config.Config).Validate
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM. The returned stop
// releases the signal handler.
func SignalContext(parent context.Context, logger *applog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}

// Shutdown runs each step with a context bounded by timeout once ctx is
// done. It returns the first error, after every step has run.
func Shutdown(ctx context.Context, logger *applog.Logger, timeout time.Duration, steps ...func(context.Context) error) error {
	<-ctx.Done()
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info("Shutting down", applog.FieldOperation, applog.OpShutdown, "timeout", timeout)
	var first error
	for _, step := range steps {
		if err := step(shutdownCtx); err != nil {
			logger.Error("Shutdown step failed", applog.FieldError, err)
			if first == nil {
				first = err
			}
		}
	}
	if shutdownCtx.Err() != nil {
		logger.Warn("Shutdown timeout reached")
	} else {
		logger.Info("Shutdown complete")
	}
	return first
}
