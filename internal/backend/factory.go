package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"cashflow/internal/amqp"
	"cashflow/internal/kv"
	"cashflow/internal/kv/memory"
	kvredis "cashflow/internal/kv/redis"
	"cashflow/internal/kv/sqlite"
	"cashflow/internal/notify"
	notifyredis "cashflow/internal/notify/redis"
)

type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger.With("component", "backend")}
}

// Open creates the store and the broker described by cfg.
func (f *Factory) Open(ctx context.Context, cfg Config) (*Result, error) {
	if !cfg.Store.IsValid() {
		return nil, fmt.Errorf("invalid store backend: %s", cfg.Store)
	}
	if !cfg.Notify.IsValid() {
		return nil, fmt.Errorf("invalid notify backend: %s", cfg.Notify)
	}

	var closers []func() error
	cleanup := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	store, redisClient, err := f.openStore(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, store.Close)

	broker, closeBroker, err := f.openBroker(ctx, cfg, redisClient)
	if err != nil {
		cleanup()
		return nil, err
	}
	closers = append(closers, closeBroker)

	return &Result{Store: store, Broker: broker, Cleanup: cleanup}, nil
}

func (f *Factory) openStore(cfg Config) (kv.Store, *goredis.Client, error) {
	switch cfg.Store {
	case SQLiteStore:
		store, err := sqlite.New(cfg.SQLiteDBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize SQLite store: %w", err)
		}
		f.logger.Info("Initialized SQLite store", "db_path", cfg.SQLiteDBPath)
		return store, nil, nil

	case RedisStore:
		store, err := kvredis.New(f.redisConfig(cfg))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize Redis store: %w", err)
		}
		f.logger.Info("Initialized Redis store", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
		return store, store.Client(), nil

	default:
		if cfg.MemorySeedDir != "" {
			f.logger.Info("Initialized memory store", "seed_directory", cfg.MemorySeedDir)
			return memory.NewFromFiles(cfg.MemorySeedDir), nil, nil
		}
		f.logger.Info("Initialized memory store")
		return memory.New(), nil, nil
	}
}

// openBroker reuses the store's Redis client when there is one. The returned
// close function only releases what openBroker created.
func (f *Factory) openBroker(ctx context.Context, cfg Config, shared *goredis.Client) (notify.Broker, func() error, error) {
	switch cfg.Notify {
	case RedisNotify:
		client := shared
		closeClient := func() error { return nil }
		if client == nil {
			client = goredis.NewClient(&goredis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			})
			pingCtx, cancel := context.WithTimeout(ctx, f.timeout(cfg))
			err := client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				client.Close()
				return f.fallback(cfg, fmt.Errorf("failed to connect to redis: %w", err))
			}
			closeClient = client.Close
		}
		broker := notifyredis.New(client, notify.DefaultBuffer)
		f.logger.Info("Initialized Redis notifications", "channel_prefix", notifyredis.ChannelPrefix)
		return broker, func() error { return errors.Join(broker.Close(), closeClient()) }, nil

	case AMQPNotify:
		client, err := amqp.Dial(ctx, cfg.AMQPURL, cfg.AMQPExchange, notify.DefaultBuffer, cfg.AMQPDialAttempts)
		if err != nil {
			return f.fallback(cfg, fmt.Errorf("failed to initialize AMQP client: %w", err))
		}
		f.logger.Info("Initialized AMQP notifications", "exchange", cfg.AMQPExchange)
		return client, client.Close, nil

	default:
		hub := notify.NewHub(notify.DefaultBuffer)
		return hub, hub.Close, nil
	}
}

func (f *Factory) fallback(cfg Config, err error) (notify.Broker, func() error, error) {
	if cfg.RequireSharedNotify {
		return nil, nil, err
	}
	f.logger.Warn("Notification backend unavailable, continuing with in-process notifications", "error", err)
	hub := notify.NewHub(notify.DefaultBuffer)
	return hub, hub.Close, nil
}

func (f *Factory) redisConfig(cfg Config) kvredis.Config {
	return kvredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Timeout:  f.timeout(cfg),
		Retries:  cfg.StoreRetries,
	}
}

func (f *Factory) timeout(cfg Config) time.Duration {
	if cfg.StoreTimeout > 0 {
		return cfg.StoreTimeout
	}
	return 5 * time.Second
}
