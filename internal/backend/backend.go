// Package backend wires the storage and notification backends selected by
// configuration.
package backend

import (
	"errors"
	"slices"
	"time"

	"cashflow/internal/config"
	"cashflow/internal/kv"
	"cashflow/internal/notify"
)

// StoreType selects the kv backend.
type StoreType string

const (
	MemoryStore StoreType = "memory"
	SQLiteStore StoreType = "sqlite"
	RedisStore  StoreType = "redis"
)

// NotifyType selects the notification backend.
type NotifyType string

const (
	MemoryNotify NotifyType = "memory"
	RedisNotify  NotifyType = "redis"
	AMQPNotify   NotifyType = "amqp"
)

func (t StoreType) IsValid() bool {
	return slices.Contains([]StoreType{MemoryStore, SQLiteStore, RedisStore}, t)
}

func (t NotifyType) IsValid() bool {
	return slices.Contains([]NotifyType{MemoryNotify, RedisNotify, AMQPNotify}, t)
}

type Config struct {
	Store  StoreType
	Notify NotifyType

	SQLiteDBPath  string
	MemorySeedDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreTimeout time.Duration
	StoreRetries int

	AMQPURL          string
	AMQPExchange     string
	AMQPDialAttempts int

	// RequireSharedNotify turns a failing redis or amqp notifier into an
	// error instead of a fallback to the in-process hub.
	RequireSharedNotify bool
}

// FromAppConfig converts the application config to backend config
func FromAppConfig(c *config.Config) (Config, error) {
	if c == nil {
		return Config{}, errors.New("app config is nil")
	}
	return Config{
		Store:            StoreType(c.DataBackend),
		Notify:           NotifyType(c.NotifyBackend),
		SQLiteDBPath:     c.SQLiteDBPath,
		MemorySeedDir:    c.MemorySeedDir,
		RedisAddr:        c.RedisAddr,
		RedisPassword:    c.RedisPassword,
		RedisDB:          c.RedisDB,
		StoreTimeout:     c.StoreTimeout,
		StoreRetries:     c.StoreRetries,
		AMQPURL:          c.AMQPURL,
		AMQPExchange:     c.AMQPExchange,
		AMQPDialAttempts: 5,
	}, nil
}

// Result holds the opened backends. Cleanup closes them in reverse order.
type Result struct {
	Store   kv.Store
	Broker  notify.Broker
	Cleanup func() error
}
