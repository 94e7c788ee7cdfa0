// Package worker keeps the spreadsheet mirror in step with the ledger.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cashflow/internal/core"
	"cashflow/internal/ledger"
	applog "cashflow/internal/log"
	"cashflow/internal/notify"
	"cashflow/internal/retry"
	"cashflow/internal/sheets"
)

// Ledger reads a partition.
type Ledger interface {
	List(ctx context.Context, user string) ([]core.Transaction, error)
}

// KeyLister enumerates stored partitions.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

type Config struct {
	// Interval coalesces events: every partition changed during one interval
	// is mirrored once at its end.
	Interval time.Duration
	// ResyncInterval mirrors every stored partition periodically. Zero
	// disables the periodic pass; one still runs at startup.
	ResyncInterval time.Duration
	// Resubscribe paces new subscriptions after the event stream ends.
	Resubscribe retry.Config
}

func DefaultConfig() Config {
	return Config{
		Interval:       2 * time.Second,
		ResyncInterval: time.Hour,
		Resubscribe: retry.Config{
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
	}
}

// Mirror rewrites the sheet tab of every partition that changes.
type Mirror struct {
	events notify.Subscriber
	ledger Ledger
	keys   KeyLister
	writer sheets.PartitionWriter
	cfg    Config
	log    *applog.Logger

	mirrored atomic.Int64
	failures atomic.Int64
}

func NewMirror(events notify.Subscriber, l Ledger, keys KeyLister, w sheets.PartitionWriter, cfg Config, logger *applog.Logger) *Mirror {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Resubscribe.BaseDelay <= 0 {
		cfg.Resubscribe = def.Resubscribe
	}
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &Mirror{
		events: events,
		ledger: l,
		keys:   keys,
		writer: w,
		cfg:    cfg,
		log:    logger.WithComponent(applog.ComponentWorker),
	}
}

// Run mirrors every stored partition, then follows change events until ctx
// is done. It returns nil on cancellation.
func (m *Mirror) Run(ctx context.Context) error {
	sub, err := m.subscribe(ctx)
	if err != nil {
		return nilIfDone(ctx, err)
	}
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()

	if _, err := m.Resync(ctx); err != nil {
		m.log.ErrorContext(ctx, "Startup resync failed", applog.FieldError, err)
	}

	flush := time.NewTicker(m.cfg.Interval)
	defer flush.Stop()

	var resync <-chan time.Time
	if m.cfg.ResyncInterval > 0 {
		t := time.NewTicker(m.cfg.ResyncInterval)
		defer t.Stop()
		resync = t.C
	}

	dirty := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return nil

		case e, ok := <-sub.C:
			if !ok {
				m.log.WarnContext(ctx, "Change stream ended, resubscribing")
				sub.Close()
				sub = nil
				if sub, err = m.subscribe(ctx); err != nil {
					return nilIfDone(ctx, err)
				}
				// Events may have been missed while disconnected.
				if _, err := m.Resync(ctx); err != nil {
					m.log.ErrorContext(ctx, "Resync after reconnect failed", applog.FieldError, err)
				}
				continue
			}
			if e.Partition != "" {
				dirty[e.Partition] = struct{}{}
			}

		case <-flush.C:
			m.flush(ctx, dirty)

		case <-resync:
			if _, err := m.Resync(ctx); err != nil {
				m.log.ErrorContext(ctx, "Periodic resync failed", applog.FieldError, err)
			}
		}
	}
}

// subscribe retries until a subscription to every partition succeeds or
// ctx is done.
func (m *Mirror) subscribe(ctx context.Context) (*notify.Subscription, error) {
	for attempt := 0; ; attempt++ {
		sub, err := m.events.SubscribeAll(ctx)
		if err == nil {
			if attempt > 0 {
				m.log.InfoContext(ctx, "Subscribed to change events", "attempts", attempt+1)
			}
			return sub, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := retry.Backoff(m.cfg.Resubscribe, attempt)
		m.log.WarnContext(ctx, "Subscribe failed, retrying",
			applog.FieldError, err,
			"attempt", attempt+1,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// flush mirrors the dirty partitions. Partitions whose write failed stay
// dirty for the next tick; unreadable ones are dropped.
func (m *Mirror) flush(ctx context.Context, dirty map[string]struct{}) {
	for partition := range dirty {
		err := m.SyncPartition(ctx, partition)
		switch {
		case err == nil, errors.Is(err, ledger.ErrCorruptPartition):
			delete(dirty, partition)
		case ctx.Err() != nil:
			return
		}
	}
}

// SyncPartition rewrites the tab of one partition from the ledger.
func (m *Mirror) SyncPartition(ctx context.Context, partition string) error {
	log := m.log.With(applog.FieldPartition, partition)

	txs, err := m.ledger.List(ctx, partition)
	if err != nil {
		m.failures.Add(1)
		if errors.Is(err, ledger.ErrCorruptPartition) {
			log.WarnContext(ctx, "Skipping unreadable partition", applog.FieldError, err)
		} else {
			log.ErrorContext(ctx, "Failed to read partition", applog.FieldError, err)
		}
		return fmt.Errorf("read partition: %w", err)
	}

	if err := m.writer.WritePartition(ctx, partition, txs); err != nil {
		m.failures.Add(1)
		log.ErrorContext(ctx, "Failed to mirror partition", applog.FieldError, err)
		return fmt.Errorf("mirror partition: %w", err)
	}

	m.mirrored.Add(1)
	log.InfoContext(ctx, "Partition mirrored",
		applog.FieldOperation, applog.OpSync,
		"rows", len(txs))
	return nil
}

// Resync mirrors every stored partition and returns how many succeeded.
// Individual failures are logged and do not stop the pass.
func (m *Mirror) Resync(ctx context.Context) (int, error) {
	if m.keys == nil {
		return 0, nil
	}
	keys, err := m.keys.Keys(ctx, ledger.KeyPrefix())
	if err != nil {
		return 0, fmt.Errorf("list partitions: %w", err)
	}

	synced := 0
	for _, key := range keys {
		partition, ok := ledger.UserFromKey(key)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return synced, err
		}
		if m.SyncPartition(ctx, partition) == nil {
			synced++
		}
	}
	m.log.DebugContext(ctx, "Resync finished", "partitions", len(keys), "synced", synced)
	return synced, nil
}

type Stats struct {
	Mirrored int64
	Failures int64
}

func (m *Mirror) Stats() Stats {
	return Stats{Mirrored: m.mirrored.Load(), Failures: m.failures.Load()}
}

func nilIfDone(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
