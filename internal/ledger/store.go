// Package ledger is the per-user transaction store. Each user owns one
// partition, persisted as a single JSON array under PartitionKey(user).
// Every mutation is one atomic read-modify-write of that partition, followed
// by a best-effort change notification.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cashflow/internal/core"
	"cashflow/internal/kv"
	applog "cashflow/internal/log"
	"cashflow/internal/notify"
)

const keyPrefix = "transactions-"

var (
	ErrNotFound           = errors.New("transaction not found")
	ErrCorruptPartition   = errors.New("stored transactions are unreadable")
	ErrWriteFailed        = errors.New("failed to save transactions")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrIDUnavailable      = errors.New("no unique transaction id")
)

// maxIDAttempts bounds regeneration of colliding IDs.
const maxIDAttempts = 8

// publishTimeout bounds the notification sent after a successful write.
const publishTimeout = 2 * time.Second

// PartitionKey is the storage key of user's partition.
func PartitionKey(user string) string {
	return keyPrefix + user
}

// UserFromKey is the inverse of PartitionKey.
func UserFromKey(key string) (string, bool) {
	user, ok := strings.CutPrefix(key, keyPrefix)
	return user, ok && user != ""
}

// KeyPrefix is the prefix shared by all partition keys.
func KeyPrefix() string {
	return keyPrefix
}

type Store struct {
	kv        kv.Store
	publisher notify.Publisher
	now       func() time.Time
	newID     func() (string, error)
	locks     *keyedMutex
}

type Option func(*Store)

// WithPublisher sets where change events go. Without it events are dropped.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Store) {
		if p != nil {
			s.publisher = p
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Store) { s.newID = newID }
}

func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:        store,
		publisher: notify.Discard{},
		now:       time.Now,
		newID:     newUUIDv7,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// List returns every transaction of user, most recent first. Records with
// the same date keep their stored order. A user with no partition has no
// transactions.
func (s *Store) List(ctx context.Context, user string) ([]core.Transaction, error) {
	key := PartitionKey(user)
	data, err := s.kv.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return []core.Transaction{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}

	txs, err := s.decode(ctx, key, data)
	if err != nil {
		return nil, err
	}
	return txs, nil
}

// Add stores a new transaction at the head of the partition. ID and Date are
// assigned here.
func (s *Store) Add(ctx context.Context, user string, n core.NewTransaction) (core.Transaction, error) {
	if err := n.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	var created core.Transaction
	err := s.mutate(ctx, user, applog.OpCreate, func(txs []core.Transaction) ([]core.Transaction, error) {
		id, err := s.uniqueID(txs)
		if err != nil {
			return nil, err
		}
		created = core.Transaction{
			ID:          id,
			Type:        n.Type,
			Amount:      n.Amount,
			Description: n.Description,
			Date:        s.now().UTC().Truncate(time.Millisecond),
		}
		return append([]core.Transaction{created}, txs...), nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	s.publish(ctx, user, notify.KindAdded, created.ID)
	return created, nil
}

// Update merges patch into the transaction with the given id. ID and Date
// never change. An unknown id yields ErrNotFound and writes nothing.
func (s *Store) Update(ctx context.Context, user, id string, patch core.TransactionPatch) (core.Transaction, error) {
	if err := patch.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}

	var updated core.Transaction
	err := s.mutate(ctx, user, applog.OpUpdate, func(txs []core.Transaction) ([]core.Transaction, error) {
		i := indexOf(txs, id)
		if i < 0 {
			return nil, ErrNotFound
		}
		txs[i] = patch.Apply(txs[i])
		updated = txs[i]
		return txs, nil
	})
	if err != nil {
		return core.Transaction{}, err
	}

	s.publish(ctx, user, notify.KindUpdated, id)
	return updated, nil
}

// Delete removes the transaction with the given id. Deleting an id that is
// not there succeeds without writing or notifying.
func (s *Store) Delete(ctx context.Context, user, id string) error {
	removed := false
	err := s.mutate(ctx, user, applog.OpDelete, func(txs []core.Transaction) ([]core.Transaction, error) {
		i := indexOf(txs, id)
		if i < 0 {
			return nil, kv.ErrSkipWrite
		}
		removed = true
		return append(txs[:i], txs[i+1:]...), nil
	})
	if err != nil {
		return err
	}

	if removed {
		s.publish(ctx, user, notify.KindDeleted, id)
	}
	return nil
}

// mutate runs fn over the current partition, sorted most recent first, and
// persists what it returns. Writers of the same partition in this process
// are serialized; the kv backend makes the read-modify-write atomic across
// processes.
func (s *Store) mutate(ctx context.Context, user, op string, fn func([]core.Transaction) ([]core.Transaction, error)) error {
	key := PartitionKey(user)
	unlock := s.locks.Lock(key)
	defer unlock()

	err := s.kv.Update(ctx, key, func(old []byte, exists bool) ([]byte, error) {
		txs := []core.Transaction{}
		if exists {
			decoded, err := s.decode(ctx, key, old)
			if err != nil {
				return nil, err
			}
			txs = decoded
		}

		next, err := fn(txs)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return encodePartition(next)
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrCorruptPartition),
		errors.Is(err, ErrIDUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return err
	default:
		slog.ErrorContext(ctx, "Failed to save transactions",
			applog.FieldComponent, applog.ComponentLedger,
			applog.FieldOperation, op,
			applog.FieldPartition, key,
			applog.FieldError, err)
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
}

func (s *Store) decode(ctx context.Context, key string, data []byte) ([]core.Transaction, error) {
	txs, stats, err := decodePartition(data)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to decode partition",
			applog.FieldComponent, applog.ComponentLedger,
			applog.FieldPartition, key,
			applog.FieldError, err)
		return nil, err
	}
	if !stats.clean() {
		slog.WarnContext(ctx, "Repaired malformed transactions",
			applog.FieldComponent, applog.ComponentLedger,
			applog.FieldPartition, key,
			"dropped", stats.Dropped,
			"coerced", stats.Coerced)
	}
	core.SortByDateDesc(txs)
	return txs, nil
}

func (s *Store) uniqueID(txs []core.Transaction) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := s.newID()
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrIDUnavailable, err)
		}
		if id != "" && indexOf(txs, id) < 0 {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %d collisions in a row", ErrIDUnavailable, maxIDAttempts)
}

// publish never fails the caller: the write already happened.
func (s *Store) publish(ctx context.Context, user string, kind notify.Kind, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	e := notify.Event{Partition: user, Kind: kind, ID: id, At: s.now().UTC()}
	if err := s.publisher.Publish(ctx, e); err != nil {
		slog.WarnContext(ctx, "Failed to publish change event",
			applog.FieldComponent, applog.ComponentLedger,
			applog.FieldPartition, PartitionKey(user),
			"kind", kind,
			applog.FieldError, err)
	}
}

func indexOf(txs []core.Transaction, id string) int {
	for i := range txs {
		if txs[i].ID == id {
			return i
		}
	}
	return -1
}
