package ledger

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"cashflow/internal/core"
	"cashflow/internal/kv"
	"cashflow/internal/kv/memory"
	"cashflow/internal/notify"
)

// fakeClock advances one millisecond per call unless frozen.
type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	frozen bool
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.t
	if !c.frozen {
		c.t = c.t.Add(time.Millisecond)
	}
	return now
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *memory.Store, *notify.Hub) {
	t.Helper()
	backend := memory.New()
	hub := notify.NewHub(64)
	t.Cleanup(func() { hub.Close() })
	clock := &fakeClock{t: time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)}
	opts = append([]Option{WithPublisher(hub), WithClock(clock.Now)}, opts...)
	return New(backend, opts...), backend, hub
}

func TestStoreListEmptyPartition(t *testing.T) {
	s, _, _ := newTestStore(t)

	txs, err := s.List(context.Background(), "0300")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if txs == nil || len(txs) != 0 {
		t.Errorf("List() = %v, want empty non-nil slice", txs)
	}
}

func TestStoreAddScenario(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t, WithClock(time.Now))

	before := time.Now().Add(-time.Second)
	created, err := s.Add(ctx, "0300", core.NewTransaction{Type: core.TypeIn, Amount: 5000, Description: "Salary"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	txs, err := s.List(ctx, "0300")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("List() returned %d records, want 1", len(txs))
	}
	got := txs[0]
	if got.Type != core.TypeIn || got.Amount != 5000 || got.Description != "Salary" || got.ID == "" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.Date.Before(before) || got.Date.After(time.Now().Add(time.Second)) {
		t.Errorf("date %v not close to call time", got.Date)
	}
	if !reflect.DeepEqual(got, created) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, created)
	}
	if b := core.Balance(txs); b != 5000 {
		t.Errorf("Balance() = %d, want 5000", b)
	}
}

func TestStoreAddGrowsByOneAndNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	for i := 1; i <= 10; i++ {
		created, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeOut, Amount: int64(i), Description: "x"})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		txs, err := s.List(ctx, "u")
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(txs) != i {
			t.Fatalf("after %d adds List() has %d records", i, len(txs))
		}
		if txs[0].ID != created.ID {
			t.Fatalf("most recent record is %s, want %s", txs[0].ID, created.ID)
		}
	}
}

func TestStoreEqualDatesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), frozen: true}
	s, _, _ := newTestStore(t, WithClock(clock.Now))

	var ids []string
	for i := 0; i < 4; i++ {
		tx, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1})
		if err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		ids = append(ids, tx.ID)
	}

	txs, _ := s.List(ctx, "u")
	for i, tx := range txs {
		if want := ids[len(ids)-1-i]; tx.ID != want {
			t.Errorf("position %d = %s, want %s (newest insertion first)", i, tx.ID, want)
		}
	}
}

func TestStoreIDsUniqueUnderCollisions(t *testing.T) {
	ctx := context.Background()
	seq := []string{"dup", "dup", "dup", "other"}
	var mu sync.Mutex
	next := func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return id, nil
	}
	s, _, _ := newTestStore(t, WithIDGenerator(next))

	first, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	second, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 2})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if first.ID != "dup" || second.ID != "other" {
		t.Errorf("ids = %q, %q; want dup, other", first.ID, second.ID)
	}
}

func TestStoreIDGeneratorExhausted(t *testing.T) {
	tests := []struct {
		name  string
		newID func() (string, error)
	}{
		{"collisions", func() (string, error) { return "same", nil }},
		{"generator error", func() (string, error) { return "", errors.New("entropy exhausted") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, _, _ := newTestStore(t, WithIDGenerator(func() (string, error) { return "same", nil }))
			if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1}); err != nil {
				t.Fatalf("first Add() error = %v", err)
			}

			WithIDGenerator(tt.newID)(s)
			_, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1})
			if !errors.Is(err, ErrIDUnavailable) {
				t.Errorf("Add() error = %v, want ErrIDUnavailable", err)
			}
			if errors.Is(err, ErrWriteFailed) {
				t.Errorf("Add() error = %v, must not report a storage failure", err)
			}
			txs, _ := s.List(ctx, "u")
			if len(txs) != 1 {
				t.Errorf("failed add must not write, got %d records", len(txs))
			}
		})
	}
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	orig, _ := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 100, Description: "gift"})

	typ, amount, desc := core.TypeOut, int64(40), "refund"
	updated, err := s.Update(ctx, "u", orig.ID, core.TransactionPatch{Type: &typ, Amount: &amount, Description: &desc})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	want := core.Transaction{ID: orig.ID, Type: core.TypeOut, Amount: 40, Description: "refund", Date: orig.Date}
	if !reflect.DeepEqual(updated, want) {
		t.Errorf("Update() = %+v, want %+v", updated, want)
	}

	txs, _ := s.List(ctx, "u")
	if len(txs) != 1 || !reflect.DeepEqual(txs[0], want) {
		t.Errorf("List() after update = %+v", txs)
	}
}

func TestStoreUpdatePartialPatch(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	orig, _ := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 100, Description: "gift"})
	amount := int64(250)
	updated, err := s.Update(ctx, "u", orig.ID, core.TransactionPatch{Amount: &amount})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Amount != 250 || updated.Description != "gift" || updated.Type != core.TypeIn {
		t.Errorf("partial patch changed other fields: %+v", updated)
	}
}

func TestStoreUpdateNotFound(t *testing.T) {
	ctx := context.Background()
	s, backend, hub := newTestStore(t)

	sub, _ := hub.Subscribe(ctx, "u")
	defer sub.Close()

	amount := int64(1)
	_, err := s.Update(ctx, "u", "missing", core.TransactionPatch{Amount: &amount})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if _, err := backend.Get(ctx, PartitionKey("u")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("not-found update must not create the partition, got %v", err)
	}
	select {
	case e := <-sub.C:
		t.Errorf("unexpected event %+v", e)
	default:
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _, hub := newTestStore(t)

	keep, _ := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1})
	gone, _ := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeOut, Amount: 2})

	sub, _ := hub.Subscribe(ctx, "u")
	defer sub.Close()

	if err := s.Delete(ctx, "u", gone.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "u", gone.ID); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}

	txs, _ := s.List(ctx, "u")
	if len(txs) != 1 || txs[0].ID != keep.ID {
		t.Errorf("List() after delete = %+v", txs)
	}

	e := <-sub.C
	if e.Kind != notify.KindDeleted || e.ID != gone.ID {
		t.Errorf("event = %+v", e)
	}
	select {
	case e := <-sub.C:
		t.Errorf("second delete must not notify, got %+v", e)
	default:
	}
}

func TestStoreNotifiesAfterEachMutation(t *testing.T) {
	ctx := context.Background()
	s, _, hub := newTestStore(t)

	sub, _ := hub.Subscribe(ctx, "u")
	defer sub.Close()
	others, _ := hub.Subscribe(ctx, "someone-else")
	defer others.Close()

	tx, _ := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1})
	desc := "changed"
	if _, err := s.Update(ctx, "u", tx.ID, core.TransactionPatch{Description: &desc}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.Delete(ctx, "u", tx.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, want := range []notify.Kind{notify.KindAdded, notify.KindUpdated, notify.KindDeleted} {
		e := <-sub.C
		if e.Kind != want || e.Partition != "u" || e.ID != tx.ID {
			t.Errorf("event = %+v, want kind %s", e, want)
		}
	}
	select {
	case e := <-others.C:
		t.Errorf("other partition received %+v", e)
	default:
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, notify.Event) error {
	return errors.New("broker down")
}

func TestStorePublishFailureIsNotReturned(t *testing.T) {
	s := New(memory.New(), WithPublisher(failingPublisher{}))
	if _, err := s.Add(context.Background(), "u", core.NewTransaction{Type: core.TypeIn, Amount: 1}); err != nil {
		t.Fatalf("Add() error = %v, publish failures must be swallowed", err)
	}
}

func TestStoreValidation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	tests := []struct {
		name string
		in   core.NewTransaction
	}{
		{"unknown type", core.NewTransaction{Type: "sideways", Amount: 1}},
		{"negative amount", core.NewTransaction{Type: core.TypeIn, Amount: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(ctx, "u", tt.in); !errors.Is(err, ErrInvalidTransaction) {
				t.Errorf("Add() error = %v, want ErrInvalidTransaction", err)
			}
		})
	}

	// The store itself accepts zero amounts and empty descriptions.
	if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeOut}); err != nil {
		t.Errorf("Add() of zero amount error = %v", err)
	}

	bad := core.TxType("x")
	if _, err := s.Update(ctx, "u", "any", core.TransactionPatch{Type: &bad}); !errors.Is(err, ErrInvalidTransaction) {
		t.Errorf("Update() error = %v, want ErrInvalidTransaction", err)
	}
}

func TestStorePartitionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	a, _ := s.Add(ctx, "a", core.NewTransaction{Type: core.TypeIn, Amount: 1})
	if _, err := s.Add(ctx, "b", core.NewTransaction{Type: core.TypeIn, Amount: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "b", a.ID); err != nil {
		t.Fatal(err)
	}
	txs, _ := s.List(ctx, "a")
	if len(txs) != 1 {
		t.Errorf("delete in partition b affected partition a: %+v", txs)
	}
}

func TestStoreConcurrentAddsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: int64(i), Description: fmt.Sprint(i)}); err != nil {
				t.Errorf("Add() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	txs, _ := s.List(ctx, "u")
	if len(txs) != writers {
		t.Fatalf("List() has %d records, want %d", len(txs), writers)
	}
	seen := make(map[string]bool)
	for _, tx := range txs {
		if seen[tx.ID] {
			t.Fatalf("duplicate id %s", tx.ID)
		}
		seen[tx.ID] = true
	}
	if n := s.locks.size(); n != 0 {
		t.Errorf("%d partition locks left behind", n)
	}
}

func TestStoreCorruptPartition(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)

	if err := backend.Update(ctx, PartitionKey("u"), func([]byte, bool) ([]byte, error) {
		return []byte(`{"not":"an array"}`), nil
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.List(ctx, "u"); !errors.Is(err, ErrCorruptPartition) {
		t.Errorf("List() error = %v, want ErrCorruptPartition", err)
	}
	if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1}); !errors.Is(err, ErrCorruptPartition) {
		t.Errorf("Add() error = %v, want ErrCorruptPartition", err)
	}
	data, _ := backend.Get(ctx, PartitionKey("u"))
	if string(data) != `{"not":"an array"}` {
		t.Errorf("corrupt partition was overwritten: %s", data)
	}
}

type brokenKV struct{ kv.Store }

func (brokenKV) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func (brokenKV) Update(context.Context, string, kv.UpdateFunc) error {
	return errors.New("quota exceeded")
}

func TestStoreBackendFailures(t *testing.T) {
	ctx := context.Background()
	s := New(brokenKV{})

	_, err := s.List(ctx, "u")
	if err == nil || errors.Is(err, ErrCorruptPartition) {
		t.Errorf("List() error = %v, want a backend error", err)
	}
	if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1}); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Add() error = %v, want ErrWriteFailed", err)
	}
	if err := s.Delete(ctx, "u", "x"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Delete() error = %v, want ErrWriteFailed", err)
	}
}

func TestStoreCanceledContextAbortsWrite(t *testing.T) {
	s, backend, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Add(ctx, "u", core.NewTransaction{Type: core.TypeIn, Amount: 1}); !errors.Is(err, context.Canceled) {
		t.Errorf("Add() error = %v, want context.Canceled", err)
	}
	if _, err := backend.Get(context.Background(), PartitionKey("u")); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("canceled add wrote the partition: %v", err)
	}
}

func TestPartitionKey(t *testing.T) {
	if got := PartitionKey("03001234567"); got != "transactions-03001234567" {
		t.Errorf("PartitionKey() = %q", got)
	}
	user, ok := UserFromKey("transactions-03001234567")
	if !ok || user != "03001234567" {
		t.Errorf("UserFromKey() = %q, %v", user, ok)
	}
	if _, ok := UserFromKey("session:abc"); ok {
		t.Error("UserFromKey() accepted a foreign key")
	}
	if _, ok := UserFromKey("transactions-"); ok {
		t.Error("UserFromKey() accepted an empty user")
	}
}
