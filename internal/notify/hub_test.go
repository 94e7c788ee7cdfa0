package notify

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func expectNone(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHubDeliversToPartitionAndWildcard(t *testing.T) {
	ctx := context.Background()
	h := NewHub(4)
	defer h.Close()

	mine, err := h.Subscribe(ctx, "0300")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	other, _ := h.Subscribe(ctx, "0400")
	all, _ := h.SubscribeAll(ctx)

	e := Event{Partition: "0300", Kind: KindAdded, ID: "a", At: time.Now()}
	if err := h.Publish(ctx, e); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := recv(t, mine); got.ID != "a" || got.Kind != KindAdded {
		t.Errorf("partition subscriber got %+v", got)
	}
	if got := recv(t, all); got.Partition != "0300" {
		t.Errorf("wildcard subscriber got %+v", got)
	}
	expectNone(t, other)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	h := NewHub(1)
	defer h.Close()

	sub, _ := h.Subscribe(ctx, "p")
	for i := 0; i < 3; i++ {
		if err := h.Publish(ctx, Event{Partition: "p", Kind: KindUpdated}); err != nil {
			t.Fatalf("publish must not fail on a slow subscriber: %v", err)
		}
	}
	if h.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", h.Dropped())
	}
	recv(t, sub)
	expectNone(t, sub)
}

func TestHubNoReplay(t *testing.T) {
	ctx := context.Background()
	h := NewHub(4)
	defer h.Close()

	_ = h.Publish(ctx, Event{Partition: "p", Kind: KindAdded})
	sub, _ := h.Subscribe(ctx, "p")
	expectNone(t, sub)
}

func TestSubscriptionCloseAndContext(t *testing.T) {
	h := NewHub(4)
	defer h.Close()

	sub, _ := h.Subscribe(context.Background(), "p")
	sub.Close()
	sub.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("channel should be closed after Close")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub2, _ := h.Subscribe(ctx, "p")
	cancel()
	select {
	case _, ok := <-sub2.C:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not released on context cancel")
	}
	if n := h.Subscribers(); n != 0 {
		t.Errorf("Subscribers() = %d, want 0", n)
	}
}

func TestHubClosed(t *testing.T) {
	h := NewHub(0)
	sub, _ := h.Subscribe(context.Background(), "p")
	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("subscription should end with the hub")
	}
	sub.Close()

	if err := h.Publish(context.Background(), Event{Partition: "p"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after close = %v", err)
	}
	if _, err := h.Subscribe(context.Background(), "p"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after close = %v", err)
	}
}

func TestFilterMatches(t *testing.T) {
	tests := []struct {
		name      string
		filter    Filter
		partition string
		want      bool
	}{
		{"same partition", Only("a"), "a", true},
		{"other partition", Only("a"), "b", false},
		{"hash is an ordinary name", Only("#"), "b", false},
		{"star is an ordinary name", Only("*"), "b", false},
		{"everything", Everything(), "b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(tt.partition); got != tt.want {
				t.Errorf("%v.Matches(%q) = %v", tt.filter, tt.partition, got)
			}
		})
	}
}

func TestHubWildcardLikeNamesStayIsolated(t *testing.T) {
	ctx := context.Background()
	h := NewHub(4)
	defer h.Close()

	hash, _ := h.Subscribe(ctx, "#")
	star, _ := h.Subscribe(ctx, "*")
	all, _ := h.SubscribeAll(ctx)
	if got := h.Subscribers(); got != 3 {
		t.Fatalf("Subscribers() = %d, want 3", got)
	}

	if err := h.Publish(ctx, Event{Partition: "0300", Kind: KindAdded, ID: "x"}); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, all); got.ID != "x" {
		t.Errorf("all subscriber got %+v", got)
	}
	expectNone(t, hash)
	expectNone(t, star)

	if err := h.Publish(ctx, Event{Partition: "#", Kind: KindAdded, ID: "own"}); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, hash); got.ID != "own" {
		t.Errorf("partition # got %+v", got)
	}

	all.Close()
	hash.Close()
	star.Close()
	if got := h.Subscribers(); got != 0 {
		t.Errorf("Subscribers() after close = %d", got)
	}
}
