package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cashflow/internal/notify"
)

// readEvent returns the next "event:"/"data:" pair, skipping comments.
func readEvent(t *testing.T, r *bufio.Reader) (string, notify.Event) {
	t.Helper()
	var kind string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			kind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var e notify.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return kind, e
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url, token string) *bufio.Reader {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	return r
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	alice := env.login(t, "0300")
	bob := env.login(t, "0311")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openStream(t, ctx, ts.URL, alice)

	// Bob's change must not reach Alice's stream.
	env.do(t, http.MethodPost, "/api/transactions", bob, `{"type":"in","amount":1,"description":"bob"}`)
	rr := env.do(t, http.MethodPost, "/api/transactions", alice, `{"type":"in","amount":5000,"description":"Salary"}`)
	var id struct {
		ID string `json:"id"`
	}
	decodeBody(t, rr, &id)

	kind, e := readEvent(t, stream)
	if kind != string(notify.KindAdded) || e.Partition != "0300" || e.ID != id.ID {
		t.Fatalf("event = %s %+v", kind, e)
	}

	env.do(t, http.MethodDelete, "/api/transactions/"+id.ID, alice, "")
	kind, e = readEvent(t, stream)
	if kind != string(notify.KindDeleted) || e.ID != id.ID {
		t.Fatalf("event = %s %+v", kind, e)
	}
}

func TestEventsWildcardLikePhonesSeeOnlyTheirOwnPartition(t *testing.T) {
	for _, phone := range []string{"#", "*", "a.#"} {
		t.Run(phone, func(t *testing.T) {
			env := newTestEnv(t)
			ts := httptest.NewServer(env.srv.Handler)
			defer ts.Close()

			own := env.login(t, phone)
			other := env.login(t, "03001234567")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			stream := openStream(t, ctx, ts.URL, own)

			env.do(t, http.MethodPost, "/api/transactions", other, `{"type":"in","amount":1,"description":"other"}`)
			env.do(t, http.MethodPost, "/api/transactions", own, `{"type":"out","amount":2,"description":"mine"}`)

			// Events arrive in publish order, so a leak would come first.
			_, e := readEvent(t, stream)
			if e.Partition != phone {
				t.Fatalf("stream of %q received an event of partition %q", phone, e.Partition)
			}
		})
	}
}

func TestEventsHeartbeatAndShutdown(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Heartbeat = 20 * time.Millisecond })
	ts := httptest.NewServer(env.srv.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream := openStream(t, ctx, ts.URL, env.login(t, "0300"))

	for {
		line, err := stream.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if line == ": ping\n" {
			break
		}
	}

	if err := env.srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for {
		if _, err := stream.ReadString('\n'); err != nil {
			break
		}
	}
	if env.hub.Subscribers() != 0 {
		t.Errorf("subscription not released, %d left", env.hub.Subscribers())
	}
}

func TestEventsUnavailable(t *testing.T) {
	env := newTestEnv(t, func(d *Deps) { d.Events = nil })
	rr := env.do(t, http.MethodGet, "/api/events", env.login(t, "0300"), "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rr.Code)
	}
}
