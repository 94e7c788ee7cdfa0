package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	applog "cashflow/internal/log"
)

// handleEvents streams the change events of the session's partition as
// server-sent events. Delivery is best-effort: a slow client misses events
// and should refetch the list when it reconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, applog.OpRead, errEventsUnavailable)
		return
	}

	ctx := r.Context()
	partition := partitionOf(r)
	sub, err := s.events.Subscribe(ctx, partition)
	if err != nil {
		s.writeError(w, r, applog.OpRead, fmt.Errorf("%w: %w", errEventsUnavailable, err))
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := applog.FromContext(ctx).WithComponent(applog.ComponentNotify)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logger.WarnContext(ctx, "Event stream cannot be flushed", applog.FieldError, err)
		return
	}
	logger.DebugContext(ctx, "Event stream opened")

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				logger.WarnContext(ctx, "Failed to encode event", applog.FieldError, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
