package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
)

// StreamHandler serves a business's events as Server-Sent Events. businessID
// resolves the tenant of a request; an empty result is rejected with 400.
func (b *Bus) StreamHandler(logger *slog.Logger, heartbeat time.Duration, businessID func(*http.Request) string) http.HandlerFunc {
	if heartbeat <= 0 {
		heartbeat = 25 * time.Second
	}
	return func(w http.ResponseWriter, r *http.Request) {
		bid := businessID(r)
		if bid == "" {
			httpx.WriteError(w, http.StatusBadRequest, "business id required")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpx.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		events, unsubscribe := b.Subscribe(bid, 32)
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case evt, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					logger.Error("encode stream event", "err", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", evt.Type, evt.AppointmentID, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
