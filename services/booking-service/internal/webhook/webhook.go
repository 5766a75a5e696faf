// Package webhook receives change notifications from calendar providers. It
// authenticates them against the connection's channel secret, acknowledges
// at once and leaves the sync itself to the dispatcher.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

const (
	HeaderGoogleChannelID     = "X-Goog-Channel-ID"
	HeaderGoogleChannelToken  = "X-Goog-Channel-Token"
	HeaderGoogleResourceID    = "X-Goog-Resource-ID"
	HeaderGoogleResourceState = "X-Goog-Resource-State"

	maxNotificationBytes = 1 << 20
)

type ConnectionStore interface {
	FindConnectionByWatchChannel(ctx context.Context, channelID string) (model.CalendarConnection, error)
	TouchWebhook(ctx context.Context, id string, at time.Time) error
}

type Ingress struct {
	store      ConnectionStore
	dispatcher dispatch.Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

func New(store ConnectionStore, dispatcher dispatch.Dispatcher, logger *slog.Logger) *Ingress {
	return &Ingress{store: store, dispatcher: dispatcher, logger: logger, now: time.Now}
}

// HandleProviderWebhook records the notification and schedules a sync pass.
// It never waits for the pass.
func (i *Ingress) HandleProviderWebhook(ctx context.Context, conn model.CalendarConnection) error {
	if !conn.Syncable() {
		i.logger.Info("notification for inactive connection ignored", "connection_id", conn.ID, "status", conn.Status)
		return nil
	}
	if err := i.store.TouchWebhook(ctx, conn.ID, i.now().UTC()); err != nil {
		i.logger.Warn("record webhook time failed", "err", err, "connection_id", conn.ID)
	}
	return i.dispatcher.Enqueue(ctx, conn.ID)
}

// lookup resolves the connection owning a channel and checks its secret.
func (i *Ingress) lookup(ctx context.Context, channelID, token string) (model.CalendarConnection, int) {
	if channelID == "" {
		return model.CalendarConnection{}, http.StatusBadRequest
	}
	conn, err := i.store.FindConnectionByWatchChannel(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return conn, http.StatusNotFound
	}
	if err != nil {
		i.logger.Error("webhook connection lookup failed", "err", err, "channel_id", channelID)
		return conn, http.StatusInternalServerError
	}
	if conn.WatchChannelToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(conn.WatchChannelToken)) != 1 {
		i.logger.Warn("webhook token mismatch", "channel_id", channelID, "connection_id", conn.ID)
		return conn, http.StatusForbidden
	}
	return conn, 0
}

// Google handles POST /webhooks/google.
func (i *Ingress) Google(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, maxNotificationBytes))

	conn, status := i.lookup(r.Context(), r.Header.Get(HeaderGoogleChannelID), r.Header.Get(HeaderGoogleChannelToken))
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if rid := r.Header.Get(HeaderGoogleResourceID); conn.WatchResourceID != "" && rid != "" && rid != conn.WatchResourceID {
		i.logger.Warn("webhook resource mismatch", "connection_id", conn.ID)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	// The first message on a new channel is a handshake with nothing to fetch.
	if r.Header.Get(HeaderGoogleResourceState) == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err := i.HandleProviderWebhook(r.Context(), conn); err != nil {
		i.logger.Error("enqueue sync failed", "err", err, "connection_id", conn.ID)
	}
	w.WriteHeader(http.StatusAccepted)
}

type graphNotifications struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		LifecycleEvent string `json:"lifecycleEvent"`
	} `json:"value"`
}

// Outlook handles POST /webhooks/outlook, including the subscription validation handshake.
func (i *Ingress) Outlook(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	var body graphNotifications
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBytes)).Decode(&body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	seen := map[string]bool{}
	for _, n := range body.Value {
		conn, status := i.lookup(r.Context(), n.SubscriptionID, n.ClientState)
		if status != 0 || seen[conn.ID] {
			continue
		}
		seen[conn.ID] = true
		if n.LifecycleEvent != "" {
			i.logger.Info("subscription lifecycle event", "connection_id", conn.ID, "event", n.LifecycleEvent)
		}
		if err := i.HandleProviderWebhook(r.Context(), conn); err != nil {
			i.logger.Error("enqueue sync failed", "err", err, "connection_id", conn.ID)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// Routes mounts both endpoints, each behind mw.
func (i *Ingress) Routes(mux *http.ServeMux, mw ...httpx.Middleware) {
	mux.Handle("POST /webhooks/google", httpx.Chain(http.HandlerFunc(i.Google), mw...))
	mux.Handle("POST /webhooks/outlook", httpx.Chain(http.HandlerFunc(i.Outlook), mw...))
}
