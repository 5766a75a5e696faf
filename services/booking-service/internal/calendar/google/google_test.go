package google

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"google.golang.org/api/option"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) (*Provider, *calendar.Session) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	p := New(option.WithEndpoint(srv.URL + "/"))
	sess := &calendar.Session{
		Connection: model.CalendarConnection{ID: "conn-1", Provider: model.ProviderGoogle, CalendarID: "primary"},
		Client:     srv.Client(),
	}
	return p, sess
}

func writeJSON(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func TestFetchDeltaPagesAndMapsEvents(t *testing.T) {
	p, sess := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.HasSuffix(r.URL.Path, "/calendars/primary/events") {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("showDeleted") != "true" {
			t.Errorf("deleted events must be requested")
		}
		switch q.Get("pageToken") {
		case "":
			if q.Get("timeMin") == "" {
				t.Errorf("first fetch without cursor must bound the lookback")
			}
			writeJSON(w, http.StatusOK, `{
				"items": [
					{"id":"g-1","status":"confirmed","summary":"Haircut",
					 "start":{"dateTime":"2026-03-02T10:00:00Z"},"end":{"dateTime":"2026-03-02T11:00:00Z"},
					 "extendedProperties":{"private":{"appointmentId":"appt-1"}}},
					{"id":"g-2","status":"cancelled"}
				],
				"nextPageToken":"p2"
			}`)
		case "p2":
			writeJSON(w, http.StatusOK, `{"items":[{"id":"g-3","status":"confirmed","start":{"date":"2026-03-04"},"end":{"date":"2026-03-05"}}],"nextSyncToken":"sync-2"}`)
		}
	})

	ctx := context.Background()
	page, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{LookbackFrom: time.Now().AddDate(0, 0, -30)})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if page.NextPageToken != "p2" || page.NextCursor != "" || len(page.Events) != 2 {
		t.Fatalf("unexpected first page %+v", page)
	}
	first := page.Events[0]
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if first.AppointmentID != "appt-1" || !first.Start.Equal(want) || first.Cancelled {
		t.Fatalf("unexpected event %+v", first)
	}
	if !page.Events[1].Cancelled {
		t.Fatalf("cancelled status not mapped")
	}
	if len(first.Raw) == 0 {
		t.Fatalf("raw payload missing")
	}

	page, err = p.FetchDelta(ctx, sess, calendar.FetchRequest{PageToken: "p2"})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if page.NextCursor != "sync-2" || len(page.Events) != 1 {
		t.Fatalf("unexpected last page %+v", page)
	}
	if !page.Events[0].Start.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("all-day start parsed as %v", page.Events[0].Start)
	}
}

func TestFetchDeltaClassifiesErrors(t *testing.T) {
	p, sess := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("syncToken") {
		case "stale":
			writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Sync token is no longer valid, a full sync is required.","errors":[{"reason":"fullSyncRequired"}]}}`)
		case "revoked":
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":401,"message":"Invalid Credentials"}}`)
		case "forbidden":
			writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Forbidden","errors":[{"reason":"forbidden"}]}}`)
		case "throttled":
			writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Rate Limit Exceeded","errors":[{"domain":"usageLimits","reason":"rateLimitExceeded"}]}}`)
		case "quota":
			writeJSON(w, http.StatusForbidden, `{"error":{"code":403,"message":"Quota exceeded","errors":[{"domain":"usageLimits","reason":"quotaExceeded"}]}}`)
		default:
			writeJSON(w, http.StatusServiceUnavailable, `{"error":{"code":503,"message":"Backend Error"}}`)
		}
	})
	ctx := context.Background()
	if _, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{Cursor: "stale"}); !calendar.IsCursorInvalid(err) {
		t.Fatalf("410 should invalidate the cursor, got %v", err)
	}
	if _, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{Cursor: "revoked"}); !calendar.IsAuthError(err) {
		t.Fatalf("401 should be an auth error, got %v", err)
	}
	if _, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{Cursor: "forbidden"}); !calendar.IsAuthError(err) {
		t.Fatalf("plain 403 should be an auth error, got %v", err)
	}
	for _, cursor := range []string{"throttled", "quota"} {
		_, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{Cursor: cursor})
		if !calendar.IsTransient(err) || calendar.IsAuthError(err) {
			t.Fatalf("%s 403 should be transient, got %v", cursor, err)
		}
	}
	if _, err := p.FetchDelta(ctx, sess, calendar.FetchRequest{Cursor: "other"}); !calendar.IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}
}

func TestPushEventRecreatesMissingEvent(t *testing.T) {
	var inserted map[string]any
	p, sess := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && strings.HasSuffix(r.URL.Path, "/events/gone-1"):
			writeJSON(w, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/calendars/primary/events"):
			_ = json.NewDecoder(r.Body).Decode(&inserted)
			writeJSON(w, http.StatusOK, `{"id":"new-1"}`)
		default:
			http.NotFound(w, r)
		}
	})
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	id, err := p.PushEvent(context.Background(), sess, "gone-1", calendar.EventInput{
		AppointmentID: "appt-1", Summary: "Haircut", Start: start, End: start.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if id != "new-1" {
		t.Fatalf("expected recreated id, got %q", id)
	}
	props, _ := inserted["extendedProperties"].(map[string]any)
	private, _ := props["private"].(map[string]any)
	if private[calendar.AppointmentProperty] != "appt-1" {
		t.Fatalf("back-reference not sent: %v", inserted)
	}
}

func TestDeleteToleratesMissingEvent(t *testing.T) {
	p, sess := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusGone, `{"error":{"code":410,"message":"Resource has been deleted"}}`)
	})
	if err := p.DeleteEvent(context.Background(), sess, "g-1"); err != nil {
		t.Fatalf("delete of a missing event should succeed, got %v", err)
	}
}

func TestStartWatchRegistersChannel(t *testing.T) {
	var got map[string]any
	p, sess := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/events/watch") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, `{"id":"chan-1","resourceId":"res-1","expiration":"1780000000000"}`)
	})
	ch, err := p.StartWatch(context.Background(), sess, calendar.WatchRequest{
		ChannelID: "chan-1", Token: "secret", Address: "https://api.example.com/webhooks/google", TTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if ch.ResourceID != "res-1" || !ch.ExpiresAt.Equal(time.UnixMilli(1780000000000)) {
		t.Fatalf("unexpected channel %+v", ch)
	}
	if got["type"] != "web_hook" || got["token"] != "secret" {
		t.Fatalf("unexpected watch body %v", got)
	}
}
