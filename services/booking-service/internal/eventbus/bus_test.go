package eventbus

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishScopedToBusiness(t *testing.T) {
	b := New(testLogger())
	a, unsubA := b.Subscribe("biz-a", 4)
	defer unsubA()
	other, unsubB := b.Subscribe("biz-b", 4)
	defer unsubB()

	b.Publish(Event{Type: TypeAppointmentCreated, BusinessID: "biz-a", AppointmentID: "1"})

	select {
	case evt := <-a:
		if evt.AppointmentID != "1" {
			t.Fatalf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("subscriber of biz-a got nothing")
	}
	select {
	case evt := <-other:
		t.Fatalf("biz-b received %+v", evt)
	default:
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New(testLogger())
	ch, unsub := b.Subscribe("biz", 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{BusinessID: "biz"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked")
	}
	if len(ch) != 1 {
		t.Fatalf("expected one buffered event, got %d", len(ch))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	b := New(testLogger())
	ch, unsub := b.Subscribe("biz", 1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	if n := b.Subscribers("biz"); n != 0 {
		t.Fatalf("expected no subscribers, got %d", n)
	}
	b.Publish(Event{BusinessID: "biz"})
}

func TestStreamHandler(t *testing.T) {
	b := New(testLogger())
	h := b.StreamHandler(testLogger(), time.Hour, func(r *http.Request) string {
		return r.URL.Query().Get("business_id")
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?business_id=biz", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	if line, _ := reader.ReadString('\n'); !strings.HasPrefix(line, ": connected") {
		t.Fatalf("unexpected preamble %q", line)
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Subscribers("biz") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	b.Publish(Event{Type: TypeAppointmentCancelled, BusinessID: "biz", AppointmentID: "appt-1"})

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if strings.TrimSpace(line) != "event: "+TypeAppointmentCancelled {
				t.Fatalf("unexpected event line %q", line)
			}
			return
		}
	}
}

func TestStreamHandlerRequiresBusiness(t *testing.T) {
	b := New(testLogger())
	h := b.StreamHandler(testLogger(), time.Hour, func(*http.Request) string { return "" })
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
