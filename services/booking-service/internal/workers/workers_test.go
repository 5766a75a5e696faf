package workers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func addConnection(t *testing.T, store *memory.Store, c model.CalendarConnection) model.CalendarConnection {
	t.Helper()
	c.BusinessID = "biz-1"
	c.Provider = model.ProviderGoogle
	if c.Status == "" {
		c.Status = model.ConnectionActive
	}
	c.SyncEnabled = true
	if err := store.CreateConnection(context.Background(), &c); err != nil {
		t.Fatalf("create connection: %v", err)
	}
	if c.WatchChannelID != "" {
		if err := store.UpdateWatch(context.Background(), c.ID, model.WatchState{
			ChannelID: c.WatchChannelID, Token: "tok", ExpiresAt: c.WebhookExpiresAt,
		}); err != nil {
			t.Fatalf("update watch: %v", err)
		}
	}
	return c
}

type fakeWatcher struct {
	mu      sync.Mutex
	renewed []string
	fail    map[string]bool
}

func (w *fakeWatcher) StartWatch(_ context.Context, id string) (model.WatchState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail[id] {
		return model.WatchState{}, errors.New("provider down")
	}
	w.renewed = append(w.renewed, id)
	return model.WatchState{ChannelID: "new-" + id}, nil
}

func TestRenewerRenewsOnlyExpiringChannels(t *testing.T) {
	store := memory.New()
	now := time.Now()
	soon, later := now.Add(2*time.Hour), now.Add(72*time.Hour)
	expiring := addConnection(t, store, model.CalendarConnection{WatchChannelID: "c1", WebhookExpiresAt: &soon})
	addConnection(t, store, model.CalendarConnection{WatchChannelID: "c2", WebhookExpiresAt: &later})
	addConnection(t, store, model.CalendarConnection{})

	w := &fakeWatcher{}
	r := NewRenewer(store, w, testLogger(), RenewerConfig{Horizon: 24 * time.Hour})
	if n := r.RenewOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 renewal, got %d", n)
	}
	if len(w.renewed) != 1 || w.renewed[0] != expiring.ID {
		t.Fatalf("unexpected renewals %v", w.renewed)
	}
}

func TestRenewerContinuesPastFailures(t *testing.T) {
	store := memory.New()
	soon := time.Now().Add(time.Hour)
	a := addConnection(t, store, model.CalendarConnection{WatchChannelID: "c1", WebhookExpiresAt: &soon})
	b := addConnection(t, store, model.CalendarConnection{WatchChannelID: "c2", WebhookExpiresAt: &soon})

	w := &fakeWatcher{fail: map[string]bool{a.ID: true}}
	r := NewRenewer(store, w, testLogger(), RenewerConfig{})
	if n := r.RenewOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 renewal, got %d", n)
	}
	if len(w.renewed) != 1 || w.renewed[0] != b.ID {
		t.Fatalf("unexpected renewals %v", w.renewed)
	}
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Enqueue(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func TestPollerEnqueuesStaleConnections(t *testing.T) {
	store := memory.New()
	never := addConnection(t, store, model.CalendarConnection{})
	stale := addConnection(t, store, model.CalendarConnection{})
	fresh := addConnection(t, store, model.CalendarConnection{})
	addConnection(t, store, model.CalendarConnection{Status: model.ConnectionError})

	ctx := context.Background()
	if err := store.UpdateSyncCursor(ctx, stale.ID, "cur", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("update cursor: %v", err)
	}
	if err := store.UpdateSyncCursor(ctx, fresh.ID, "cur", time.Now()); err != nil {
		t.Fatalf("update cursor: %v", err)
	}

	d := &recordingDispatcher{}
	p := NewPoller(store, d, testLogger(), PollerConfig{Staleness: 15 * time.Minute, Parallel: 2})
	if n := p.PollOnce(ctx); n != 2 {
		t.Fatalf("expected 2 enqueues, got %d", n)
	}
	got := append([]string(nil), d.ids...)
	sort.Strings(got)
	want := []string{never.ID, stale.ID}
	sort.Strings(want)
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("enqueued %v, want %v", got, want)
	}
}

func TestRunAsLeaderRunsJobsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	job := func(ctx context.Context) {
		started.Add(1)
		<-ctx.Done()
	}

	done := make(chan struct{})
	go func() {
		RunAsLeader(ctx, Solo{}, testLogger(), job, job)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for started.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("RunAsLeader did not return after cancel")
	}
}

func TestSoloRefusesCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Solo{}).Lead(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
