package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	otelx "github.com/md-rashed-zaman/bookingsync/libs/otel"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultLookback bounds the first fetch of a connection without a cursor.
	DefaultLookback = 30 * 24 * time.Hour
	maxPages        = 1000
)

// SyncResult summarizes one pass.
type SyncResult struct {
	Pages     int  `json:"pages"`
	Applied   int  `json:"applied"`
	Cancelled int  `json:"cancelled"`
	Moved     int  `json:"moved"`
	Mirrored  int  `json:"mirrored"`
	Deleted   int  `json:"deleted"`
	Rejected  int  `json:"rejected"`
	Reset     bool `json:"reset"`
}

func (r *SyncResult) add(c Change) {
	r.Applied++
	if c.Cancelled {
		r.Cancelled++
	}
	if c.Moved {
		r.Moved++
	}
	if c.Mirrored {
		r.Mirrored++
	}
	if c.MirrorDeleted {
		r.Deleted++
	}
	if c.MoveRejected {
		r.Rejected++
	}
}

// Sessions hands out a re-read connection with a usable client. *calendar.Manager implements it.
type Sessions interface {
	Session(ctx context.Context, connectionID string) (*calendar.Session, calendar.Provider, error)
	RecordFailure(ctx context.Context, conn model.CalendarConnection, err error)
}

type Config struct {
	Lookback time.Duration
}

type Syncer struct {
	store      storage.Store
	sessions   Sessions
	reconciler *Reconciler
	logger     *slog.Logger
	lookback   time.Duration
	now        func() time.Time
}

func NewSyncer(store storage.Store, sessions Sessions, bus eventbus.Publisher, logger *slog.Logger, cfg Config) *Syncer {
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	return &Syncer{
		store:      store,
		sessions:   sessions,
		reconciler: NewReconciler(store, bus, logger),
		logger:     logger,
		lookback:   cfg.Lookback,
		now:        time.Now,
	}
}

// Sync runs one delta pass for a connection. A rejected cursor is cleared and
// the pass restarts from the lookback window once; a failure of that restart
// ends the pass.
func (s *Syncer) Sync(ctx context.Context, connectionID string) (SyncResult, error) {
	ctx, span := otelx.Tracer().Start(ctx, "calsync.pass",
		trace.WithAttributes(attribute.String("calendar.connection_id", connectionID)))
	defer span.End()

	var res SyncResult
	err := s.pass(ctx, connectionID, true, &res)
	span.SetAttributes(
		attribute.Int("calendar.pages", res.Pages),
		attribute.Int("calendar.applied", res.Applied),
		attribute.Bool("calendar.reset", res.Reset),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("calendar sync pass failed", "err", err, "connection_id", connectionID, "reset", res.Reset)
		return res, err
	}
	s.logger.Info("calendar sync pass done", "connection_id", connectionID,
		"pages", res.Pages, "applied", res.Applied, "cancelled", res.Cancelled, "moved", res.Moved, "rejected", res.Rejected, "reset", res.Reset)
	return res, nil
}

func (s *Syncer) pass(ctx context.Context, connectionID string, allowReset bool, res *SyncResult) error {
	sess, provider, err := s.sessions.Session(ctx, connectionID)
	if err != nil {
		return err
	}
	conn := sess.Connection
	if !conn.SyncEnabled {
		return nil
	}

	req := calendar.FetchRequest{Cursor: conn.SyncCursor}
	if req.Cursor == "" {
		req.LookbackFrom = s.now().Add(-s.lookback)
	}

	var cursor string
	for page := 0; ; page++ {
		if page == maxPages {
			return fmt.Errorf("connection %s: delta walk exceeded %d pages", conn.ID, maxPages)
		}
		delta, err := provider.FetchDelta(ctx, sess, req)
		if err != nil {
			if calendar.IsCursorInvalid(err) && allowReset {
				return s.reset(ctx, conn, err, res)
			}
			if calendar.IsAuthError(err) {
				s.sessions.RecordFailure(ctx, conn, withConnection(err, conn.ID))
			}
			return err
		}
		res.Pages++
		for _, ev := range delta.Events {
			change, err := s.reconciler.Apply(ctx, conn, ev)
			if err != nil {
				return fmt.Errorf("apply event %s: %w", ev.ID, err)
			}
			res.add(change)
		}
		if delta.NextPageToken == "" {
			cursor = delta.NextCursor
			break
		}
		req.PageToken = delta.NextPageToken
	}

	if cursor == "" {
		// Providers always close a walk with a cursor; keep the old one rather than lose our place.
		cursor = conn.SyncCursor
	}
	return s.store.UpdateSyncCursor(ctx, conn.ID, cursor, s.now().UTC())
}

func (s *Syncer) reset(ctx context.Context, conn model.CalendarConnection, cause error, res *SyncResult) error {
	s.logger.Warn("sync cursor rejected, resyncing from lookback window", "connection_id", conn.ID, "provider", conn.Provider, "err", cause)
	var lastSync time.Time
	if conn.LastSyncAt != nil {
		lastSync = *conn.LastSyncAt
	}
	if err := s.store.UpdateSyncCursor(ctx, conn.ID, "", lastSync); err != nil {
		return err
	}
	res.Reset = true
	if err := s.pass(ctx, conn.ID, false, res); err != nil {
		return fmt.Errorf("resync after rejected cursor: %w", err)
	}
	return nil
}

func withConnection(err error, connectionID string) error {
	var authErr *calendar.ProviderAuthError
	if errors.As(err, &authErr) && authErr.ConnectionID == "" {
		authErr.ConnectionID = connectionID
	}
	return err
}
