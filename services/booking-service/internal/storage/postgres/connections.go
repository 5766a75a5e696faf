package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

const connectionColumns = `id, business_id, COALESCE(staff_id, ''), provider, status, access_token, refresh_token,
	COALESCE(token_expires_at, 'epoch'::timestamptz), calendar_id, sync_enabled, sync_cursor,
	COALESCE(watch_channel_id, ''), COALESCE(watch_resource_id, ''), COALESCE(watch_channel_token, ''),
	webhook_expires_at, last_webhook_at, last_sync_at, last_error, version, created_at`

func scanConnection(row pgx.Row) (model.CalendarConnection, error) {
	var (
		c                model.CalendarConnection
		provider, status string
	)
	err := row.Scan(&c.ID, &c.BusinessID, &c.StaffID, &provider, &status, &c.AccessToken, &c.RefreshToken,
		&c.TokenExpiresAt, &c.CalendarID, &c.SyncEnabled, &c.SyncCursor,
		&c.WatchChannelID, &c.WatchResourceID, &c.WatchChannelToken,
		&c.WebhookExpiresAt, &c.LastWebhookAt, &c.LastSyncAt, &c.LastError, &c.Version, &c.CreatedAt)
	if err != nil {
		return model.CalendarConnection{}, err
	}
	c.Provider = model.Provider(provider)
	c.Status = model.ConnectionStatus(status)
	if c.TokenExpiresAt.Unix() == 0 {
		c.TokenExpiresAt = time.Time{}
	}
	return c, nil
}

func (s *Store) listConnections(ctx context.Context, sql string, args ...any) ([]model.CalendarConnection, error) {
	rows, err := s.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CalendarConnection, error) {
		return scanConnection(row)
	})
}

func (s *Store) GetConnection(ctx context.Context, id string) (model.CalendarConnection, error) {
	c, err := scanConnection(s.q.QueryRow(ctx, `SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`, id))
	return c, mapErr(err)
}

func (s *Store) FindConnectionByWatchChannel(ctx context.Context, channelID string) (model.CalendarConnection, error) {
	c, err := scanConnection(s.q.QueryRow(ctx, `
		SELECT `+connectionColumns+` FROM calendar_connections WHERE watch_channel_id = $1
	`, channelID))
	return c, mapErr(err)
}

func (s *Store) ListSyncTargets(ctx context.Context, businessID, staffID string) ([]model.CalendarConnection, error) {
	return s.listConnections(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE business_id = $1
			AND status = 'ACTIVE'
			AND sync_enabled
			AND (staff_id IS NULL OR staff_id = $2)
		ORDER BY id
	`, businessID, staffID)
}

func (s *Store) ListExpiringWatches(ctx context.Context, before time.Time, limit int) ([]model.CalendarConnection, error) {
	return s.listConnections(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE status = 'ACTIVE'
			AND sync_enabled
			AND watch_channel_id IS NOT NULL
			AND webhook_expires_at < $1
		ORDER BY webhook_expires_at
		LIMIT $2
	`, before, limit)
}

func (s *Store) ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]model.CalendarConnection, error) {
	return s.listConnections(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE status = 'ACTIVE'
			AND sync_enabled
			AND (last_sync_at IS NULL OR last_sync_at < $1)
		ORDER BY last_sync_at NULLS FIRST
		LIMIT $2
	`, syncedBefore, limit)
}

func (s *Store) CreateConnection(ctx context.Context, conn *model.CalendarConnection) error {
	var expires *time.Time
	if !conn.TokenExpiresAt.IsZero() {
		expires = &conn.TokenExpiresAt
	}
	err := s.q.QueryRow(ctx, `
		INSERT INTO calendar_connections
			(business_id, staff_id, provider, status, access_token, refresh_token, token_expires_at,
			 calendar_id, sync_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, version, created_at
	`, conn.BusinessID, nullIfEmpty(conn.StaffID), string(conn.Provider), string(conn.Status),
		conn.AccessToken, conn.RefreshToken, expires, conn.CalendarID, conn.SyncEnabled,
	).Scan(&conn.ID, &conn.Version, &conn.CreatedAt)
	return mapErr(err)
}

func (s *Store) UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx, `
		UPDATE calendar_connections
		SET access_token = $3,
			refresh_token = CASE WHEN $4 = '' THEN refresh_token ELSE $4 END,
			token_expires_at = $5,
			version = version + 1
		WHERE id = $1 AND version = $2
	`, id, expectedVersion, accessToken, refreshToken, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UpdateSyncCursor(ctx context.Context, id, cursor string, syncedAt time.Time) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE calendar_connections SET sync_cursor = $2, last_sync_at = $3 WHERE id = $1
	`, id, cursor, nullIfZero(syncedAt)))
}

func (s *Store) UpdateWatch(ctx context.Context, id string, w model.WatchState) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE calendar_connections
		SET watch_channel_id = $2, watch_resource_id = $3, watch_channel_token = $4, webhook_expires_at = $5
		WHERE id = $1
	`, id, nullIfEmpty(w.ChannelID), nullIfEmpty(w.ResourceID), nullIfEmpty(w.Token), w.ExpiresAt))
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastError string) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE calendar_connections SET status = $2, last_error = $3 WHERE id = $1
	`, id, string(status), lastError))
}

func (s *Store) TouchWebhook(ctx context.Context, id string, at time.Time) error {
	return expectOne(s.q.Exec(ctx, `UPDATE calendar_connections SET last_webhook_at = $2 WHERE id = $1`, id, at))
}

func (s *Store) Disconnect(ctx context.Context, id string) error {
	return expectOne(s.q.Exec(ctx, `
		UPDATE calendar_connections
		SET status = 'DISCONNECTED',
			access_token = '',
			refresh_token = '',
			token_expires_at = NULL,
			sync_cursor = '',
			watch_channel_id = NULL,
			watch_resource_id = NULL,
			watch_channel_token = NULL,
			webhook_expires_at = NULL,
			version = version + 1
		WHERE id = $1
	`, id))
}
