package postgres

import (
	"context"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

func (s *Store) GetExternalEvent(ctx context.Context, connectionID, externalEventID string) (model.ExternalCalendarEvent, error) {
	var ev model.ExternalCalendarEvent
	err := s.q.QueryRow(ctx, `
		SELECT connection_id, external_event_id, COALESCE(appointment_id, ''), summary,
			COALESCE(start_time, 'epoch'::timestamptz), COALESCE(end_time, 'epoch'::timestamptz),
			status, payload, updated_at
		FROM external_calendar_events
		WHERE connection_id = $1 AND external_event_id = $2
	`, connectionID, externalEventID).Scan(&ev.ConnectionID, &ev.ExternalEventID, &ev.AppointmentID, &ev.Summary,
		&ev.StartTime, &ev.EndTime, &ev.Status, &ev.Payload, &ev.UpdatedAt)
	return ev, mapErr(err)
}

func (s *Store) UpsertExternalEvent(ctx context.Context, ev model.ExternalCalendarEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO external_calendar_events
			(connection_id, external_event_id, appointment_id, summary, start_time, end_time, status, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (connection_id, external_event_id) DO UPDATE
		SET appointment_id = EXCLUDED.appointment_id,
			summary = EXCLUDED.summary,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			status = EXCLUDED.status,
			payload = EXCLUDED.payload,
			updated_at = now()
	`, ev.ConnectionID, ev.ExternalEventID, nullIfEmpty(ev.AppointmentID), ev.Summary,
		ev.StartTime, ev.EndTime, ev.Status, ev.Payload)
	return mapErr(err)
}

func (s *Store) DeleteExternalEvent(ctx context.Context, connectionID, externalEventID string) error {
	_, err := s.q.Exec(ctx, `
		DELETE FROM external_calendar_events WHERE connection_id = $1 AND external_event_id = $2
	`, connectionID, externalEventID)
	return err
}
