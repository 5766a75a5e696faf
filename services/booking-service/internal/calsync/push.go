package calsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

// SyncAppointmentToProvider creates or updates the provider event for appt
// and records the event id on both sides of the link. It returns the event id.
func (s *Syncer) SyncAppointmentToProvider(ctx context.Context, connectionID string, appt model.Appointment) (string, error) {
	sess, provider, err := s.sessions.Session(ctx, connectionID)
	if err != nil {
		return "", err
	}
	conn := sess.Connection

	// The stored row may carry an event id written by a concurrent pass.
	if cur, err := s.store.GetAppointment(ctx, appt.ID); err == nil {
		appt = cur
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	existing := appt.Metadata.EventID(conn.Provider)
	in := s.eventInput(ctx, appt)
	eventID, err := provider.PushEvent(ctx, sess, existing, in)
	if err != nil {
		s.sessions.RecordFailure(ctx, conn, withConnection(err, conn.ID))
		return "", err
	}

	err = s.store.WithTx(ctx, func(q storage.Queries) error {
		if eventID != existing {
			if err := q.UpdateAppointmentMetadata(ctx, appt.ID, appt.Metadata.WithEventID(conn.Provider, eventID)); err != nil {
				return err
			}
			if existing != "" {
				if err := q.DeleteExternalEvent(ctx, conn.ID, existing); err != nil {
					return err
				}
			}
		}
		mirror, hasMirror, err := lookupMirror(ctx, q, conn.ID, eventID)
		if err != nil {
			return err
		}
		next := model.ExternalCalendarEvent{
			ConnectionID:    conn.ID,
			ExternalEventID: eventID,
			AppointmentID:   appt.ID,
			Summary:         in.Summary,
			StartTime:       in.Start.UTC(),
			EndTime:         in.End.UTC(),
			Status:          mirrorConfirmed,
			Payload:         mirror.Payload,
		}
		if hasMirror && mirror.SameContent(next) {
			return nil
		}
		return q.UpsertExternalEvent(ctx, next)
	})
	if err != nil {
		return "", fmt.Errorf("record pushed event %s: %w", eventID, err)
	}
	s.logger.Debug("appointment pushed to calendar", "connection_id", conn.ID, "appointment_id", appt.ID, "event_id", eventID)
	return eventID, nil
}

// DeleteAppointmentFromProvider removes the provider event on a best-effort
// basis. The local mirror row is removed whether or not the provider call worked.
func (s *Syncer) DeleteAppointmentFromProvider(ctx context.Context, connectionID, externalEventID string) {
	if externalEventID == "" {
		return
	}
	sess, provider, err := s.sessions.Session(ctx, connectionID)
	if err != nil {
		s.logger.Warn("provider delete skipped", "err", err, "connection_id", connectionID, "event_id", externalEventID)
	} else if err := provider.DeleteEvent(ctx, sess, externalEventID); err != nil {
		s.sessions.RecordFailure(ctx, sess.Connection, withConnection(err, connectionID))
		s.logger.Warn("provider delete failed", "err", err, "connection_id", connectionID, "event_id", externalEventID)
	}
	if err := s.store.DeleteExternalEvent(ctx, connectionID, externalEventID); err != nil {
		s.logger.Error("delete mirror row", "err", err, "connection_id", connectionID, "event_id", externalEventID)
	}
}

func (s *Syncer) eventInput(ctx context.Context, appt model.Appointment) calendar.EventInput {
	summary := "Appointment"
	if svc, err := s.store.GetService(ctx, appt.BusinessID, appt.ServiceID); err == nil && svc.Name != "" {
		summary = svc.Name
	}
	return calendar.EventInput{
		AppointmentID: appt.ID,
		Summary:       summary,
		Description:   fmt.Sprintf("Booked via %s. Appointment %s.", appt.Source, appt.ID),
		Start:         appt.StartTime,
		End:           appt.EndTime,
	}
}
