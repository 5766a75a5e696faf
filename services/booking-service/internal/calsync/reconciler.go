// Package calsync moves appointment state between the platform and external
// calendars: delta passes pull provider changes in, the push path sends
// platform appointments out.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

// TimeTolerance is how far provider times may drift before they overwrite the appointment.
const TimeTolerance = time.Second

const (
	mirrorConfirmed = "confirmed"
	mirrorCancelled = "cancelled"
)

// Change reports what applying one provider event did.
type Change struct {
	Cancelled     bool
	Moved         bool
	Relinked      bool
	Mirrored      bool
	MirrorDeleted bool
	// MoveRejected is set when the provider moved the appointment onto a
	// taken slot; the platform times were kept.
	MoveRejected bool
}

func (c Change) appointmentChanged() bool { return c.Cancelled || c.Moved }

// Reconciler merges provider events into appointments and mirror rows.
type Reconciler struct {
	store  storage.Store
	bus    eventbus.Publisher
	logger *slog.Logger
}

func NewReconciler(store storage.Store, bus eventbus.Publisher, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, bus: bus, logger: logger}
}

// Apply merges one event. Applying the same event twice writes nothing the second time.
// A provider move that collides with another appointment is not applied: the
// rest of the event (mirror, event id) still is, so the delta walk can go on.
func (r *Reconciler) Apply(ctx context.Context, conn model.CalendarConnection, ev calendar.Event) (Change, error) {
	change, updated, err := r.apply(ctx, conn, ev, true)
	if errors.Is(err, storage.ErrOverlap) {
		r.logger.Warn("provider move overlaps another appointment, keeping platform times",
			"connection_id", conn.ID, "event_id", ev.ID, "start", ev.Start, "end", ev.End)
		change, updated, err = r.apply(ctx, conn, ev, false)
		change.MoveRejected = true
	}
	if err != nil {
		return Change{}, err
	}

	if change.appointmentChanged() && r.bus != nil {
		kind := eventbus.TypeAppointmentUpdated
		if change.Cancelled {
			kind = eventbus.TypeAppointmentCancelled
		}
		r.bus.Publish(eventbus.AppointmentEvent(kind, updated))
	}
	return change, nil
}

func (r *Reconciler) apply(ctx context.Context, conn model.CalendarConnection, ev calendar.Event, allowMove bool) (Change, model.Appointment, error) {
	var (
		change  Change
		updated model.Appointment
	)
	err := r.store.WithTx(ctx, func(q storage.Queries) error {
		mirror, hasMirror, err := lookupMirror(ctx, q, conn.ID, ev.ID)
		if err != nil {
			return err
		}

		appt, linked, err := r.linkedAppointment(ctx, q, conn, ev, mirror)
		if err != nil {
			return err
		}
		if !linked {
			change, err = r.applyForeign(ctx, q, conn, ev, mirror, hasMirror)
			return err
		}
		change, updated, err = r.applyLinked(ctx, q, conn, ev, appt, mirror, hasMirror, allowMove)
		return err
	})
	if err != nil {
		return Change{}, model.Appointment{}, err
	}
	return change, updated, nil
}

func lookupMirror(ctx context.Context, q storage.Queries, connectionID, eventID string) (model.ExternalCalendarEvent, bool, error) {
	m, err := q.GetExternalEvent(ctx, connectionID, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.ExternalCalendarEvent{}, false, nil
	}
	if err != nil {
		return model.ExternalCalendarEvent{}, false, err
	}
	return m, true, nil
}

// linkedAppointment follows the event's back-reference. Google events carry it
// as an extended property; Outlook events are matched through the mirror row.
// A reference to an unknown appointment or another tenant's counts as none.
func (r *Reconciler) linkedAppointment(ctx context.Context, q storage.Queries, conn model.CalendarConnection, ev calendar.Event, mirror model.ExternalCalendarEvent) (model.Appointment, bool, error) {
	id := ev.AppointmentID
	if id == "" {
		id = mirror.AppointmentID
	}
	if id == "" {
		return model.Appointment{}, false, nil
	}
	appt, err := q.GetAppointment(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn("provider event references unknown appointment", "connection_id", conn.ID, "event_id", ev.ID, "appointment_id", id)
		return model.Appointment{}, false, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	if appt.BusinessID != conn.BusinessID {
		r.logger.Warn("provider event references another business", "connection_id", conn.ID, "event_id", ev.ID)
		return model.Appointment{}, false, nil
	}
	return appt, true, nil
}

func (r *Reconciler) applyForeign(ctx context.Context, q storage.Queries, conn model.CalendarConnection, ev calendar.Event, mirror model.ExternalCalendarEvent, hasMirror bool) (Change, error) {
	var change Change
	if ev.Cancelled {
		if !hasMirror {
			return change, nil
		}
		change.MirrorDeleted = true
		return change, q.DeleteExternalEvent(ctx, conn.ID, ev.ID)
	}
	next := mirrorRow(conn.ID, "", ev)
	if hasMirror && mirror.SameContent(next) {
		return change, nil
	}
	change.Mirrored = true
	return change, q.UpsertExternalEvent(ctx, next)
}

func (r *Reconciler) applyLinked(ctx context.Context, q storage.Queries, conn model.CalendarConnection, ev calendar.Event, appt model.Appointment, mirror model.ExternalCalendarEvent, hasMirror, allowMove bool) (Change, model.Appointment, error) {
	var change Change
	reason := fmt.Sprintf("changed in %s calendar", strings.ToLower(string(conn.Provider)))

	switch {
	case ev.Cancelled:
		if appt.Status != model.StatusCancelled {
			if err := q.UpdateAppointmentStatus(ctx, appt.ID, model.StatusCancelled); err != nil {
				return change, appt, err
			}
			appt.Status = model.StatusCancelled
			change.Cancelled = true
			if err := insertOutbox(ctx, q, outbox.TypeAppointmentCancelled, appt, reason); err != nil {
				return change, appt, err
			}
		}
	case allowMove && appt.Active() && timesDiffer(appt, ev):
		if err := q.UpdateAppointmentTimes(ctx, appt.ID, ev.Start, ev.End); err != nil {
			return change, appt, err
		}
		appt.StartTime, appt.EndTime = ev.Start, ev.End
		change.Moved = true
		if err := insertOutbox(ctx, q, outbox.TypeAppointmentRescheduled, appt, reason); err != nil {
			return change, appt, err
		}
	}

	if appt.Metadata.EventID(conn.Provider) != ev.ID {
		meta := appt.Metadata.WithEventID(conn.Provider, ev.ID)
		if err := q.UpdateAppointmentMetadata(ctx, appt.ID, meta); err != nil {
			return change, appt, err
		}
		appt.Metadata = meta
		change.Relinked = true
	}

	if ev.Cancelled {
		if hasMirror {
			change.MirrorDeleted = true
			return change, appt, q.DeleteExternalEvent(ctx, conn.ID, ev.ID)
		}
		return change, appt, nil
	}
	next := mirrorRow(conn.ID, appt.ID, ev)
	if hasMirror && mirror.SameContent(next) {
		return change, appt, nil
	}
	change.Mirrored = true
	return change, appt, q.UpsertExternalEvent(ctx, next)
}

func timesDiffer(appt model.Appointment, ev calendar.Event) bool {
	if ev.Start.IsZero() || ev.End.IsZero() || !ev.End.After(ev.Start) {
		return false
	}
	return absDuration(appt.StartTime.Sub(ev.Start)) > TimeTolerance ||
		absDuration(appt.EndTime.Sub(ev.End)) > TimeTolerance
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func mirrorRow(connectionID, appointmentID string, ev calendar.Event) model.ExternalCalendarEvent {
	status := mirrorConfirmed
	if ev.Cancelled {
		status = mirrorCancelled
	}
	return model.ExternalCalendarEvent{
		ConnectionID:    connectionID,
		ExternalEventID: ev.ID,
		AppointmentID:   appointmentID,
		Summary:         ev.Summary,
		StartTime:       ev.Start.UTC(),
		EndTime:         ev.End.UTC(),
		Status:          status,
		Payload:         ev.Raw,
	}
}

func insertOutbox(ctx context.Context, q storage.Queries, eventType string, appt model.Appointment, reason string) error {
	evt, err := outbox.AppointmentEvent(eventType, appt, reason)
	if err != nil {
		return err
	}
	return q.InsertOutboxEvent(ctx, evt)
}
