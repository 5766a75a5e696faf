package scheduling

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

type AppointmentLister interface {
	ListOverlappingAppointments(ctx context.Context, f storage.AppointmentFilter) ([]model.Appointment, error)
}

// Detector re-validates a concrete booking window against the latest stored
// appointments. It is a fast-path filter; the store's exclusion constraint is
// the final guard.
type Detector struct {
	appointments AppointmentLister
}

func NewDetector(appointments AppointmentLister) *Detector {
	return &Detector{appointments: appointments}
}

// CheckConflicts returns a *ConflictError when staffID has an active appointment in
// the way of [start, end) plus the service buffers. excludeID skips the appointment
// being rescheduled.
func (d *Detector) CheckConflicts(ctx context.Context, businessID, staffID string, svc model.Service, start, end time.Time, excludeID string) error {
	existing, err := d.appointments.ListOverlappingAppointments(ctx, storage.AppointmentFilter{
		BusinessID: businessID,
		StaffID:    staffID,
		Start:      start.Add(-svc.BufferBefore),
		End:        end.Add(svc.BufferAfter),
		ExcludeID:  excludeID,
	})
	if err != nil {
		return err
	}
	if !availability.StaffBusy(svc, staffID, start, end, existing) {
		return nil
	}
	conflict := &ConflictError{StaffID: staffID, ServiceID: svc.ID, Start: start, End: end}
	if len(existing) == 1 {
		conflict.AppointmentID = existing[0].ID
	}
	return conflict
}

// CheckCapacity returns a *ConflictError when the active appointments for serviceID
// overlapping [start, end) already take maxClientsPerSlot seats.
func (d *Detector) CheckCapacity(ctx context.Context, businessID, serviceID string, start, end time.Time, maxClientsPerSlot int, excludeID string) error {
	if maxClientsPerSlot < 1 {
		maxClientsPerSlot = 1
	}
	existing, err := d.appointments.ListOverlappingAppointments(ctx, storage.AppointmentFilter{
		BusinessID: businessID,
		ServiceID:  serviceID,
		Start:      start,
		End:        end,
		ExcludeID:  excludeID,
	})
	if err != nil {
		return err
	}
	if availability.CountOverlapping(serviceID, start, end, existing) >= maxClientsPerSlot {
		return &ConflictError{ServiceID: serviceID, Start: start, End: end, Capacity: true}
	}
	return nil
}
