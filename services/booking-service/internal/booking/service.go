// Package booking is the appointment write path: it resolves staff, rechecks
// conflicts and capacity inside one transaction, and then fans the change out
// to live subscribers and connected calendars.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/scheduling"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

// ErrClosed is returned when a cancelled or completed appointment is changed.
var ErrClosed = errors.New("appointment is no longer active")

// CalendarPusher mirrors appointments into connected calendars. *calsync.Syncer implements it.
type CalendarPusher interface {
	SyncAppointmentToProvider(ctx context.Context, connectionID string, appt model.Appointment) (string, error)
	DeleteAppointmentFromProvider(ctx context.Context, connectionID, externalEventID string)
}

type Config struct {
	// Location interprets availability blocks; UTC when nil.
	Location    *time.Location
	PushTimeout time.Duration
}

type Service struct {
	store  storage.Store
	bus    eventbus.Publisher
	pusher CalendarPusher
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
	pushes sync.WaitGroup
}

// New builds the service. pusher may be nil when no calendar provider is configured.
func New(store storage.Store, bus eventbus.Publisher, pusher CalendarPusher, logger *slog.Logger, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 30 * time.Second
	}
	return &Service{store: store, bus: bus, pusher: pusher, logger: logger, cfg: cfg, now: time.Now}
}

type CreateRequest struct {
	BusinessID     string
	ServiceID      string
	StaffID        string
	CustomerID     string
	Start          time.Time
	Source         model.Source
	IdempotencyKey string
}

// Create books an appointment. A repeated idempotency key returns the
// appointment booked the first time, with replayed set.
func (s *Service) Create(ctx context.Context, req CreateRequest) (appt model.Appointment, replayed bool, err error) {
	if req.Source == "" {
		req.Source = model.SourceBooking
	}
	err = s.store.WithTx(ctx, func(q storage.Queries) error {
		if req.IdempotencyKey != "" {
			prev, err := q.GetAppointmentByIdempotencyKey(ctx, req.BusinessID, req.IdempotencyKey)
			if err == nil {
				appt, replayed = prev, true
				return nil
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return err
			}
		}

		svc, err := q.GetService(ctx, req.BusinessID, req.ServiceID)
		if err != nil {
			return fmt.Errorf("service %s: %w", req.ServiceID, err)
		}
		start := req.Start.UTC()
		end := start.Add(svc.Duration)

		detector := scheduling.NewDetector(q)
		staffID, err := scheduling.NewResolver(q, detector).ResolveStaffAssignment(ctx, svc, req.StaffID, req.BusinessID, start, end)
		if err != nil {
			return err
		}
		if err := recheck(ctx, q, svc, req.BusinessID, staffID, start, end, ""); err != nil {
			return err
		}

		appt = model.Appointment{
			BusinessID:     req.BusinessID,
			ServiceID:      svc.ID,
			StaffID:        staffID,
			CustomerID:     req.CustomerID,
			StartTime:      start,
			EndTime:        end,
			Status:         model.StatusConfirmed,
			Source:         req.Source,
			IdempotencyKey: req.IdempotencyKey,
		}
		if err := q.CreateAppointment(ctx, &appt); err != nil {
			return overlapAsConflict(err, staffID, svc.ID, start, end)
		}
		return insertOutbox(ctx, q, outbox.TypeAppointmentBooked, appt, "")
	})
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race against the same key; the winner's booking is the answer.
		prev, lookupErr := s.store.GetAppointmentByIdempotencyKey(ctx, req.BusinessID, req.IdempotencyKey)
		if lookupErr != nil {
			return model.Appointment{}, false, lookupErr
		}
		return prev, true, nil
	}
	if err != nil {
		return model.Appointment{}, false, err
	}
	if replayed {
		return appt, true, nil
	}

	s.logger.Info("appointment booked", "appointment_id", appt.ID, "business_id", appt.BusinessID, "staff_id", appt.StaffID, "source", appt.Source)
	s.publish(eventbus.TypeAppointmentCreated, appt)
	s.pushAsync(ctx, appt)
	return appt, false, nil
}

type RescheduleRequest struct {
	BusinessID    string
	AppointmentID string
	Start         time.Time
}

// Reschedule moves an appointment, keeping its staff member and service.
func (s *Service) Reschedule(ctx context.Context, req RescheduleRequest) (model.Appointment, error) {
	var appt model.Appointment
	err := s.store.WithTx(ctx, func(q storage.Queries) error {
		var err error
		appt, err = loadOwned(ctx, q, req.BusinessID, req.AppointmentID)
		if err != nil {
			return err
		}
		if !appt.Active() || appt.Status == model.StatusCompleted {
			return ErrClosed
		}
		svc, err := q.GetService(ctx, appt.BusinessID, appt.ServiceID)
		if err != nil {
			return fmt.Errorf("service %s: %w", appt.ServiceID, err)
		}
		start := req.Start.UTC()
		end := start.Add(svc.Duration)
		if err := recheck(ctx, q, svc, appt.BusinessID, appt.StaffID, start, end, appt.ID); err != nil {
			return err
		}
		if err := q.UpdateAppointmentTimes(ctx, appt.ID, start, end); err != nil {
			return overlapAsConflict(err, appt.StaffID, svc.ID, start, end)
		}
		appt.StartTime, appt.EndTime = start, end
		return insertOutbox(ctx, q, outbox.TypeAppointmentRescheduled, appt, "")
	})
	if err != nil {
		return model.Appointment{}, err
	}

	s.logger.Info("appointment rescheduled", "appointment_id", appt.ID, "start", appt.StartTime)
	s.publish(eventbus.TypeAppointmentUpdated, appt)
	s.pushAsync(ctx, appt)
	return appt, nil
}

// Cancel is idempotent: cancelling a cancelled appointment returns it unchanged.
func (s *Service) Cancel(ctx context.Context, businessID, appointmentID, reason string) (model.Appointment, error) {
	var (
		appt    model.Appointment
		changed bool
	)
	err := s.store.WithTx(ctx, func(q storage.Queries) error {
		var err error
		appt, err = loadOwned(ctx, q, businessID, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled {
			return nil
		}
		if appt.Status == model.StatusCompleted {
			return ErrClosed
		}
		if err := q.UpdateAppointmentStatus(ctx, appt.ID, model.StatusCancelled); err != nil {
			return err
		}
		appt.Status = model.StatusCancelled
		changed = true
		return insertOutbox(ctx, q, outbox.TypeAppointmentCancelled, appt, reason)
	})
	if err != nil || !changed {
		return appt, err
	}

	s.logger.Info("appointment cancelled", "appointment_id", appt.ID, "reason", reason)
	s.publish(eventbus.TypeAppointmentCancelled, appt)
	s.deleteAsync(ctx, appt)
	return appt, nil
}

// recheck is the final conflict and capacity check before a write. The
// exclusion constraint only covers staff overlaps, so the service row is
// locked before its seats are counted.
func recheck(ctx context.Context, q storage.Queries, svc model.Service, businessID, staffID string, start, end time.Time, excludeID string) error {
	d := scheduling.NewDetector(q)
	if err := d.CheckConflicts(ctx, businessID, staffID, svc, start, end, excludeID); err != nil {
		return err
	}
	if err := q.LockService(ctx, businessID, svc.ID); err != nil {
		return fmt.Errorf("lock service %s: %w", svc.ID, err)
	}
	return d.CheckCapacity(ctx, businessID, svc.ID, start, end, svc.Capacity(), excludeID)
}

func loadOwned(ctx context.Context, q storage.Queries, businessID, appointmentID string) (model.Appointment, error) {
	appt, err := q.GetAppointment(ctx, appointmentID)
	if err != nil {
		return appt, err
	}
	if appt.BusinessID != businessID {
		return model.Appointment{}, storage.ErrNotFound
	}
	return appt, nil
}

func overlapAsConflict(err error, staffID, serviceID string, start, end time.Time) error {
	if errors.Is(err, storage.ErrOverlap) {
		return &scheduling.ConflictError{StaffID: staffID, ServiceID: serviceID, Start: start, End: end}
	}
	return err
}

func insertOutbox(ctx context.Context, q storage.Queries, eventType string, appt model.Appointment, reason string) error {
	evt, err := outbox.AppointmentEvent(eventType, appt, reason)
	if err != nil {
		return err
	}
	return q.InsertOutboxEvent(ctx, evt)
}

func (s *Service) publish(eventType string, appt model.Appointment) {
	if s.bus != nil {
		s.bus.Publish(eventbus.AppointmentEvent(eventType, appt))
	}
}

// pushAsync mirrors appt into every calendar syncing its staff member. It
// runs after the response and never affects the booking.
func (s *Service) pushAsync(ctx context.Context, appt model.Appointment) {
	s.fanOut(ctx, appt, func(ctx context.Context, conn model.CalendarConnection) {
		if _, err := s.pusher.SyncAppointmentToProvider(ctx, conn.ID, appt); err != nil {
			s.logger.Warn("calendar push failed", "err", err, "appointment_id", appt.ID, "connection_id", conn.ID)
		}
	})
}

func (s *Service) deleteAsync(ctx context.Context, appt model.Appointment) {
	s.fanOut(ctx, appt, func(ctx context.Context, conn model.CalendarConnection) {
		if id := appt.Metadata.EventID(conn.Provider); id != "" {
			s.pusher.DeleteAppointmentFromProvider(ctx, conn.ID, id)
		}
	})
}

func (s *Service) fanOut(ctx context.Context, appt model.Appointment, fn func(context.Context, model.CalendarConnection)) {
	if s.pusher == nil {
		return
	}
	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PushTimeout)
		defer cancel()

		targets, err := s.store.ListSyncTargets(ctx, appt.BusinessID, appt.StaffID)
		if err != nil {
			s.logger.Warn("list calendar targets failed", "err", err, "appointment_id", appt.ID)
			return
		}
		for _, conn := range targets {
			fn(ctx, conn)
		}
	}()
}

// Wait blocks until background calendar pushes have finished.
func (s *Service) Wait() {
	s.pushes.Wait()
}

type SlotsQuery struct {
	BusinessID string
	ServiceID  string
	StaffID    string
	Date       time.Time
}

// Slots lists bookable windows for a service on one day.
func (s *Service) Slots(ctx context.Context, query SlotsQuery) ([]availability.Slot, error) {
	svc, err := s.store.GetService(ctx, query.BusinessID, query.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", query.ServiceID, err)
	}
	resolver := scheduling.NewResolver(s.store, scheduling.NewDetector(s.store))
	staff, err := resolver.EligibleStaff(ctx, svc)
	if err != nil {
		return nil, err
	}
	if query.StaffID != "" {
		staff = filterStaff(staff, query.StaffID)
		if len(staff) == 0 {
			return nil, &scheduling.SchedulingError{Reason: "staff member cannot perform this service"}
		}
	}

	schedules := make([]availability.StaffSchedule, 0, len(staff))
	for _, m := range staff {
		blocks, err := s.store.ListAvailabilityBlocks(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, availability.StaffSchedule{StaffID: m.ID, Blocks: blocks})
	}

	y, mo, d := query.Date.Date()
	dayStart := time.Date(y, mo, d, 0, 0, 0, 0, s.cfg.Location)
	existing, err := s.store.ListOverlappingAppointments(ctx, storage.AppointmentFilter{
		BusinessID: query.BusinessID,
		Start:      dayStart.Add(-svc.BufferBefore),
		End:        dayStart.AddDate(0, 0, 1).Add(svc.BufferAfter),
	})
	if err != nil {
		return nil, err
	}
	return availability.GenerateSlots(svc, schedules, dayStart, existing, availability.Options{
		Location: s.cfg.Location,
		Now:      s.now(),
	}), nil
}

func filterStaff(staff []model.StaffMember, id string) []model.StaffMember {
	for _, m := range staff {
		if m.ID == id {
			return []model.StaffMember{m}
		}
	}
	return nil
}
