package booking

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/scheduling"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage/memory"
)

const biz = "biz-1"

var monday = time.Date(2030, 3, 4, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

type fakePusher struct {
	mu      sync.Mutex
	pushed  []string
	deleted []string
}

func (p *fakePusher) SyncAppointmentToProvider(_ context.Context, connectionID string, appt model.Appointment) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, connectionID+"/"+appt.ID)
	return "evt-" + appt.ID, nil
}

func (p *fakePusher) DeleteAppointmentFromProvider(_ context.Context, connectionID, externalEventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, connectionID+"/"+externalEventID)
}

type fixture struct {
	store  *memory.Store
	bus    *eventbus.Bus
	pusher *fakePusher
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	store.PutStaff(model.StaffMember{ID: "s1", BusinessID: biz, Name: "Sam", Active: true})
	store.PutStaff(model.StaffMember{ID: "s2", BusinessID: biz, Name: "Alex", Active: true})
	bus := eventbus.New(logger)
	pusher := &fakePusher{}
	return &fixture{store: store, bus: bus, pusher: pusher, svc: New(store, bus, pusher, logger, Config{})}
}

func (f *fixture) singleService(anyStaff bool) model.Service {
	svc := f.store.PutService(model.Service{
		ID: "svc-a", BusinessID: biz, Name: "Haircut", Duration: time.Hour,
		CapacityType: model.CapacitySingle, MaxClientsPerSlot: 1, AllowAnyStaff: anyStaff,
	})
	f.store.AssignStaff(svc.ID, "s1")
	return svc
}

func TestSingleServiceScenario(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	ctx := context.Background()

	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)}); err != nil {
		t.Fatalf("10:00 booking: %v", err)
	}
	_, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 30)})
	var conflict *scheduling.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("10:30 booking should conflict, got %v", err)
	}
	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(11, 0)}); err != nil {
		t.Fatalf("11:00 booking: %v", err)
	}
	f.svc.Wait()
}

func TestMultiServiceScenario(t *testing.T) {
	f := newFixture(t)
	svc := f.store.PutService(model.Service{
		ID: "svc-b", BusinessID: biz, Name: "Yoga", Duration: 30 * time.Minute,
		CapacityType: model.CapacityMulti, MaxClientsPerSlot: 3,
	})
	f.store.AssignStaff(svc.ID, "s1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(9, 0)}); err != nil {
			t.Fatalf("booking %d: %v", i+1, err)
		}
	}
	_, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(9, 0)})
	var conflict *scheduling.ConflictError
	if !errors.As(err, &conflict) || !conflict.Capacity {
		t.Fatalf("fourth booking should fail the capacity check, got %v", err)
	}
	f.svc.Wait()
}

func TestSeatsCountedUnderServiceLock(t *testing.T) {
	f := newFixture(t)
	svc := f.store.PutService(model.Service{
		ID: "svc-b", BusinessID: biz, Name: "Yoga", Duration: 30 * time.Minute,
		CapacityType: model.CapacityMulti, MaxClientsPerSlot: 3,
	})
	f.store.AssignStaff(svc.ID, "s1")
	ctx := context.Background()

	appt, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(9, 0)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := f.store.ServiceLocks(svc.ID); n != 1 {
		t.Fatalf("create should lock the service once, got %d", n)
	}
	if _, err := f.svc.Reschedule(ctx, RescheduleRequest{BusinessID: biz, AppointmentID: appt.ID, Start: at(10, 0)}); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if n := f.store.ServiceLocks(svc.ID); n != 2 {
		t.Fatalf("reschedule should lock the service before counting, got %d locks", n)
	}
	f.svc.Wait()
}

func TestCreateResolvesAnyStaff(t *testing.T) {
	f := newFixture(t)
	svc := f.store.PutService(model.Service{
		ID: "svc-c", BusinessID: biz, Name: "Massage", Duration: time.Hour,
		CapacityType: model.CapacitySingle, MaxClientsPerSlot: 1, AllowAnyStaff: true,
	})
	ctx := context.Background()

	first, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, Start: at(10, 0)})
	if err != nil || first.StaffID != "s1" {
		t.Fatalf("expected s1, got %q, %v", first.StaffID, err)
	}
	other := f.store.PutService(model.Service{
		ID: "svc-d", BusinessID: biz, Name: "Facial", Duration: time.Hour,
		CapacityType: model.CapacitySingle, MaxClientsPerSlot: 1, AllowAnyStaff: true,
	})
	second, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: other.ID, Start: at(10, 0)})
	if err != nil || second.StaffID != "s2" {
		t.Fatalf("expected s2, got %q, %v", second.StaffID, err)
	}
	_, _, err = f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: other.ID, Start: at(10, 0)})
	var schedErr *scheduling.SchedulingError
	if !errors.As(err, &schedErr) {
		t.Fatalf("expected SchedulingError when nobody is free, got %v", err)
	}
	f.svc.Wait()
}

func TestSingleServiceSeatIsTakenForEveryStaffMember(t *testing.T) {
	f := newFixture(t)
	svc := f.store.PutService(model.Service{
		ID: "svc-c", BusinessID: biz, Name: "Massage", Duration: time.Hour,
		CapacityType: model.CapacitySingle, MaxClientsPerSlot: 1, AllowAnyStaff: true,
	})
	f.store.AssignStaff(svc.ID, "s1")
	f.store.AssignStaff(svc.ID, "s2")
	ctx := context.Background()

	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)}); err != nil {
		t.Fatalf("first booking: %v", err)
	}
	_, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s2", Start: at(10, 30)})
	var conflict *scheduling.ConflictError
	if !errors.As(err, &conflict) || !conflict.Capacity {
		t.Fatalf("second seat of a single service should fail the capacity check, got %v", err)
	}
	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s2", Start: at(11, 0)}); err != nil {
		t.Fatalf("back-to-back booking: %v", err)
	}
	f.svc.Wait()
}

func TestCreateIdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	ctx := context.Background()
	req := CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(13, 0), IdempotencyKey: "key-1"}

	first, replayed, err := f.svc.Create(ctx, req)
	if err != nil || replayed {
		t.Fatalf("first create: %v (replayed=%v)", err, replayed)
	}
	second, replayed, err := f.svc.Create(ctx, req)
	if err != nil || !replayed || second.ID != first.ID {
		t.Fatalf("retry should replay %s, got %s replayed=%v err=%v", first.ID, second.ID, replayed, err)
	}
	if n := len(f.store.OutboxEvents()); n != 1 {
		t.Fatalf("replay wrote another notification: %d events", n)
	}
	f.svc.Wait()
}

func TestCreateWritesNotificationAndPublishes(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	events, unsubscribe := f.bus.Subscribe(biz, 4)
	defer unsubscribe()
	conn := model.CalendarConnection{BusinessID: biz, StaffID: "s1", Provider: model.ProviderGoogle, Status: model.ConnectionActive, SyncEnabled: true}
	_ = f.store.CreateConnection(context.Background(), &conn)

	appt, _, err := f.svc.Create(context.Background(), CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(14, 0)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.svc.Wait()

	out := f.store.OutboxEvents()
	if len(out) != 1 || out[0].EventType != outbox.TypeAppointmentBooked || out[0].AggregateID != appt.ID {
		t.Fatalf("unexpected outbox %+v", out)
	}
	select {
	case evt := <-events:
		if evt.Type != eventbus.TypeAppointmentCreated {
			t.Fatalf("unexpected bus event %+v", evt)
		}
	default:
		t.Fatalf("no bus event")
	}
	if len(f.pusher.pushed) != 1 || f.pusher.pushed[0] != conn.ID+"/"+appt.ID {
		t.Fatalf("expected a push to the staff calendar, got %v", f.pusher.pushed)
	}
}

func TestRescheduleRechecksExcludingItself(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	ctx := context.Background()
	appt, _, _ := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)})
	_, _, _ = f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(12, 0)})

	moved, err := f.svc.Reschedule(ctx, RescheduleRequest{BusinessID: biz, AppointmentID: appt.ID, Start: at(10, 30)})
	if err != nil {
		t.Fatalf("overlapping its own old slot must be allowed: %v", err)
	}
	if !moved.EndTime.Equal(at(11, 30)) {
		t.Fatalf("end not recomputed: %v", moved.EndTime)
	}
	_, err = f.svc.Reschedule(ctx, RescheduleRequest{BusinessID: biz, AppointmentID: appt.ID, Start: at(11, 30)})
	var conflict *scheduling.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict with the 12:00 booking, got %v", err)
	}
	if _, err := f.svc.Reschedule(ctx, RescheduleRequest{BusinessID: "other", AppointmentID: appt.ID, Start: at(15, 0)}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("another business must not see the appointment, got %v", err)
	}
	f.svc.Wait()
}

func TestCancelIsIdempotentAndFreesSlot(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	ctx := context.Background()
	conn := model.CalendarConnection{BusinessID: biz, Provider: model.ProviderOutlook, Status: model.ConnectionActive, SyncEnabled: true}
	_ = f.store.CreateConnection(ctx, &conn)

	appt, _, _ := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)})
	f.svc.Wait()
	_ = f.store.UpdateAppointmentMetadata(ctx, appt.ID, model.AppointmentMetadata{OutlookEventID: "o-1"})

	cancelled, err := f.svc.Cancel(ctx, biz, appt.ID, "customer request")
	if err != nil || cancelled.Status != model.StatusCancelled {
		t.Fatalf("cancel: %+v, %v", cancelled, err)
	}
	if _, err := f.svc.Cancel(ctx, biz, appt.ID, "again"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	f.svc.Wait()
	if len(f.pusher.deleted) != 1 || f.pusher.deleted[0] != conn.ID+"/o-1" {
		t.Fatalf("expected one provider delete, got %v", f.pusher.deleted)
	}
	var cancels int
	for _, evt := range f.store.OutboxEvents() {
		if evt.EventType == outbox.TypeAppointmentCancelled {
			cancels++
		}
	}
	if cancels != 1 {
		t.Fatalf("expected one cancellation notification, got %d", cancels)
	}
	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)}); err != nil {
		t.Fatalf("slot should be free after cancel: %v", err)
	}
	f.svc.Wait()
}

func TestSlotsExcludeBookedWindows(t *testing.T) {
	f := newFixture(t)
	svc := f.singleService(false)
	ctx := context.Background()
	if _, _, err := f.svc.Create(ctx, CreateRequest{BusinessID: biz, ServiceID: svc.ID, StaffID: "s1", Start: at(10, 0)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.svc.Wait()

	slots, err := f.svc.Slots(ctx, SlotsQuery{BusinessID: biz, ServiceID: svc.ID, Date: monday})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if len(slots) == 0 {
		t.Fatalf("expected slots on a default working day")
	}
	for _, s := range slots {
		if s.StaffID != "s1" {
			t.Fatalf("ineligible staff offered: %+v", s)
		}
		if s.Start.Before(at(11, 0)) && s.End.After(at(10, 0)) {
			t.Fatalf("slot overlaps the booked hour: %+v", s)
		}
	}
	if _, err := f.svc.Slots(ctx, SlotsQuery{BusinessID: biz, ServiceID: svc.ID, StaffID: "s2", Date: monday}); err == nil {
		t.Fatalf("unassigned staff should be rejected")
	}
}
