// Package storage defines the persistence operations the scheduling and
// calendar sync code needs. postgres and memory provide implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrOverlap is returned when the store's own exclusion rule rejects an appointment write.
	ErrOverlap = errors.New("overlapping appointment")
	// ErrDuplicate is returned for a repeated idempotency key.
	ErrDuplicate = errors.New("duplicate")
)

// AppointmentFilter selects active appointments overlapping [Start, End).
// StaffID and ServiceID narrow the result when set.
type AppointmentFilter struct {
	BusinessID string
	StaffID    string
	ServiceID  string
	Start      time.Time
	End        time.Time
	ExcludeID  string
}

func (f AppointmentFilter) Matches(a model.Appointment) bool {
	if !a.Active() || a.BusinessID != f.BusinessID {
		return false
	}
	if f.StaffID != "" && a.StaffID != f.StaffID {
		return false
	}
	if f.ServiceID != "" && a.ServiceID != f.ServiceID {
		return false
	}
	if f.ExcludeID != "" && a.ID == f.ExcludeID {
		return false
	}
	return a.Overlaps(f.Start, f.End)
}

type Catalog interface {
	GetService(ctx context.Context, businessID, serviceID string) (model.Service, error)
	// LockService holds the service row until the transaction ends, so bookings
	// of one service count its seats one at a time.
	LockService(ctx context.Context, businessID, serviceID string) error
	GetStaff(ctx context.Context, businessID, staffID string) (model.StaffMember, error)
	// ListAssignedStaff returns the explicit service assignments, active staff only.
	ListAssignedStaff(ctx context.Context, businessID, serviceID string) ([]model.StaffMember, error)
	ListActiveStaff(ctx context.Context, businessID string) ([]model.StaffMember, error)
	ListAvailabilityBlocks(ctx context.Context, staffID string) ([]model.AvailabilityBlock, error)
}

type Appointments interface {
	ListOverlappingAppointments(ctx context.Context, f AppointmentFilter) ([]model.Appointment, error)
	GetAppointment(ctx context.Context, id string) (model.Appointment, error)
	GetAppointmentByIdempotencyKey(ctx context.Context, businessID, key string) (model.Appointment, error)
	CreateAppointment(ctx context.Context, appt *model.Appointment) error
	UpdateAppointmentTimes(ctx context.Context, id string, start, end time.Time) error
	UpdateAppointmentStatus(ctx context.Context, id string, status model.AppointmentStatus) error
	UpdateAppointmentMetadata(ctx context.Context, id string, meta model.AppointmentMetadata) error
}

// Connections writes touch only the fields named by the method.
type Connections interface {
	GetConnection(ctx context.Context, id string) (model.CalendarConnection, error)
	FindConnectionByWatchChannel(ctx context.Context, channelID string) (model.CalendarConnection, error)
	// ListSyncTargets returns syncable connections for a staff member plus business-wide ones.
	ListSyncTargets(ctx context.Context, businessID, staffID string) ([]model.CalendarConnection, error)
	ListExpiringWatches(ctx context.Context, before time.Time, limit int) ([]model.CalendarConnection, error)
	ListDueForSync(ctx context.Context, syncedBefore time.Time, limit int) ([]model.CalendarConnection, error)
	CreateConnection(ctx context.Context, conn *model.CalendarConnection) error
	// UpdateTokens applies only when the stored Version equals expectedVersion; it reports whether it did.
	UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error)
	UpdateSyncCursor(ctx context.Context, id, cursor string, syncedAt time.Time) error
	UpdateWatch(ctx context.Context, id string, w model.WatchState) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastError string) error
	TouchWebhook(ctx context.Context, id string, at time.Time) error
	// Disconnect clears credentials, cursor and watch fields in one write.
	Disconnect(ctx context.Context, id string) error
}

type Mirrors interface {
	GetExternalEvent(ctx context.Context, connectionID, externalEventID string) (model.ExternalCalendarEvent, error)
	UpsertExternalEvent(ctx context.Context, ev model.ExternalCalendarEvent) error
	DeleteExternalEvent(ctx context.Context, connectionID, externalEventID string) error
}

type Outbox interface {
	InsertOutboxEvent(ctx context.Context, evt outbox.Event) error
}

// Queries is everything a store can do, inside or outside a transaction.
type Queries interface {
	Catalog
	Appointments
	Connections
	Mirrors
	Outbox
}

type Store interface {
	Queries
	// WithTx runs fn in a transaction committed when fn returns nil.
	WithTx(ctx context.Context, fn func(q Queries) error) error
}
