// Package memory is an in-process store used by tests and by the service when
// no DATABASE_URL is configured. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
)

type mirrorKey struct {
	connectionID string
	eventID      string
}

type Store struct {
	// txMu serializes transactions; mu guards the maps for single calls.
	txMu sync.Mutex
	mu   sync.Mutex
	now  func() time.Time

	services     map[string]model.Service
	staff        map[string]model.StaffMember
	assignments  map[string][]string
	blocks       map[string][]model.AvailabilityBlock
	appointments map[string]model.Appointment
	connections  map[string]model.CalendarConnection
	mirrors      map[mirrorKey]model.ExternalCalendarEvent
	outbox       []outbox.Event

	writes      int
	serviceLock map[string]int
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:          time.Now,
		services:     map[string]model.Service{},
		staff:        map[string]model.StaffMember{},
		assignments:  map[string][]string{},
		blocks:       map[string][]model.AvailabilityBlock{},
		appointments: map[string]model.Appointment{},
		connections:  map[string]model.CalendarConnection{},
		mirrors:      map[mirrorKey]model.ExternalCalendarEvent{},
		serviceLock:  map[string]int{},
	}
}

// WithTx serializes fn against other transactions. Writes made by fn are
// visible immediately and are not undone when fn fails, so fn must finish its
// checks before writing.
func (s *Store) WithTx(ctx context.Context, fn func(q storage.Queries) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(s)
}

// Seeding helpers.

func (s *Store) PutService(svc model.Service) model.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	if svc.ID == "" {
		svc.ID = uuid.NewString()
	}
	s.services[svc.ID] = svc
	return svc
}

func (s *Store) PutStaff(m model.StaffMember) model.StaffMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.staff[m.ID] = m
	return m
}

func (s *Store) AssignStaff(serviceID string, staffIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[serviceID] = append(s.assignments[serviceID], staffIDs...)
}

func (s *Store) PutBlock(b model.AvailabilityBlock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	s.blocks[b.StaffID] = append(s.blocks[b.StaffID], b)
}

// OutboxEvents returns a copy of everything written to the outbox.
func (s *Store) OutboxEvents() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]outbox.Event(nil), s.outbox...)
}

// Writes counts appointment and mirror mutations.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// ServiceLocks counts LockService calls for serviceID.
func (s *Store) ServiceLocks(serviceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceLock[serviceID]
}

func (s *Store) MirrorCount(connectionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.mirrors {
		if k.connectionID == connectionID {
			n++
		}
	}
	return n
}

// Catalog.

func (s *Store) GetService(_ context.Context, businessID, serviceID string) (model.Service, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok || svc.BusinessID != businessID {
		return model.Service{}, storage.ErrNotFound
	}
	return svc, nil
}

// LockService only checks the service exists; WithTx already serializes transactions.
func (s *Store) LockService(_ context.Context, businessID, serviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[serviceID]
	if !ok || svc.BusinessID != businessID {
		return storage.ErrNotFound
	}
	s.serviceLock[serviceID]++
	return nil
}

func (s *Store) GetStaff(_ context.Context, businessID, staffID string) (model.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.staff[staffID]
	if !ok || m.BusinessID != businessID {
		return model.StaffMember{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) ListAssignedStaff(_ context.Context, businessID, serviceID string) ([]model.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StaffMember
	for _, id := range s.assignments[serviceID] {
		if m, ok := s.staff[id]; ok && m.Active && m.BusinessID == businessID {
			out = append(out, m)
		}
	}
	sortStaff(out)
	return out, nil
}

func (s *Store) ListActiveStaff(_ context.Context, businessID string) ([]model.StaffMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.StaffMember
	for _, m := range s.staff {
		if m.Active && m.BusinessID == businessID {
			out = append(out, m)
		}
	}
	sortStaff(out)
	return out, nil
}

func (s *Store) ListAvailabilityBlocks(_ context.Context, staffID string) ([]model.AvailabilityBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AvailabilityBlock(nil), s.blocks[staffID]...), nil
}

func sortStaff(ms []model.StaffMember) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].ID < ms[j].ID })
}

// Appointments.

func (s *Store) ListOverlappingAppointments(_ context.Context, f storage.AppointmentFilter) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.appointments {
		if f.Matches(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) GetAppointment(_ context.Context, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return model.Appointment{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) GetAppointmentByIdempotencyKey(_ context.Context, businessID, key string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.appointments {
		if key != "" && a.BusinessID == businessID && a.IdempotencyKey == key {
			return a, nil
		}
	}
	return model.Appointment{}, storage.ErrNotFound
}

func (s *Store) CreateAppointment(_ context.Context, appt *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if appt.IdempotencyKey != "" {
		for _, a := range s.appointments {
			if a.BusinessID == appt.BusinessID && a.IdempotencyKey == appt.IdempotencyKey {
				return storage.ErrDuplicate
			}
		}
	}
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	now := s.now().UTC()
	appt.CreatedAt, appt.UpdatedAt = now, now
	s.appointments[appt.ID] = *appt
	s.writes++
	return nil
}

func (s *Store) updateAppointment(id string, fn func(*model.Appointment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.appointments[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&a)
	a.UpdatedAt = s.now().UTC()
	s.appointments[id] = a
	s.writes++
	return nil
}

func (s *Store) UpdateAppointmentTimes(_ context.Context, id string, start, end time.Time) error {
	return s.updateAppointment(id, func(a *model.Appointment) { a.StartTime, a.EndTime = start, end })
}

func (s *Store) UpdateAppointmentStatus(_ context.Context, id string, status model.AppointmentStatus) error {
	return s.updateAppointment(id, func(a *model.Appointment) { a.Status = status })
}

func (s *Store) UpdateAppointmentMetadata(_ context.Context, id string, meta model.AppointmentMetadata) error {
	return s.updateAppointment(id, func(a *model.Appointment) { a.Metadata = meta })
}

// Connections.

func (s *Store) GetConnection(_ context.Context, id string) (model.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return model.CalendarConnection{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) FindConnectionByWatchChannel(_ context.Context, channelID string) (model.CalendarConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if channelID != "" && c.WatchChannelID == channelID {
			return c, nil
		}
	}
	return model.CalendarConnection{}, storage.ErrNotFound
}

func (s *Store) ListSyncTargets(_ context.Context, businessID, staffID string) ([]model.CalendarConnection, error) {
	return s.filterConnections(0, func(c model.CalendarConnection) bool {
		return c.BusinessID == businessID && c.Syncable() && (c.StaffID == "" || c.StaffID == staffID)
	}), nil
}

func (s *Store) ListExpiringWatches(_ context.Context, before time.Time, limit int) ([]model.CalendarConnection, error) {
	return s.filterConnections(limit, func(c model.CalendarConnection) bool {
		return c.Syncable() && c.HasWatch() && c.WebhookExpiresAt != nil && c.WebhookExpiresAt.Before(before)
	}), nil
}

func (s *Store) ListDueForSync(_ context.Context, syncedBefore time.Time, limit int) ([]model.CalendarConnection, error) {
	return s.filterConnections(limit, func(c model.CalendarConnection) bool {
		return c.Syncable() && (c.LastSyncAt == nil || c.LastSyncAt.Before(syncedBefore))
	}), nil
}

func (s *Store) filterConnections(limit int, keep func(model.CalendarConnection) bool) []model.CalendarConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.CalendarConnection
	for _, c := range s.connections {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) CreateConnection(_ context.Context, conn *model.CalendarConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = s.now().UTC()
	}
	s.connections[conn.ID] = *conn
	return nil
}

func (s *Store) updateConnection(id string, fn func(*model.CalendarConnection)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&c)
	s.connections[id] = c
	return nil
}

func (s *Store) UpdateTokens(_ context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return false, storage.ErrNotFound
	}
	if c.Version != expectedVersion {
		return false, nil
	}
	c.AccessToken = accessToken
	if refreshToken != "" {
		c.RefreshToken = refreshToken
	}
	c.TokenExpiresAt = expiresAt
	c.Version++
	s.connections[id] = c
	return true, nil
}

func (s *Store) UpdateSyncCursor(_ context.Context, id, cursor string, syncedAt time.Time) error {
	return s.updateConnection(id, func(c *model.CalendarConnection) {
		c.SyncCursor = cursor
		c.LastSyncAt = nil
		if !syncedAt.IsZero() {
			at := syncedAt
			c.LastSyncAt = &at
		}
	})
}

func (s *Store) UpdateWatch(_ context.Context, id string, w model.WatchState) error {
	return s.updateConnection(id, func(c *model.CalendarConnection) {
		c.WatchChannelID = w.ChannelID
		c.WatchResourceID = w.ResourceID
		c.WatchChannelToken = w.Token
		c.WebhookExpiresAt = w.ExpiresAt
	})
}

func (s *Store) UpdateConnectionStatus(_ context.Context, id string, status model.ConnectionStatus, lastError string) error {
	return s.updateConnection(id, func(c *model.CalendarConnection) {
		c.Status = status
		c.LastError = lastError
	})
}

func (s *Store) TouchWebhook(_ context.Context, id string, at time.Time) error {
	return s.updateConnection(id, func(c *model.CalendarConnection) {
		t := at
		c.LastWebhookAt = &t
	})
}

func (s *Store) Disconnect(_ context.Context, id string) error {
	return s.updateConnection(id, func(c *model.CalendarConnection) {
		c.Status = model.ConnectionDisconnected
		c.AccessToken, c.RefreshToken = "", ""
		c.TokenExpiresAt = time.Time{}
		c.SyncCursor = ""
		c.WatchChannelID, c.WatchResourceID, c.WatchChannelToken = "", "", ""
		c.WebhookExpiresAt = nil
		c.Version++
	})
}

// Mirrors.

func (s *Store) GetExternalEvent(_ context.Context, connectionID, externalEventID string) (model.ExternalCalendarEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.mirrors[mirrorKey{connectionID, externalEventID}]
	if !ok {
		return model.ExternalCalendarEvent{}, storage.ErrNotFound
	}
	return ev, nil
}

func (s *Store) UpsertExternalEvent(_ context.Context, ev model.ExternalCalendarEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.UpdatedAt = s.now().UTC()
	s.mirrors[mirrorKey{ev.ConnectionID, ev.ExternalEventID}] = ev
	s.writes++
	return nil
}

func (s *Store) DeleteExternalEvent(_ context.Context, connectionID, externalEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := mirrorKey{connectionID, externalEventID}
	if _, ok := s.mirrors[k]; ok {
		delete(s.mirrors, k)
		s.writes++
	}
	return nil
}

// Outbox.

func (s *Store) InsertOutboxEvent(_ context.Context, evt outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox = append(s.outbox, evt)
	return nil
}
