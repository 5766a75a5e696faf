// Package eventbus fans appointment changes out to live subscribers of the
// same process. It is not durable and does not cross instances; cross-instance
// delivery goes through the outbox and Kafka.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

const (
	TypeAppointmentCreated   = "appointment.created"
	TypeAppointmentUpdated   = "appointment.updated"
	TypeAppointmentCancelled = "appointment.cancelled"
)

type Event struct {
	Type          string    `json:"type"`
	BusinessID    string    `json:"business_id"`
	AppointmentID string    `json:"appointment_id"`
	StaffID       string    `json:"staff_id"`
	ServiceID     string    `json:"service_id"`
	Status        string    `json:"status"`
	Source        string    `json:"source"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	At            time.Time `json:"at"`
}

// AppointmentEvent describes appt after a change of the given type.
func AppointmentEvent(eventType string, appt model.Appointment) Event {
	return Event{
		Type:          eventType,
		BusinessID:    appt.BusinessID,
		AppointmentID: appt.ID,
		StaffID:       appt.StaffID,
		ServiceID:     appt.ServiceID,
		Status:        string(appt.Status),
		Source:        string(appt.Source),
		StartTime:     appt.StartTime.UTC(),
		EndTime:       appt.EndTime.UTC(),
		At:            time.Now().UTC(),
	}
}

// Publisher is what write paths depend on.
type Publisher interface {
	Publish(evt Event)
}

type subscriber struct {
	ch chan Event
}

type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	return &Bus{subs: map[string]map[*subscriber]struct{}{}, logger: logger}
}

// Subscribe registers for events of one business. The returned function
// unsubscribes and closes the channel; calling it more than once is safe.
func (b *Bus) Subscribe(businessID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	set, ok := b.subs[businessID]
	if !ok {
		set = map[*subscriber]struct{}{}
		b.subs[businessID] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[businessID]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(b.subs, businessID)
				}
			}
			close(sub.ch)
		})
	}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event bus publish panicked", "panic", r, "type", evt.Type)
		}
	}()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs[evt.BusinessID] {
		select {
		case sub.ch <- evt:
		default:
			if b.logger != nil {
				b.logger.Warn("event bus subscriber lagging, event dropped", "business_id", evt.BusinessID, "type", evt.Type)
			}
		}
	}
}

// Subscribers reports how many handles are open for a business.
func (b *Bus) Subscribers(businessID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[businessID])
}
