package model

import (
	"time"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCancelled AppointmentStatus = "CANCELLED"
	StatusCompleted AppointmentStatus = "COMPLETED"
)

type Source string

const (
	SourceBooking Source = "booking"
	SourceWidget  Source = "widget"
	SourceStaff   Source = "staff"
	SourceGoogle  Source = "google"
	SourceOutlook Source = "outlook"
)

type Appointment struct {
	ID             string
	BusinessID     string
	ServiceID      string
	StaffID        string
	CustomerID     string
	StartTime      time.Time
	EndTime        time.Time
	Status         AppointmentStatus
	Source         Source
	Metadata       AppointmentMetadata
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Active appointments hold their slot.
func (a Appointment) Active() bool {
	return a.Status != StatusCancelled
}

// Overlaps uses half-open intervals, so back-to-back appointments do not collide.
func (a Appointment) Overlaps(start, end time.Time) bool {
	return a.StartTime.Before(end) && start.Before(a.EndTime)
}

// AppointmentMetadata is stored as JSON next to the appointment.
type AppointmentMetadata struct {
	GoogleEventID  string            `json:"googleEventId,omitempty"`
	OutlookEventID string            `json:"outlookEventId,omitempty"`
	RefundID       string            `json:"refundId,omitempty"`
	RefundedAt     *time.Time        `json:"refundedAt,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

func (m AppointmentMetadata) EventID(p Provider) string {
	switch p {
	case ProviderGoogle:
		return m.GoogleEventID
	case ProviderOutlook:
		return m.OutlookEventID
	}
	return ""
}

// WithEventID returns a copy with the provider's event id replaced.
func (m AppointmentMetadata) WithEventID(p Provider, id string) AppointmentMetadata {
	switch p {
	case ProviderGoogle:
		m.GoogleEventID = id
	case ProviderOutlook:
		m.OutlookEventID = id
	}
	return m
}

// Equal compares every field, Extra included.
func (m AppointmentMetadata) Equal(o AppointmentMetadata) bool {
	if m.GoogleEventID != o.GoogleEventID || m.OutlookEventID != o.OutlookEventID || m.RefundID != o.RefundID {
		return false
	}
	if (m.RefundedAt == nil) != (o.RefundedAt == nil) {
		return false
	}
	if m.RefundedAt != nil && !m.RefundedAt.Equal(*o.RefundedAt) {
		return false
	}
	if len(m.Extra) != len(o.Extra) {
		return false
	}
	for k, v := range m.Extra {
		if ov, ok := o.Extra[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
