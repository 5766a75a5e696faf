package outbox

import (
	"encoding/json"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

// Event is the envelope written to the outbox table. The Kafka topic equals EventType.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

const (
	TypeAppointmentBooked      = "booking.appointment.booked.v1"
	TypeAppointmentRescheduled = "booking.appointment.rescheduled.v1"
	TypeAppointmentCancelled   = "booking.appointment.cancelled.v1"
)

type appointmentPayload struct {
	AppointmentID string `json:"appointment_id"`
	BusinessID    string `json:"business_id"`
	ServiceID     string `json:"service_id"`
	StaffID       string `json:"staff_id"`
	CustomerID    string `json:"customer_id,omitempty"`
	Status        string `json:"status"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Reason        string `json:"reason,omitempty"`
}

// AppointmentEvent builds the notification event for an appointment change.
func AppointmentEvent(eventType string, appt model.Appointment, reason string) (Event, error) {
	payload, err := json.Marshal(appointmentPayload{
		AppointmentID: appt.ID,
		BusinessID:    appt.BusinessID,
		ServiceID:     appt.ServiceID,
		StaffID:       appt.StaffID,
		CustomerID:    appt.CustomerID,
		Status:        string(appt.Status),
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		Reason:        reason,
	})
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
