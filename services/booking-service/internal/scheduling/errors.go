package scheduling

import (
	"fmt"
	"time"
)

// SchedulingError means no eligible or available staff member; the caller can fix the request.
type SchedulingError struct {
	Reason string
}

func (e *SchedulingError) Error() string {
	return "scheduling: " + e.Reason
}

// ConflictError means the requested window is no longer available.
type ConflictError struct {
	StaffID       string
	ServiceID     string
	Start         time.Time
	End           time.Time
	AppointmentID string // the appointment in the way, when there is exactly one
	Capacity      bool   // true when the service ran out of seats rather than the staff member of time
}

func (e *ConflictError) Error() string {
	what := "staff member " + e.StaffID + " is busy"
	if e.Capacity {
		what = "service " + e.ServiceID + " is full"
	}
	return fmt.Sprintf("slot no longer available: %s between %s and %s",
		what, e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339))
}
