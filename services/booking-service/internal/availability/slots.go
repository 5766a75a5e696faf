package availability

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

// Step is the fixed increment candidate slots advance by.
const Step = 15 * time.Minute

type Slot struct {
	StaffID string    `json:"staff_id"`
	Start   time.Time `json:"start_time"`
	End     time.Time `json:"end_time"`
}

// StaffSchedule is one candidate staff member and all of their availability blocks.
type StaffSchedule struct {
	StaffID string
	Blocks  []model.AvailabilityBlock
}

type Options struct {
	// Location interprets block minutes; UTC when nil.
	Location *time.Location
	// Now, when set, drops slots starting before it.
	Now time.Time
}

// GenerateSlots lists the windows on date where svc can be booked with each staff member.
// existing holds the active appointments of the day for the staff set and for svc.
// The result is chronological per staff member, staff in input order.
func GenerateSlots(svc model.Service, staff []StaffSchedule, date time.Time, existing []model.Appointment, opts Options) []Slot {
	if svc.Duration <= 0 {
		return nil
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, loc)

	var out []Slot
	for _, s := range staff {
		windows := Windows(BlocksForDate(s.Blocks, day), day, loc)
		sort.Slice(windows, func(i, j int) bool { return windows[i].Start.Before(windows[j].Start) })

		seen := map[time.Time]bool{}
		for _, win := range windows {
			for t := win.Start; !t.Add(svc.Duration).After(win.End); t = t.Add(Step) {
				if !opts.Now.IsZero() && t.Before(opts.Now) {
					continue
				}
				if seen[t] {
					continue
				}
				end := t.Add(svc.Duration)
				if StaffBusy(svc, s.StaffID, t, end, existing) || AtCapacity(svc, t, end, existing) {
					continue
				}
				seen[t] = true
				out = append(out, Slot{StaffID: s.StaffID, Start: t, End: end})
			}
		}
	}
	return out
}

// StaffBusy reports whether staffID already has an appointment that blocks
// [start, end) widened by the service buffers. A MULTI service shares the staff
// member with appointments of other services, and leaves its own service to the
// capacity rule.
func StaffBusy(svc model.Service, staffID string, start, end time.Time, existing []model.Appointment) bool {
	ws, we := start.Add(-svc.BufferBefore), end.Add(svc.BufferAfter)
	for _, a := range existing {
		if !a.Active() || a.StaffID != staffID || !a.Overlaps(ws, we) {
			continue
		}
		if svc.IsMulti() {
			continue
		}
		return true
	}
	return false
}

// AtCapacity reports whether the overlapping active appointments for svc,
// whoever the staff member, already fill every seat. A SINGLE service has one.
func AtCapacity(svc model.Service, start, end time.Time, existing []model.Appointment) bool {
	return CountOverlapping(svc.ID, start, end, existing) >= svc.Capacity()
}

func CountOverlapping(serviceID string, start, end time.Time, existing []model.Appointment) int {
	n := 0
	for _, a := range existing {
		if a.Active() && a.ServiceID == serviceID && a.Overlaps(start, end) {
			n++
		}
	}
	return n
}
