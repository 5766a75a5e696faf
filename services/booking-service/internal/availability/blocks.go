package availability

import (
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

// Default business hours used when a staff member has no blocks for a day.
const (
	DefaultStartMinute = 9 * 60
	DefaultEndMinute   = 17 * 60
)

type Interval struct {
	Start time.Time
	End   time.Time
}

// Overlaps treats both intervals as half-open.
func (iv Interval) Overlaps(start, end time.Time) bool {
	return start.Before(iv.End) && iv.Start.Before(end)
}

// BlocksForDate picks the override blocks for the date, else the weekly
// blocks for its weekday, else the default business hours.
func BlocksForDate(blocks []model.AvailabilityBlock, date time.Time) []model.AvailabilityBlock {
	day := date.Format(model.DateLayout)
	var overrides, weekly []model.AvailabilityBlock
	for _, b := range blocks {
		switch {
		case b.IsOverride():
			if b.Date == day {
				overrides = append(overrides, b)
			}
		case b.DayOfWeek != nil && *b.DayOfWeek == date.Weekday():
			weekly = append(weekly, b)
		}
	}
	if len(overrides) > 0 {
		return overrides
	}
	if len(weekly) > 0 {
		return weekly
	}
	return []model.AvailabilityBlock{{StartMinute: DefaultStartMinute, EndMinute: DefaultEndMinute}}
}

// Windows turns blocks into concrete intervals on date in loc. Minutes are wall
// clock, so a block keeps its local hours across DST changes.
func Windows(blocks []model.AvailabilityBlock, date time.Time, loc *time.Location) []Interval {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	out := make([]Interval, 0, len(blocks))
	for _, b := range blocks {
		if b.EndMinute <= b.StartMinute {
			continue
		}
		out = append(out, Interval{
			Start: time.Date(y, m, d, 0, b.StartMinute, 0, 0, loc),
			End:   time.Date(y, m, d, 0, b.EndMinute, 0, 0, loc),
		})
	}
	return out
}
