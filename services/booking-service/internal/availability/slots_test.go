package availability

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

func weekday(d time.Weekday) *time.Weekday { return &d }

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC) // a Monday

func singleService(d time.Duration) model.Service {
	return model.Service{ID: "svc-a", Duration: d, CapacityType: model.CapacitySingle, MaxClientsPerSlot: 1}
}

func at(h, m int) time.Time {
	return monday.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
}

func TestGenerateSlots_DefaultHours(t *testing.T) {
	slots := GenerateSlots(singleService(time.Hour), []StaffSchedule{{StaffID: "s1"}}, monday, nil, Options{})
	// 09:00 .. 16:00 in 15 minute steps.
	if len(slots) != 29 {
		t.Fatalf("expected 29 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 0)) || !slots[len(slots)-1].End.Equal(at(17, 0)) {
		t.Fatalf("unexpected bounds %s - %s", slots[0].Start, slots[len(slots)-1].End)
	}
}

func TestGenerateSlots_OverrideSupersedesWeekly(t *testing.T) {
	blocks := []model.AvailabilityBlock{
		{StaffID: "s1", DayOfWeek: weekday(time.Monday), StartMinute: 9 * 60, EndMinute: 17 * 60},
		{StaffID: "s1", Date: "2026-03-02", StartMinute: 13 * 60, EndMinute: 14 * 60},
	}
	slots := GenerateSlots(singleService(30*time.Minute), []StaffSchedule{{StaffID: "s1", Blocks: blocks}}, monday, nil, Options{})
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots inside the override, got %d", len(slots))
	}
	for _, s := range slots {
		if s.Start.Before(at(13, 0)) || s.End.After(at(14, 0)) {
			t.Fatalf("slot %s-%s escapes the override block", s.Start, s.End)
		}
	}

	tuesday := monday.AddDate(0, 0, 1)
	slots = GenerateSlots(singleService(30*time.Minute), []StaffSchedule{{StaffID: "s1", Blocks: blocks}}, tuesday, nil, Options{})
	if len(slots) != 31 {
		t.Fatalf("tuesday has no blocks, expected default hours (31 slots), got %d", len(slots))
	}
}

func TestGenerateSlots_SkipsBookedAndBuffers(t *testing.T) {
	svc := singleService(time.Hour)
	svc.BufferAfter = 15 * time.Minute
	blocks := []model.AvailabilityBlock{{StaffID: "s1", DayOfWeek: weekday(time.Monday), StartMinute: 9 * 60, EndMinute: 12 * 60}}
	existing := []model.Appointment{{
		ID: "a1", StaffID: "s1", ServiceID: "other", Status: model.StatusConfirmed,
		StartTime: at(10, 0), EndTime: at(11, 0),
	}}
	slots := GenerateSlots(svc, []StaffSchedule{{StaffID: "s1", Blocks: blocks}}, monday, existing, Options{})

	var starts []string
	for _, s := range slots {
		starts = append(starts, s.Start.Format("15:04"))
	}
	// 09:00 ends at 10:00 but its buffer runs to 10:15; 11:00 is the first free start after the booking.
	want := []string{"11:00"}
	if len(starts) != len(want) || starts[0] != want[0] {
		t.Fatalf("expected %v, got %v", want, starts)
	}
}

func TestGenerateSlots_CancelledDoesNotBlock(t *testing.T) {
	existing := []model.Appointment{{
		StaffID: "s1", ServiceID: "svc-a", Status: model.StatusCancelled, StartTime: at(9, 0), EndTime: at(17, 0),
	}}
	slots := GenerateSlots(singleService(time.Hour), []StaffSchedule{{StaffID: "s1"}}, monday, existing, Options{})
	if len(slots) != 29 {
		t.Fatalf("cancelled appointment should not block, got %d slots", len(slots))
	}
}

func TestGenerateSlots_MultiCapacity(t *testing.T) {
	svc := model.Service{ID: "class", Duration: 30 * time.Minute, CapacityType: model.CapacityMulti, MaxClientsPerSlot: 2}
	blocks := []model.AvailabilityBlock{{StaffID: "s1", DayOfWeek: weekday(time.Monday), StartMinute: 9 * 60, EndMinute: 9*60 + 30}}
	schedule := []StaffSchedule{{StaffID: "s1", Blocks: blocks}}

	one := []model.Appointment{
		{StaffID: "s1", ServiceID: "class", Status: model.StatusConfirmed, StartTime: at(9, 0), EndTime: at(9, 30)},
		// Another service's appointment does not take a seat and does not block a MULTI service.
		{StaffID: "s1", ServiceID: "yoga", Status: model.StatusConfirmed, StartTime: at(9, 0), EndTime: at(9, 30)},
	}
	if got := GenerateSlots(svc, schedule, monday, one, Options{}); len(got) != 1 {
		t.Fatalf("expected the class slot while a seat is free, got %d", len(got))
	}

	full := append(one, model.Appointment{StaffID: "s1", ServiceID: "class", Status: model.StatusConfirmed, StartTime: at(9, 0), EndTime: at(9, 30)})
	if got := GenerateSlots(svc, schedule, monday, full, Options{}); len(got) != 0 {
		t.Fatalf("expected no slot at capacity, got %d", len(got))
	}
}

func TestGenerateSlots_SingleSeatSharedAcrossStaff(t *testing.T) {
	blocks := func(id string) []model.AvailabilityBlock {
		return []model.AvailabilityBlock{{StaffID: id, DayOfWeek: weekday(time.Monday), StartMinute: 10 * 60, EndMinute: 11 * 60}}
	}
	schedule := []StaffSchedule{{StaffID: "s1", Blocks: blocks("s1")}, {StaffID: "s2", Blocks: blocks("s2")}}
	existing := []model.Appointment{{
		StaffID: "s1", ServiceID: "svc-a", Status: model.StatusConfirmed, StartTime: at(10, 0), EndTime: at(11, 0),
	}}
	if got := GenerateSlots(singleService(time.Hour), schedule, monday, existing, Options{}); len(got) != 0 {
		t.Fatalf("the only seat is taken, expected no slots, got %+v", got)
	}
	existing[0].ServiceID = "other"
	got := GenerateSlots(singleService(time.Hour), schedule, monday, existing, Options{})
	if len(got) != 1 || got[0].StaffID != "s2" {
		t.Fatalf("another service's booking only blocks s1, got %+v", got)
	}
}

func TestGenerateSlots_SkipsPast(t *testing.T) {
	blocks := []model.AvailabilityBlock{{StaffID: "s1", DayOfWeek: weekday(time.Monday), StartMinute: 9 * 60, EndMinute: 10 * 60}}
	slots := GenerateSlots(singleService(15*time.Minute), []StaffSchedule{{StaffID: "s1", Blocks: blocks}}, monday, nil, Options{Now: at(9, 31)})
	if len(slots) != 1 || !slots[0].Start.Equal(at(9, 45)) {
		t.Fatalf("expected only 09:45, got %+v", slots)
	}
}

func TestGenerateSlots_LocationWallClock(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	blocks := []model.AvailabilityBlock{{StaffID: "s1", DayOfWeek: weekday(time.Monday), StartMinute: 9 * 60, EndMinute: 10 * 60}}
	slots := GenerateSlots(singleService(time.Hour), []StaffSchedule{{StaffID: "s1", Blocks: blocks}}, monday, nil, Options{Location: loc})
	if len(slots) != 1 {
		t.Fatalf("expected one slot, got %d", len(slots))
	}
	if got := slots[0].Start.UTC().Hour(); got != 7 {
		t.Fatalf("09:00 at UTC+2 should be 07:00 UTC, got %d", got)
	}
}

func TestGenerateSlots_MultipleStaffChronological(t *testing.T) {
	slots := GenerateSlots(singleService(4*time.Hour), []StaffSchedule{{StaffID: "s1"}, {StaffID: "s2"}}, monday, nil, Options{})
	per := map[string][]Slot{}
	for _, s := range slots {
		per[s.StaffID] = append(per[s.StaffID], s)
	}
	if len(per["s1"]) != 17 || len(per["s2"]) != 17 {
		t.Fatalf("unexpected per staff counts s1=%d s2=%d", len(per["s1"]), len(per["s2"]))
	}
	for _, list := range per {
		for i := 1; i < len(list); i++ {
			if !list[i-1].Start.Before(list[i].Start) {
				t.Fatalf("slots not chronological: %s then %s", list[i-1].Start, list[i].Start)
			}
		}
	}
}
