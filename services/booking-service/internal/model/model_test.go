package model

import (
	"testing"
	"time"
)

func TestServiceValidate(t *testing.T) {
	cases := []struct {
		name    string
		svc     Service
		wantErr bool
	}{
		{"single ok", Service{Duration: time.Hour, CapacityType: CapacitySingle, MaxClientsPerSlot: 1}, false},
		{"single with seats", Service{Duration: time.Hour, CapacityType: CapacitySingle, MaxClientsPerSlot: 3}, true},
		{"multi ok", Service{Duration: 30 * time.Minute, CapacityType: CapacityMulti, MaxClientsPerSlot: 3}, false},
		{"multi zero seats", Service{Duration: 30 * time.Minute, CapacityType: CapacityMulti}, true},
		{"no duration", Service{CapacityType: CapacitySingle, MaxClientsPerSlot: 1}, true},
	}
	for _, tc := range cases {
		if err := tc.svc.Validate(); (err != nil) != tc.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestMetadataEventID(t *testing.T) {
	m := AppointmentMetadata{}.WithEventID(ProviderGoogle, "g1").WithEventID(ProviderOutlook, "o1")
	if m.EventID(ProviderGoogle) != "g1" || m.EventID(ProviderOutlook) != "o1" {
		t.Fatalf("unexpected metadata %+v", m)
	}
	if !m.Equal(AppointmentMetadata{GoogleEventID: "g1", OutlookEventID: "o1"}) {
		t.Fatalf("expected equal metadata")
	}
	if m.Equal(AppointmentMetadata{GoogleEventID: "g1", OutlookEventID: "o1", Extra: map[string]string{"k": "v"}}) {
		t.Fatalf("extra should take part in equality")
	}
}

func TestAppointmentOverlapsHalfOpen(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	a := Appointment{StartTime: day.Add(10 * time.Hour), EndTime: day.Add(11 * time.Hour)}
	if a.Overlaps(day.Add(11*time.Hour), day.Add(12*time.Hour)) {
		t.Fatalf("back-to-back windows must not overlap")
	}
	if !a.Overlaps(day.Add(10*time.Hour+30*time.Minute), day.Add(11*time.Hour+30*time.Minute)) {
		t.Fatalf("expected overlap")
	}
}

func TestParseProvider(t *testing.T) {
	if p, err := ParseProvider("google"); err != nil || p != ProviderGoogle {
		t.Fatalf("google: %v %v", p, err)
	}
	if p, err := ParseProvider("microsoft"); err != nil || p != ProviderOutlook {
		t.Fatalf("microsoft: %v %v", p, err)
	}
	if _, err := ParseProvider("caldav"); err == nil {
		t.Fatalf("expected error")
	}
}
