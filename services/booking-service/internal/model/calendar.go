package model

import (
	"fmt"
	"strings"
	"time"
)

type Provider string

const (
	ProviderGoogle  Provider = "GOOGLE"
	ProviderOutlook Provider = "OUTLOOK"
)

func ParseProvider(raw string) (Provider, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ProviderGoogle):
		return ProviderGoogle, nil
	case string(ProviderOutlook), "MICROSOFT":
		return ProviderOutlook, nil
	}
	return "", fmt.Errorf("unknown calendar provider %q", raw)
}

func (p Provider) Source() Source {
	if p == ProviderOutlook {
		return SourceOutlook
	}
	return SourceGoogle
}

type ConnectionStatus string

const (
	ConnectionPending      ConnectionStatus = "PENDING"
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionError        ConnectionStatus = "ERROR"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// CalendarConnection links a business (or one staff member) to an external calendar.
//
// SyncCursor is the Google sync token or the Outlook delta link, depending on Provider.
// Version is incremented by every token write and is the compare-and-swap guard for refreshes.
type CalendarConnection struct {
	ID                string
	BusinessID        string
	StaffID           string
	Provider          Provider
	Status            ConnectionStatus
	AccessToken       string
	RefreshToken      string
	TokenExpiresAt    time.Time
	CalendarID        string
	SyncEnabled       bool
	SyncCursor        string
	WatchChannelID    string
	WatchResourceID   string
	WatchChannelToken string
	WebhookExpiresAt  *time.Time
	LastWebhookAt     *time.Time
	LastSyncAt        *time.Time
	LastError         string
	Version           int64
	CreatedAt         time.Time
}

// Syncable connections take part in push and pull sync.
func (c CalendarConnection) Syncable() bool {
	return c.Status == ConnectionActive && c.SyncEnabled
}

func (c CalendarConnection) HasWatch() bool {
	return c.WatchChannelID != ""
}

// WatchState is the watch-channel slice of a connection row.
type WatchState struct {
	ChannelID  string
	ResourceID string
	Token      string
	ExpiresAt  *time.Time
}

// ExternalCalendarEvent mirrors one remote event, keyed by (ConnectionID, ExternalEventID).
type ExternalCalendarEvent struct {
	ConnectionID    string
	ExternalEventID string
	AppointmentID   string
	Summary         string
	StartTime       time.Time
	EndTime         time.Time
	Status          string
	Payload         []byte
	UpdatedAt       time.Time
}

// SameContent reports whether two mirror rows would store the same data.
func (e ExternalCalendarEvent) SameContent(o ExternalCalendarEvent) bool {
	return e.AppointmentID == o.AppointmentID &&
		e.Summary == o.Summary &&
		e.StartTime.Equal(o.StartTime) &&
		e.EndTime.Equal(o.EndTime) &&
		e.Status == o.Status &&
		string(e.Payload) == string(o.Payload)
}
