// Package calendar owns external calendar connections: OAuth credentials,
// token refresh and watch channels. Provider adapters live in subpackages.
package calendar

import (
	"context"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

// AppointmentProperty is the private extended property Google events carry to point back at an appointment.
const AppointmentProperty = "appointmentId"

// Event is one change reported by a provider.
type Event struct {
	ID            string
	Summary       string
	Start         time.Time
	End           time.Time
	Cancelled     bool
	AppointmentID string
	Raw           []byte
}

type FetchRequest struct {
	Cursor    string
	PageToken string
	// LookbackFrom bounds a first sync; only used when Cursor is empty.
	LookbackFrom time.Time
}

// DeltaPage is one page of changes. NextCursor is set on the last page only.
type DeltaPage struct {
	Events        []Event
	NextPageToken string
	NextCursor    string
}

// EventInput is what the platform pushes for an appointment.
type EventInput struct {
	AppointmentID string
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
}

type WatchRequest struct {
	ChannelID string
	Token     string
	Address   string
	TTL       time.Duration
}

// WatchChannel is the provider's view of a registered channel. Outlook
// replaces the requested channel id with its own subscription id.
type WatchChannel struct {
	ChannelID  string
	ResourceID string
	ExpiresAt  time.Time
}

// Session is a connection re-read for one call path together with an HTTP
// client carrying its current access token.
type Session struct {
	Connection model.CalendarConnection
	Client     *http.Client
}

// Provider is implemented once per external calendar.
type Provider interface {
	Kind() model.Provider
	FetchDelta(ctx context.Context, s *Session, req FetchRequest) (DeltaPage, error)
	// PushEvent updates externalID when set and creates an event otherwise. It returns the event id.
	PushEvent(ctx context.Context, s *Session, externalID string, in EventInput) (string, error)
	// DeleteEvent treats an already missing event as deleted.
	DeleteEvent(ctx context.Context, s *Session, externalID string) error
	StartWatch(ctx context.Context, s *Session, req WatchRequest) (WatchChannel, error)
	StopWatch(ctx context.Context, s *Session, w model.WatchState) error
}
