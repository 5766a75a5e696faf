// Package google adapts Google Calendar (API v3) to calendar.Provider.
package google

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const pageSize = 250

// Google caps event watch channels at roughly 30 days.
const maxWatchTTL = 30 * 24 * time.Hour

type Provider struct {
	// opts are appended to every service, tests point the client at a fake endpoint with them.
	opts []option.ClientOption
}

var _ calendar.Provider = (*Provider)(nil)

func New(opts ...option.ClientOption) *Provider {
	return &Provider{opts: opts}
}

// OAuthConfig returns the client configuration for the calendar scope.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
}

func (p *Provider) Kind() model.Provider { return model.ProviderGoogle }

func (p *Provider) service(ctx context.Context, s *calendar.Session) (*gcal.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(s.Client)}, p.opts...)
	return gcal.NewService(ctx, opts...)
}

func calendarID(s *calendar.Session) string {
	if s.Connection.CalendarID == "" {
		return "primary"
	}
	return s.Connection.CalendarID
}

func (p *Provider) FetchDelta(ctx context.Context, s *calendar.Session, req calendar.FetchRequest) (calendar.DeltaPage, error) {
	svc, err := p.service(ctx, s)
	if err != nil {
		return calendar.DeltaPage{}, err
	}
	call := svc.Events.List(calendarID(s)).
		ShowDeleted(true).
		SingleEvents(true).
		MaxResults(pageSize)
	if req.Cursor != "" {
		call = call.SyncToken(req.Cursor)
	} else if !req.LookbackFrom.IsZero() {
		call = call.TimeMin(req.LookbackFrom.UTC().Format(time.RFC3339))
	}
	if req.PageToken != "" {
		call = call.PageToken(req.PageToken)
	}

	res, err := call.Context(ctx).Do()
	if err != nil {
		return calendar.DeltaPage{}, classify("list events", err)
	}

	page := calendar.DeltaPage{NextPageToken: res.NextPageToken, NextCursor: res.NextSyncToken}
	for _, item := range res.Items {
		ev, err := toEvent(item)
		if err != nil {
			return calendar.DeltaPage{}, err
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func toEvent(item *gcal.Event) (calendar.Event, error) {
	raw, err := item.MarshalJSON()
	if err != nil {
		return calendar.Event{}, err
	}
	ev := calendar.Event{
		ID:        item.Id,
		Summary:   item.Summary,
		Cancelled: item.Status == "cancelled",
		Raw:       raw,
	}
	if item.ExtendedProperties != nil {
		ev.AppointmentID = item.ExtendedProperties.Private[calendar.AppointmentProperty]
	}
	ev.Start = parseEventTime(item.Start)
	ev.End = parseEventTime(item.End)
	return ev, nil
}

// parseEventTime handles timed and all-day events. Deleted events may carry no time at all.
func parseEventTime(t *gcal.EventDateTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	if t.DateTime != "" {
		if v, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return v.UTC()
		}
	}
	if t.Date != "" {
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		if v, err := time.ParseInLocation(model.DateLayout, t.Date, loc); err == nil {
			return v.UTC()
		}
	}
	return time.Time{}
}

func toGoogleEvent(in calendar.EventInput) *gcal.Event {
	return &gcal.Event{
		Summary:     in.Summary,
		Description: in.Description,
		Start:       &gcal.EventDateTime{DateTime: in.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		End:         &gcal.EventDateTime{DateTime: in.End.UTC().Format(time.RFC3339), TimeZone: "UTC"},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{calendar.AppointmentProperty: in.AppointmentID},
		},
	}
}

func (p *Provider) PushEvent(ctx context.Context, s *calendar.Session, externalID string, in calendar.EventInput) (string, error) {
	svc, err := p.service(ctx, s)
	if err != nil {
		return "", err
	}
	body := toGoogleEvent(in)
	if externalID != "" {
		updated, err := svc.Events.Patch(calendarID(s), externalID, body).Context(ctx).Do()
		if err == nil {
			return updated.Id, nil
		}
		if !isMissing(err) {
			return "", classify("patch event", err)
		}
		// Deleted on the provider side; recreate it.
	}
	created, err := svc.Events.Insert(calendarID(s), body).Context(ctx).Do()
	if err != nil {
		return "", classify("insert event", err)
	}
	return created.Id, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, s *calendar.Session, externalID string) error {
	svc, err := p.service(ctx, s)
	if err != nil {
		return err
	}
	if err := svc.Events.Delete(calendarID(s), externalID).Context(ctx).Do(); err != nil && !isMissing(err) {
		return classify("delete event", err)
	}
	return nil
}

func (p *Provider) StartWatch(ctx context.Context, s *calendar.Session, req calendar.WatchRequest) (calendar.WatchChannel, error) {
	svc, err := p.service(ctx, s)
	if err != nil {
		return calendar.WatchChannel{}, err
	}
	ttl := req.TTL
	if ttl <= 0 || ttl > maxWatchTTL {
		ttl = maxWatchTTL
	}
	ch, err := svc.Events.Watch(calendarID(s), &gcal.Channel{
		Id:         req.ChannelID,
		Type:       "web_hook",
		Address:    req.Address,
		Token:      req.Token,
		Expiration: time.Now().Add(ttl).UnixMilli(),
	}).Context(ctx).Do()
	if err != nil {
		return calendar.WatchChannel{}, classify("watch events", err)
	}
	out := calendar.WatchChannel{ChannelID: ch.Id, ResourceID: ch.ResourceId}
	if ch.Expiration > 0 {
		out.ExpiresAt = time.UnixMilli(ch.Expiration).UTC()
	} else {
		out.ExpiresAt = time.Now().Add(ttl).UTC()
	}
	return out, nil
}

func (p *Provider) StopWatch(ctx context.Context, s *calendar.Session, w model.WatchState) error {
	svc, err := p.service(ctx, s)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&gcal.Channel{Id: w.ChannelID, ResourceId: w.ResourceID}).Context(ctx).Do()
	if err != nil && !isMissing(err) {
		return classify("stop channel", err)
	}
	return nil
}

func isMissing(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone)
}

// Google answers throttling with 403 and one of these reasons.
var throttleReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden && throttled(gerr) {
			return &calendar.ProviderTransientError{Provider: model.ProviderGoogle, Op: op, StatusCode: gerr.Code, Err: err}
		}
		return calendar.ClassifyStatus(model.ProviderGoogle, op, gerr.Code, err)
	}
	return calendar.ClassifyTransport(model.ProviderGoogle, op, err)
}

func throttled(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		if throttleReasons[item.Reason] {
			return true
		}
	}
	return false
}
