// Package outlook adapts Microsoft Graph calendars to calendar.Provider.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Graph keeps event subscriptions for at most 4230 minutes.
const maxSubscriptionTTL = 4200 * time.Minute

// forwardWindow bounds a first delta walk into the future.
const forwardWindow = 365 * 24 * time.Hour

const graphTimeLayout = "2006-01-02T15:04:05.9999999"

type Provider struct {
	baseURL string
	now     func() time.Time
}

var _ calendar.Provider = (*Provider)(nil)

func New(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{baseURL: strings.TrimRight(baseURL, "/"), now: time.Now}
}

// OAuthConfig returns the client configuration for delegated calendar access.
// tenant defaults to "common".
func OAuthConfig(clientID, clientSecret, redirectURL, tenant string) *oauth2.Config {
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     microsoft.AzureADEndpoint(tenant),
		Scopes:       []string{"offline_access", "Calendars.ReadWrite"},
	}
}

func (p *Provider) Kind() model.Provider { return model.ProviderOutlook }

func (p *Provider) calendarPath(s *calendar.Session) string {
	id := s.Connection.CalendarID
	if id == "" || id == "primary" {
		return "/me/calendar"
	}
	return "/me/calendars/" + url.PathEscape(id)
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject,omitempty"`
	IsCancelled bool           `json:"isCancelled,omitempty"`
	Start       *graphDateTime `json:"start,omitempty"`
	End         *graphDateTime `json:"end,omitempty"`
	Removed     *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type deltaResponse struct {
	Value     []json.RawMessage `json:"value"`
	NextLink  string            `json:"@odata.nextLink"`
	DeltaLink string            `json:"@odata.deltaLink"`
}

// FetchDelta walks calendarView/delta. The page token is the absolute
// nextLink and the cursor the absolute deltaLink Graph hands back.
func (p *Provider) FetchDelta(ctx context.Context, s *calendar.Session, req calendar.FetchRequest) (calendar.DeltaPage, error) {
	target := req.PageToken
	if target == "" {
		target = req.Cursor
	}
	if target == "" {
		from := req.LookbackFrom
		if from.IsZero() {
			from = p.now().AddDate(0, 0, -30)
		}
		q := url.Values{}
		q.Set("startDateTime", from.UTC().Format(time.RFC3339))
		q.Set("endDateTime", p.now().Add(forwardWindow).UTC().Format(time.RFC3339))
		target = p.baseURL + p.calendarPath(s) + "/calendarView/delta?" + q.Encode()
	}

	var res deltaResponse
	if err := p.do(ctx, s, http.MethodGet, target, nil, &res); err != nil {
		return calendar.DeltaPage{}, err
	}

	page := calendar.DeltaPage{NextPageToken: res.NextLink}
	if res.NextLink == "" {
		page.NextCursor = res.DeltaLink
	}
	for _, raw := range res.Value {
		var ge graphEvent
		if err := json.Unmarshal(raw, &ge); err != nil {
			return calendar.DeltaPage{}, fmt.Errorf("decode graph event: %w", err)
		}
		page.Events = append(page.Events, calendar.Event{
			ID:        ge.ID,
			Summary:   ge.Subject,
			Start:     parseGraphTime(ge.Start),
			End:       parseGraphTime(ge.End),
			Cancelled: ge.Removed != nil || ge.IsCancelled,
			Raw:       append([]byte(nil), raw...),
		})
	}
	return page, nil
}

func parseGraphTime(t *graphDateTime) time.Time {
	if t == nil || t.DateTime == "" {
		return time.Time{}
	}
	loc := time.UTC
	if t.TimeZone != "" && !strings.EqualFold(t.TimeZone, "UTC") {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	v, err := time.ParseInLocation(graphTimeLayout, t.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return v.UTC()
}

type eventBody struct {
	Subject       string        `json:"subject"`
	Body          *itemBody     `json:"body,omitempty"`
	Start         graphDateTime `json:"start"`
	End           graphDateTime `json:"end"`
	TransactionID string        `json:"transactionId,omitempty"`
}

type itemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

func toEventBody(in calendar.EventInput) eventBody {
	b := eventBody{
		Subject: in.Summary,
		Start:   graphDateTime{DateTime: in.Start.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
		End:     graphDateTime{DateTime: in.End.UTC().Format(graphTimeLayout), TimeZone: "UTC"},
	}
	if in.Description != "" {
		b.Body = &itemBody{ContentType: "text", Content: in.Description}
	}
	return b
}

func (p *Provider) PushEvent(ctx context.Context, s *calendar.Session, externalID string, in calendar.EventInput) (string, error) {
	body := toEventBody(in)
	var out graphEvent
	if externalID != "" {
		err := p.do(ctx, s, http.MethodPatch, p.baseURL+"/me/events/"+url.PathEscape(externalID), body, &out)
		if err == nil {
			return out.ID, nil
		}
		if !isMissing(err) {
			return "", err
		}
	}
	// transactionId makes a retried create return the first event instead of a copy.
	body.TransactionID = in.AppointmentID
	if err := p.do(ctx, s, http.MethodPost, p.baseURL+p.calendarPath(s)+"/events", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, s *calendar.Session, externalID string) error {
	err := p.do(ctx, s, http.MethodDelete, p.baseURL+"/me/events/"+url.PathEscape(externalID), nil, nil)
	if isMissing(err) {
		return nil
	}
	return err
}

type subscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (p *Provider) StartWatch(ctx context.Context, s *calendar.Session, req calendar.WatchRequest) (calendar.WatchChannel, error) {
	ttl := req.TTL
	if ttl <= 0 || ttl > maxSubscriptionTTL {
		ttl = maxSubscriptionTTL
	}
	resource := strings.TrimPrefix(p.calendarPath(s), "/") + "/events"
	var out subscription
	err := p.do(ctx, s, http.MethodPost, p.baseURL+"/subscriptions", subscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.Address,
		Resource:           resource,
		ExpirationDateTime: p.now().Add(ttl).UTC().Format(time.RFC3339),
		ClientState:        req.Token,
	}, &out)
	if err != nil {
		return calendar.WatchChannel{}, err
	}
	expires, err := time.Parse(time.RFC3339, out.ExpirationDateTime)
	if err != nil {
		expires = p.now().Add(ttl)
	}
	return calendar.WatchChannel{ChannelID: out.ID, ResourceID: out.Resource, ExpiresAt: expires.UTC()}, nil
}

func (p *Provider) StopWatch(ctx context.Context, s *calendar.Session, w model.WatchState) error {
	err := p.do(ctx, s, http.MethodDelete, p.baseURL+"/subscriptions/"+url.PathEscape(w.ChannelID), nil, nil)
	if isMissing(err) {
		return nil
	}
	return err
}

// graphError is the error envelope Graph returns.
type graphError struct {
	status int
	Err    struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph %d %s: %s", e.status, e.Err.Code, e.Err.Message)
}

func isMissing(err error) bool {
	var gerr *graphError
	return errors.As(err, &gerr) && gerr.status == http.StatusNotFound
}

func (p *Provider) do(ctx context.Context, s *calendar.Session, method, target string, in, out any) error {
	op := method + " " + redact(target)
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Add("Prefer", `outlook.timezone="UTC"`)
	req.Header.Add("Prefer", "odata.maxpagesize=100")

	resp, err := s.Client.Do(req)
	if err != nil {
		return calendar.ClassifyTransport(model.ProviderOutlook, op, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return calendar.ClassifyTransport(model.ProviderOutlook, op, err)
	}

	if resp.StatusCode >= 300 {
		gerr := &graphError{status: resp.StatusCode}
		_ = json.Unmarshal(raw, gerr)
		if isResyncCode(gerr.Err.Code) {
			return &calendar.CursorInvalidError{Provider: model.ProviderOutlook, Err: gerr}
		}
		if resp.StatusCode == http.StatusNotFound {
			return gerr
		}
		return calendar.ClassifyStatus(model.ProviderOutlook, op, resp.StatusCode, gerr)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func isResyncCode(code string) bool {
	switch strings.ToLower(code) {
	case "syncstatenotfound", "resyncrequired", "syncstateinvalid":
		return true
	}
	return false
}

// redact drops query strings, which carry opaque delta state, from log output.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
