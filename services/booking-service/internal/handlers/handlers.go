package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingsync/libs/httpx"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/calendar"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/dispatch"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/eventbus"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/scheduling"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
	"golang.org/x/oauth2"
)

const dateLayout = "2006-01-02"

// Store is the read side the handlers need directly.
type Store interface {
	GetConnection(ctx context.Context, id string) (model.CalendarConnection, error)
	GetStaff(ctx context.Context, businessID, staffID string) (model.StaffMember, error)
}

type Deps struct {
	Booking    *booking.Service
	Calendars  *calendar.Manager
	Store      Store
	Dispatcher dispatch.Dispatcher
	Bus        *eventbus.Bus
	Logger     *slog.Logger
	// StreamHeartbeat is the SSE keep-alive interval.
	StreamHeartbeat time.Duration
}

type Handler struct {
	booking    *booking.Service
	calendars  *calendar.Manager
	store      Store
	dispatcher dispatch.Dispatcher
	bus        *eventbus.Bus
	logger     *slog.Logger
	heartbeat  time.Duration
}

func New(d Deps) *Handler {
	return &Handler{
		booking:    d.Booking,
		calendars:  d.Calendars,
		store:      d.Store,
		dispatcher: d.Dispatcher,
		bus:        d.Bus,
		logger:     d.Logger,
		heartbeat:  d.StreamHeartbeat,
	}
}

// Routes mounts the public booking endpoints as they are and every business
// endpoint behind private.
func (h *Handler) Routes(mux *http.ServeMux, private ...httpx.Middleware) {
	mux.HandleFunc("GET /api/v1/public/slots", h.Slots)
	mux.HandleFunc("POST /api/v1/public/book", h.Book)

	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, httpx.Chain(fn, private...))
	}
	handle("POST /api/v1/appointments/reschedule", h.Reschedule)
	handle("POST /api/v1/appointments/cancel", h.Cancel)
	handle("GET /api/v1/appointments/stream", h.bus.StreamHandler(h.logger, h.heartbeat, businessIDFromRequest))

	handle("GET /api/v1/calendar/connections/{id}", h.GetConnection)
	handle("DELETE /api/v1/calendar/connections/{id}", h.Disconnect)
	handle("POST /api/v1/calendar/connections/{id}/watch", h.StartWatch)
	handle("DELETE /api/v1/calendar/connections/{id}/watch", h.StopWatch)
	handle("POST /api/v1/calendar/connections/{id}/sync", h.RequestSync)
	handle("GET /api/v1/calendar/oauth/{provider}/url", h.AuthURL)
	handle("POST /api/v1/calendar/oauth/{provider}/callback", h.OAuthCallback)
}

func businessIDFromRequest(r *http.Request) string {
	businessID := strings.TrimSpace(r.Header.Get("X-Business-Id"))
	if businessID == "" {
		businessID = strings.TrimSpace(r.URL.Query().Get("business_id"))
	}
	return businessID
}

type appointmentView struct {
	AppointmentID string `json:"appointment_id"`
	BusinessID    string `json:"business_id"`
	ServiceID     string `json:"service_id"`
	StaffID       string `json:"staff_id"`
	CustomerID    string `json:"customer_id,omitempty"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	Status        string `json:"status"`
	Source        string `json:"source"`
}

func viewAppointment(a model.Appointment) appointmentView {
	return appointmentView{
		AppointmentID: a.ID,
		BusinessID:    a.BusinessID,
		ServiceID:     a.ServiceID,
		StaffID:       a.StaffID,
		CustomerID:    a.CustomerID,
		StartTime:     a.StartTime.UTC().Format(time.RFC3339),
		EndTime:       a.EndTime.UTC().Format(time.RFC3339),
		Status:        string(a.Status),
		Source:        string(a.Source),
	}
}

type slotItem struct {
	StaffID   string `json:"staff_id"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	businessID := businessIDFromRequest(r)
	serviceID := strings.TrimSpace(r.URL.Query().Get("service_id"))
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if businessID == "" || serviceID == "" || dateStr == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id, service_id, and date are required")
		return
	}
	date, err := time.Parse(dateLayout, dateStr)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid date")
		return
	}

	slots, err := h.booking.Slots(r.Context(), booking.SlotsQuery{
		BusinessID: businessID,
		ServiceID:  serviceID,
		StaffID:    strings.TrimSpace(r.URL.Query().Get("staff_id")),
		Date:       date,
	})
	if err != nil {
		h.writeError(w, err, "list slots")
		return
	}
	resp := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		resp = append(resp, slotItem{
			StaffID:   s.StaffID,
			StartTime: s.Start.UTC().Format(time.RFC3339),
			EndTime:   s.End.UTC().Format(time.RFC3339),
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type bookRequest struct {
	BusinessID string `json:"business_id"`
	ServiceID  string `json:"service_id"`
	StaffID    string `json:"staff_id"`
	CustomerID string `json:"customer_id"`
	StartTime  string `json:"start_time"`
	Source     string `json:"source"`
}

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	businessID := businessIDFromRequest(r)
	if businessID == "" {
		businessID = strings.TrimSpace(req.BusinessID)
	}
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	if businessID == "" || req.ServiceID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing required fields")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	source, ok := bookingSource(req.Source)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "invalid source")
		return
	}

	appt, replayed, err := h.booking.Create(r.Context(), booking.CreateRequest{
		BusinessID:     businessID,
		ServiceID:      req.ServiceID,
		StaffID:        strings.TrimSpace(req.StaffID),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Start:          start,
		Source:         source,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	})
	if err != nil {
		h.writeError(w, err, "create appointment")
		return
	}
	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	httpx.WriteJSON(w, http.StatusCreated, viewAppointment(appt))
}

// bookingSource accepts the sources a client may claim. Provider sources are
// reserved for appointments created by calendar sync.
func bookingSource(raw string) (model.Source, bool) {
	switch model.Source(strings.ToLower(strings.TrimSpace(raw))) {
	case "", model.SourceBooking:
		return model.SourceBooking, true
	case model.SourceWidget:
		return model.SourceWidget, true
	case model.SourceStaff:
		return model.SourceStaff, true
	}
	return "", false
}

type rescheduleRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	StartTime     string `json:"start_time"`
}

func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	businessID := businessIDFromRequest(r)
	if businessID == "" {
		businessID = strings.TrimSpace(req.BusinessID)
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if businessID == "" || req.AppointmentID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id and appointment_id are required")
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid start_time")
		return
	}

	appt, err := h.booking.Reschedule(r.Context(), booking.RescheduleRequest{
		BusinessID:    businessID,
		AppointmentID: req.AppointmentID,
		Start:         start,
	})
	if err != nil {
		h.writeError(w, err, "reschedule appointment")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewAppointment(appt))
}

type cancelRequest struct {
	BusinessID    string `json:"business_id"`
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	businessID := businessIDFromRequest(r)
	if businessID == "" {
		businessID = strings.TrimSpace(req.BusinessID)
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if businessID == "" || req.AppointmentID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id and appointment_id are required")
		return
	}

	appt, err := h.booking.Cancel(r.Context(), businessID, req.AppointmentID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeError(w, err, "cancel appointment")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewAppointment(appt))
}

type connectionView struct {
	ConnectionID   string `json:"connection_id"`
	BusinessID     string `json:"business_id"`
	StaffID        string `json:"staff_id,omitempty"`
	Provider       string `json:"provider"`
	Status         string `json:"status"`
	CalendarID     string `json:"calendar_id,omitempty"`
	SyncEnabled    bool   `json:"sync_enabled"`
	WatchExpiresAt string `json:"watch_expires_at,omitempty"`
	LastSyncAt     string `json:"last_sync_at,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// viewConnection never exposes tokens or channel secrets.
func viewConnection(c model.CalendarConnection) connectionView {
	v := connectionView{
		ConnectionID: c.ID,
		BusinessID:   c.BusinessID,
		StaffID:      c.StaffID,
		Provider:     string(c.Provider),
		Status:       string(c.Status),
		CalendarID:   c.CalendarID,
		SyncEnabled:  c.SyncEnabled,
		LastError:    c.LastError,
	}
	if c.WebhookExpiresAt != nil {
		v.WatchExpiresAt = c.WebhookExpiresAt.UTC().Format(time.RFC3339)
	}
	if c.LastSyncAt != nil {
		v.LastSyncAt = c.LastSyncAt.UTC().Format(time.RFC3339)
	}
	return v
}

// ownedConnection loads the {id} connection and checks it belongs to the
// caller's business. Another tenant's connection is reported as missing.
func (h *Handler) ownedConnection(w http.ResponseWriter, r *http.Request) (model.CalendarConnection, bool) {
	businessID := businessIDFromRequest(r)
	if businessID == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id required")
		return model.CalendarConnection{}, false
	}
	conn, err := h.store.GetConnection(r.Context(), r.PathValue("id"))
	if err == nil && conn.BusinessID != businessID {
		err = storage.ErrNotFound
	}
	if err != nil {
		h.writeError(w, err, "load connection")
		return model.CalendarConnection{}, false
	}
	return conn, true
}

func (h *Handler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, viewConnection(conn))
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if err := h.calendars.Disconnect(r.Context(), conn.ID); err != nil {
		h.writeError(w, err, "disconnect calendar")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type watchView struct {
	ConnectionID string `json:"connection_id"`
	ChannelID    string `json:"channel_id"`
	ExpiresAt    string `json:"expires_at,omitempty"`
}

func (h *Handler) StartWatch(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	state, err := h.calendars.StartWatch(r.Context(), conn.ID)
	if err != nil {
		h.writeError(w, err, "start watch")
		return
	}
	resp := watchView{ConnectionID: conn.ID, ChannelID: state.ChannelID}
	if state.ExpiresAt != nil {
		resp.ExpiresAt = state.ExpiresAt.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) StopWatch(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if _, err := h.calendars.StopWatch(r.Context(), conn.ID); err != nil {
		h.writeError(w, err, "stop watch")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RequestSync(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.ownedConnection(w, r)
	if !ok {
		return
	}
	if !conn.Syncable() {
		h.writeError(w, calendar.ErrConnectionInactive, "request sync")
		return
	}
	if err := h.dispatcher.Enqueue(r.Context(), conn.ID); err != nil {
		h.writeError(w, err, "enqueue sync")
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{"connection_id": conn.ID, "status": "queued"})
}

func (h *Handler) AuthURL(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(r.PathValue("provider"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	state := uuid.NewString()
	url, err := h.calendars.AuthURL(provider, state)
	if err != nil {
		h.writeError(w, err, "build auth url")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"url": url, "state": state})
}

type callbackRequest struct {
	BusinessID string `json:"business_id"`
	Code       string `json:"code"`
	StaffID    string `json:"staff_id"`
	CalendarID string `json:"calendar_id"`
}

func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider, err := model.ParseProvider(r.PathValue("provider"))
	if err != nil {
		httpx.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	businessID := businessIDFromRequest(r)
	if businessID == "" {
		businessID = strings.TrimSpace(req.BusinessID)
	}
	req.Code = strings.TrimSpace(req.Code)
	req.StaffID = strings.TrimSpace(req.StaffID)
	if businessID == "" || req.Code == "" {
		httpx.WriteError(w, http.StatusBadRequest, "business_id and code are required")
		return
	}
	if req.StaffID != "" {
		if _, err := h.store.GetStaff(r.Context(), businessID, req.StaffID); err != nil {
			h.writeError(w, err, "load staff")
			return
		}
	}

	conn, err := h.calendars.Connect(r.Context(), calendar.ConnectParams{
		BusinessID: businessID,
		StaffID:    req.StaffID,
		Provider:   provider,
		Code:       req.Code,
		CalendarID: strings.TrimSpace(req.CalendarID),
	})
	if err != nil {
		h.writeError(w, err, "connect calendar")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewConnection(conn))
}

// writeError maps domain errors to status codes. Anything unrecognised is
// logged and answered with 500.
func (h *Handler) writeError(w http.ResponseWriter, err error, op string) {
	var (
		schedErr    *scheduling.SchedulingError
		conflictErr *scheduling.ConflictError
		authErr     *calendar.ProviderAuthError
		transient   *calendar.ProviderTransientError
		retrieveErr *oauth2.RetrieveError
	)
	switch {
	case errors.As(err, &conflictErr):
		httpx.WriteError(w, http.StatusConflict, "slot no longer available")
	case errors.As(err, &schedErr):
		httpx.WriteError(w, http.StatusUnprocessableEntity, schedErr.Reason)
	case errors.Is(err, storage.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, booking.ErrClosed):
		httpx.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, calendar.ErrProviderNotConfigured):
		httpx.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, calendar.ErrWatchUnavailable), errors.Is(err, calendar.ErrConnectionInactive):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &retrieveErr):
		httpx.WriteError(w, http.StatusBadRequest, "authorization code rejected")
	case errors.As(err, &authErr):
		httpx.WriteError(w, http.StatusBadGateway, "calendar provider rejected credentials")
	case errors.As(err, &transient):
		httpx.WriteError(w, http.StatusBadGateway, "calendar provider unavailable")
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.logger.Error(op+" failed", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
