package calendar

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/storage"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshMargin is how close to expiry an access token gets refreshed.
const RefreshMargin = 5 * time.Minute

type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (model.CalendarConnection, error)
	CreateConnection(ctx context.Context, conn *model.CalendarConnection) error
	UpdateTokens(ctx context.Context, id string, expectedVersion int64, accessToken, refreshToken string, expiresAt time.Time) (bool, error)
	UpdateWatch(ctx context.Context, id string, w model.WatchState) error
	UpdateConnectionStatus(ctx context.Context, id string, status model.ConnectionStatus, lastError string) error
	Disconnect(ctx context.Context, id string) error
}

// Registration binds a provider adapter to its OAuth client configuration.
type Registration struct {
	Provider Provider
	OAuth    *oauth2.Config
}

type ManagerConfig struct {
	// WebhookBaseURL is the public base the providers post notifications to, e.g. https://api.example.com.
	WebhookBaseURL string
	WatchTTL       time.Duration
	// HTTPClient is the transport for token and provider calls; a 15s timeout client when nil.
	HTTPClient *http.Client
}

type Manager struct {
	store     ConnectionStore
	providers map[model.Provider]Registration
	cfg       ManagerConfig
	logger    *slog.Logger
	refreshes singleflight.Group
	now       func() time.Time
}

func NewManager(store ConnectionStore, logger *slog.Logger, cfg ManagerConfig, regs ...Registration) *Manager {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.WatchTTL <= 0 {
		cfg.WatchTTL = 7 * 24 * time.Hour
	}
	providers := make(map[model.Provider]Registration, len(regs))
	for _, r := range regs {
		providers[r.Provider.Kind()] = r
	}
	return &Manager{
		store:     store,
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (m *Manager) registration(p model.Provider) (Registration, error) {
	r, ok := m.providers[p]
	if !ok {
		return Registration{}, fmt.Errorf("%s: %w", p, ErrProviderNotConfigured)
	}
	return r, nil
}

// Provider returns the adapter for p.
func (m *Manager) Provider(p model.Provider) (Provider, error) {
	r, err := m.registration(p)
	if err != nil {
		return nil, err
	}
	return r.Provider, nil
}

// Session re-reads the connection and returns it with a client holding a
// token that stays valid for at least RefreshMargin.
func (m *Manager) Session(ctx context.Context, connectionID string) (*Session, Provider, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn.Status != model.ConnectionActive {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrConnectionInactive, conn.ID, conn.Status)
	}
	reg, err := m.registration(conn.Provider)
	if err != nil {
		return nil, nil, err
	}

	if m.needsRefresh(conn) {
		// One refresh per connection at a time; concurrent callers share the result.
		v, err, _ := m.refreshes.Do(conn.ID, func() (any, error) {
			return m.refresh(context.WithoutCancel(ctx), reg, conn.ID)
		})
		if err != nil {
			return nil, nil, err
		}
		conn = v.(model.CalendarConnection)
	}

	tok := &oauth2.Token{AccessToken: conn.AccessToken, TokenType: "Bearer", Expiry: conn.TokenExpiresAt}
	client := oauth2.NewClient(m.clientContext(ctx), oauth2.StaticTokenSource(tok))
	client.Timeout = m.cfg.HTTPClient.Timeout
	return &Session{Connection: conn, Client: client}, reg.Provider, nil
}

func (m *Manager) needsRefresh(conn model.CalendarConnection) bool {
	return conn.AccessToken == "" || conn.TokenExpiresAt.Before(m.now().Add(RefreshMargin))
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.cfg.HTTPClient)
}

// refresh exchanges the refresh token and stores the result with a
// compare-and-swap on the connection version. Losing the swap means another
// instance refreshed first; its token is used instead.
func (m *Manager) refresh(ctx context.Context, reg Registration, connectionID string) (model.CalendarConnection, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return conn, err
	}
	if !m.needsRefresh(conn) {
		return conn, nil
	}
	if conn.RefreshToken == "" {
		return conn, m.failAuth(ctx, conn, errors.New("no refresh token stored"))
	}

	// An empty access token forces the source to hit the token endpoint.
	src := reg.OAuth.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: conn.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrant(err) {
			return conn, m.failAuth(ctx, conn, err)
		}
		return conn, &ProviderTransientError{Provider: conn.Provider, Op: "token refresh", Err: err}
	}

	swapped, err := m.store.UpdateTokens(ctx, conn.ID, conn.Version, tok.AccessToken, tok.RefreshToken, tok.Expiry)
	if err != nil {
		return conn, err
	}
	if !swapped {
		m.logger.Info("token refresh lost race, using stored token", "connection_id", conn.ID)
		return m.store.GetConnection(ctx, conn.ID)
	}
	conn.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		conn.RefreshToken = tok.RefreshToken
	}
	conn.TokenExpiresAt = tok.Expiry
	conn.Version++
	m.logger.Debug("access token refreshed", "connection_id", conn.ID, "expires_at", tok.Expiry)
	return conn, nil
}

func isInvalidGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
		return true
	}
	return re.Response != nil && (re.Response.StatusCode == http.StatusUnauthorized || strings.Contains(string(re.Body), "invalid_grant"))
}

func (m *Manager) failAuth(ctx context.Context, conn model.CalendarConnection, cause error) error {
	if err := m.store.UpdateConnectionStatus(ctx, conn.ID, model.ConnectionError, cause.Error()); err != nil {
		m.logger.Error("failed to flag connection", "err", err, "connection_id", conn.ID)
	}
	m.logger.Warn("calendar connection needs reauthorization", "connection_id", conn.ID, "provider", conn.Provider, "err", cause)
	return &ProviderAuthError{Provider: conn.Provider, ConnectionID: conn.ID, Err: cause}
}

// RecordFailure flags the connection when a provider call was rejected for auth.
// Other errors leave the connection untouched.
func (m *Manager) RecordFailure(ctx context.Context, conn model.CalendarConnection, err error) {
	var authErr *ProviderAuthError
	if errors.As(err, &authErr) {
		_ = m.failAuth(ctx, conn, authErr.Err)
	}
}

// StartWatch registers a fresh channel for the connection, tearing down the
// previous one first. A failed teardown is logged and does not block.
func (m *Manager) StartWatch(ctx context.Context, connectionID string) (model.WatchState, error) {
	if !m.CanWatch() {
		return model.WatchState{}, ErrWatchUnavailable
	}
	sess, provider, err := m.Session(ctx, connectionID)
	if err != nil {
		return model.WatchState{}, err
	}
	conn := sess.Connection
	if conn.HasWatch() {
		if err := provider.StopWatch(ctx, sess, watchOf(conn)); err != nil {
			m.logger.Warn("stopping previous watch channel failed", "err", err, "connection_id", conn.ID, "channel_id", conn.WatchChannelID)
		}
	}

	token, err := randomToken()
	if err != nil {
		return model.WatchState{}, err
	}
	ch, err := provider.StartWatch(ctx, sess, WatchRequest{
		ChannelID: uuid.NewString(),
		Token:     token,
		Address:   m.WebhookURL(conn.Provider),
		TTL:       m.cfg.WatchTTL,
	})
	if err != nil {
		if conn.HasWatch() {
			_ = m.store.UpdateWatch(ctx, conn.ID, model.WatchState{})
		}
		m.RecordFailure(ctx, conn, err)
		return model.WatchState{}, err
	}

	expires := ch.ExpiresAt
	state := model.WatchState{ChannelID: ch.ChannelID, ResourceID: ch.ResourceID, Token: token, ExpiresAt: &expires}
	if err := m.store.UpdateWatch(ctx, conn.ID, state); err != nil {
		return model.WatchState{}, err
	}
	m.logger.Info("watch channel started", "connection_id", conn.ID, "channel_id", state.ChannelID, "expires_at", expires)
	return state, nil
}

// StopWatch tears down the connection's channel. It returns nil, nil when there is none.
func (m *Manager) StopWatch(ctx context.Context, connectionID string) (*model.WatchState, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !conn.HasWatch() {
		return nil, nil
	}
	stopped := watchOf(conn)

	if sess, provider, err := m.Session(ctx, connectionID); err == nil {
		if err := provider.StopWatch(ctx, sess, stopped); err != nil {
			m.logger.Warn("provider stop watch failed", "err", err, "connection_id", conn.ID)
		}
	} else {
		m.logger.Warn("stop watch without provider call", "err", err, "connection_id", conn.ID)
	}
	if err := m.store.UpdateWatch(ctx, conn.ID, model.WatchState{}); err != nil {
		return nil, err
	}
	return &stopped, nil
}

func watchOf(c model.CalendarConnection) model.WatchState {
	return model.WatchState{
		ChannelID:  c.WatchChannelID,
		ResourceID: c.WatchResourceID,
		Token:      c.WatchChannelToken,
		ExpiresAt:  c.WebhookExpiresAt,
	}
}

// WebhookURL is where provider p posts notifications; empty when no public base URL is configured.
func (m *Manager) WebhookURL(p model.Provider) string {
	base := strings.TrimRight(m.cfg.WebhookBaseURL, "/")
	if base == "" {
		return ""
	}
	return base + "/webhooks/" + strings.ToLower(string(p))
}

func (m *Manager) CanWatch() bool {
	return m.cfg.WebhookBaseURL != ""
}

func randomToken() (string, error) {
	var b [24]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// AuthURL builds the consent page URL for provider p.
func (m *Manager) AuthURL(p model.Provider, state string) (string, error) {
	reg, err := m.registration(p)
	if err != nil {
		return "", err
	}
	return reg.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

type ConnectParams struct {
	BusinessID string
	StaffID    string
	Provider   model.Provider
	Code       string
	CalendarID string
}

// Connect exchanges an authorization code and stores an ACTIVE connection.
// A watch channel is started when a public webhook URL is configured; failure
// to start it leaves the connection on polling.
func (m *Manager) Connect(ctx context.Context, p ConnectParams) (model.CalendarConnection, error) {
	reg, err := m.registration(p.Provider)
	if err != nil {
		return model.CalendarConnection{}, err
	}
	tok, err := reg.OAuth.Exchange(m.clientContext(ctx), p.Code)
	if err != nil {
		return model.CalendarConnection{}, fmt.Errorf("exchange authorization code: %w", err)
	}
	if tok.RefreshToken == "" {
		return model.CalendarConnection{}, errors.New("provider did not return a refresh token")
	}
	calendarID := p.CalendarID
	if calendarID == "" && p.Provider == model.ProviderGoogle {
		calendarID = "primary"
	}
	conn := model.CalendarConnection{
		BusinessID:     p.BusinessID,
		StaffID:        p.StaffID,
		Provider:       p.Provider,
		Status:         model.ConnectionActive,
		AccessToken:    tok.AccessToken,
		RefreshToken:   tok.RefreshToken,
		TokenExpiresAt: tok.Expiry,
		CalendarID:     calendarID,
		SyncEnabled:    true,
	}
	if err := m.store.CreateConnection(ctx, &conn); err != nil {
		return model.CalendarConnection{}, err
	}
	m.logger.Info("calendar connected", "connection_id", conn.ID, "business_id", conn.BusinessID, "provider", conn.Provider)

	if m.CanWatch() {
		if _, err := m.StartWatch(ctx, conn.ID); err != nil {
			m.logger.Warn("initial watch failed, connection will be polled", "err", err, "connection_id", conn.ID)
		}
	}
	return m.store.GetConnection(ctx, conn.ID)
}

// Disconnect stops the watch and clears every credential.
func (m *Manager) Disconnect(ctx context.Context, connectionID string) error {
	if _, err := m.StopWatch(ctx, connectionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		m.logger.Warn("stop watch during disconnect failed", "err", err, "connection_id", connectionID)
	}
	return m.store.Disconnect(ctx, connectionID)
}
