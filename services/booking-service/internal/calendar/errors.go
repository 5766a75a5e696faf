package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/md-rashed-zaman/bookingsync/services/booking-service/internal/model"
)

// ErrConnectionInactive is returned for connections that are not ACTIVE. Sync
// stays halted until the business reconnects.
var ErrConnectionInactive = errors.New("calendar connection is not active")

// ErrProviderNotConfigured is returned for a provider with no OAuth client registered.
var ErrProviderNotConfigured = errors.New("calendar provider is not configured")

// ErrWatchUnavailable means no public webhook URL is configured; connections are polled instead.
var ErrWatchUnavailable = errors.New("webhook base url is not configured")

// ProviderAuthError means the provider rejected our credentials. The connection is moved to ERROR.
type ProviderAuthError struct {
	Provider     model.Provider
	ConnectionID string
	Err          error
}

func (e *ProviderAuthError) Error() string {
	return fmt.Sprintf("%s auth failed for connection %s: %v", e.Provider, e.ConnectionID, e.Err)
}

func (e *ProviderAuthError) Unwrap() error { return e.Err }

// ProviderTransientError covers network failures, throttling and 5xx answers.
// The pass is abandoned and retried on the next trigger.
type ProviderTransientError struct {
	Provider   model.Provider
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderTransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// CursorInvalidError means the stored sync token or delta link was rejected (HTTP 410 class).
type CursorInvalidError struct {
	Provider model.Provider
	Err      error
}

func (e *CursorInvalidError) Error() string {
	return fmt.Sprintf("%s sync cursor rejected: %v", e.Provider, e.Err)
}

func (e *CursorInvalidError) Unwrap() error { return e.Err }

// ClassifyStatus maps a provider HTTP status to the error taxonomy. It returns
// err unchanged for statuses it has no opinion on.
func ClassifyStatus(p model.Provider, op string, status int, err error) error {
	switch {
	case status == http.StatusGone:
		return &CursorInvalidError{Provider: p, Err: err}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderAuthError{Provider: p, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &ProviderTransientError{Provider: p, Op: op, StatusCode: status, Err: err}
	}
	return fmt.Errorf("%s %s: %w", p, op, err)
}

// ClassifyTransport wraps a request that never got an HTTP answer. Context
// cancellation is passed through so callers can tell shutdown from an outage.
func ClassifyTransport(p model.Provider, op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &ProviderTransientError{Provider: p, Op: op, Err: err}
}

func IsAuthError(err error) bool {
	var e *ProviderAuthError
	return errors.As(err, &e)
}

func IsCursorInvalid(err error) bool {
	var e *CursorInvalidError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *ProviderTransientError
	return errors.As(err, &e)
}
