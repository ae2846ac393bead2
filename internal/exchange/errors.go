// errors.go defines the typed error taxonomy for exchange calls. Callers
// branch on kind, never on message text: retry loops check IsTransient and
// IsRateLimited, cancellation paths check IsOrderTerminal.
package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies an exchange failure for retry policy.
type ErrorKind int

const (
	// KindTransient covers network failures, timeouts, 5xx and 429.
	// Retried with jittered backoff.
	KindTransient ErrorKind = iota
	// KindPermanent is an explicit rejection of a valid-looking payload.
	// Never retried.
	KindPermanent
	// KindOrderTerminal means the order is already filled or canceled.
	// Cancellation paths treat it as success.
	KindOrderTerminal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindOrderTerminal:
		return "order_terminal"
	}
	return "unknown"
}

// APIError is any non-success outcome of an exchange call.
type APIError struct {
	Kind   ErrorKind
	Status int    // HTTP status, 0 for network errors
	Code   string // venue business code, if present
	Msg    string
}

func (e *APIError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("exchange: %s (status %d, code %s): %s", e.Kind, e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("exchange: %s: %s", e.Kind, e.Msg)
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Kind == KindTransient
}

// IsRateLimited reports whether the error is specifically an HTTP 429, so
// callers can feed the budget manager in addition to retrying.
func IsRateLimited(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Status == http.StatusTooManyRequests
}

// IsOrderTerminal reports whether a cancellation failed only because the
// order is already not alive.
func IsOrderTerminal(err error) bool {
	var api *APIError
	return errors.As(err, &api) && api.Kind == KindOrderTerminal
}

// Venue business codes signalling the order is already terminal. These come
// from cancel responses on filled or already-canceled orders.
var terminalCodes = map[string]bool{
	"100004": true, // order not exist or already done
	"300009": true, // order canceled
}

func classify(status int, code, msg string) *APIError {
	switch {
	case terminalCodes[code]:
		return &APIError{Kind: KindOrderTerminal, Status: status, Code: code, Msg: msg}
	case status == http.StatusTooManyRequests:
		return &APIError{Kind: KindTransient, Status: status, Code: code, Msg: msg}
	case status >= 500:
		return &APIError{Kind: KindTransient, Status: status, Code: code, Msg: msg}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &APIError{Kind: KindTransient, Status: status, Code: code, Msg: msg}
	default:
		return &APIError{Kind: KindPermanent, Status: status, Code: code, Msg: msg}
	}
}

// transportError wraps a failed round trip (DNS, TLS, timeout) as transient.
func transportError(err error) *APIError {
	return &APIError{Kind: KindTransient, Msg: err.Error()}
}
