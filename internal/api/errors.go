package api

import (
	"errors"
	"fmt"
	"strings"
)

// AuthErrorKind classifies authentication failures so callers can decide
// between re-prompting for credentials and tearing the session down.
type AuthErrorKind int

const (
	// InvalidCredentials means the service rejected the supplied grant
	// outright (error=invalid_grant).
	InvalidCredentials AuthErrorKind = iota
	// ChallengeBlocked means the anti-bot gate returned 403 even after a
	// challenge solve attempt.
	ChallengeBlocked
	// AuthExhausted means repeated token requests kept coming back 400 and
	// the retry budget is spent.
	AuthExhausted
	// DoubleAuthFailure means a request still got 401 after a fresh token
	// was obtained for the retry.
	DoubleAuthFailure
	// DeviceCodeUnavailable means the device pairing endpoints could not
	// produce a usable code.
	DeviceCodeUnavailable
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid credentials"
	case ChallengeBlocked:
		return "challenge blocked"
	case AuthExhausted:
		return "auth exhausted"
	case DoubleAuthFailure:
		return "double auth failure"
	case DeviceCodeUnavailable:
		return "device code unavailable"
	default:
		return fmt.Sprintf("auth error %d", int(k))
	}
}

// AuthError is any failure of the session lifecycle itself, as opposed to an
// ordinary API error on a content request.
type AuthError struct {
	Kind   AuthErrorKind
	Status int
	Msg    string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewAuthError builds an AuthError without an HTTP status attached.
func NewAuthError(kind AuthErrorKind, msg string) *AuthError {
	return &AuthError{Kind: kind, Msg: msg}
}

// IsAuthError reports whether err is an AuthError of the given kind.
func IsAuthError(err error, kind AuthErrorKind) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Kind == kind
}

// APIError is a non-2xx response from the service with whatever structured
// detail the body carried.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("api error %d: %s (%s)", e.Status, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("api error %d: %s", e.Status, e.Code)
	default:
		return fmt.Sprintf("api error %d", e.Status)
	}
}

// TransportError wraps network-level failures so callers can tell a dead
// connection apart from a rejection by the service.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatus extracts the HTTP status code from an APIError or AuthError in
// err's chain, or 0 when none is present.
func HTTPStatus(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	var au *AuthError
	if errors.As(err, &au) {
		return au.Status
	}
	return 0
}

// IsTooManyActiveStreams reports whether err is the play service refusing a
// new stream because every account slot is occupied.
func IsTooManyActiveStreams(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return strings.Contains(ae.Code, "TOO_MANY_ACTIVE_STREAMS") ||
		strings.Contains(ae.Message, "TOO_MANY_ACTIVE_STREAMS")
}
