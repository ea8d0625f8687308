package centralauth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies failures surfaced to callers
type ErrorKind int

const (
	// KindAuth means a token could not be acquired
	KindAuth ErrorKind = iota + 1
	// KindRateLimitExceeded means a 429 outlived the retry budget or the token cooldown has not elapsed
	KindRateLimitExceeded
	// KindAuthenticationFailed means the API rejected a freshly refreshed token
	KindAuthenticationFailed
	KindForbidden
	KindNotFound
	// KindTransientServer is a 5xx that outlived the configured retries
	KindTransientServer
	// KindAPI is any other non-success domain response, passed through to the caller
	KindAPI
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth_error"
	case KindRateLimitExceeded:
		return "rate_limit_exceeded"
	case KindAuthenticationFailed:
		return "authentication_failed"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindTransientServer:
		return "transient_server_error"
	case KindAPI:
		return "api_error"
	}
	return "unknown"
}

// Error is the single error type returned by the token manager and the client.
type Error struct {
	Kind       ErrorKind
	Op         string
	StatusCode int
	// RetryAfter is the earliest time a retry makes sense, zero when unknown
	RetryAfter time.Time
	// Body holds (a prefix of) the response body for API errors
	Body []byte
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrAuth                 = &Error{Kind: KindAuth}
	ErrRateLimitExceeded    = &Error{Kind: KindRateLimitExceeded}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed}
	ErrForbidden            = &Error{Kind: KindForbidden}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrTransientServer      = &Error{Kind: KindTransientServer}
	ErrAPI                  = &Error{Kind: KindAPI}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if !e.RetryAfter.IsZero() {
		msg += ", retry after " + e.RetryAfter.UTC().Format(time.RFC3339)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.StatusCode == 0 && t.Err == nil
}

// KindOf returns the kind of err, or zero when err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// AsAuthError makes sure err is classified. Already classified errors pass unchanged.
func AsAuthError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// KindForStatus maps a domain response status to an error kind
func KindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthenticationFailed
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimitExceeded
	case status >= 500:
		return KindTransientServer
	}
	return KindAPI
}

// ParseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func ParseRetryAfter(h http.Header, now time.Time) (time.Time, bool) {
	v := h.Get("Retry-After")
	if v == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(v); err == nil {
		return t, true
	}
	return time.Time{}, false
}
