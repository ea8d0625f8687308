package dashboard

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/panyam/centralauth"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// StatusForError maps a classified error to the status the dashboard answers with
func StatusForError(err error) int {
	if errors.Is(err, centralauth.ErrSessionNotFound) {
		return http.StatusUnauthorized
	}
	switch centralauth.KindOf(err) {
	case centralauth.KindAuth, centralauth.KindAuthenticationFailed:
		return http.StatusUnauthorized
	case centralauth.KindForbidden:
		return http.StatusForbidden
	case centralauth.KindNotFound:
		return http.StatusNotFound
	case centralauth.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

func writeError(w http.ResponseWriter, err error, now time.Time) {
	kind := centralauth.KindOf(err)
	status := StatusForError(err)

	var e *centralauth.Error
	if errors.As(err, &e) && !e.RetryAfter.IsZero() {
		secs := int(math.Ceil(e.RetryAfter.Sub(now).Seconds()))
		if secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	name := kind.String()
	if kind == 0 {
		name = "upstream_error"
	}
	writeJSONError(w, status, err.Error(), name)
}

func writeJSONError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, errorResponse{Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
