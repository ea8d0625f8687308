package dashboard

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/panyam/centralauth"
)

type sessionContextKey struct{}

// Middleware resolves the dashboard session attached to a request.
// The browser only ever holds the scs cookie; the registry session ID lives
// inside the scs session under SessionVar.
type Middleware struct {
	SessionVar    string
	SessionGetter func(r *http.Request, param string) string
	Registry      *centralauth.SessionRegistry
	Logger        *slog.Logger
}

// EnsureReasonableDefaults fills unset fields
func (a *Middleware) EnsureReasonableDefaults() {
	if a.SessionVar == "" {
		a.SessionVar = "centralSessionId"
	}
	if a.Logger == nil {
		a.Logger = slog.Default()
	}
}

// GetSession returns the session placed on the request by ExtractSession or
// EnsureSession, or nil
func GetSession(r *http.Request) *centralauth.Session {
	sess, _ := r.Context().Value(sessionContextKey{}).(*centralauth.Session)
	return sess
}

func (a *Middleware) lookup(r *http.Request) *centralauth.Session {
	if a.SessionGetter == nil || a.Registry == nil {
		return nil
	}
	id := a.SessionGetter(r, a.SessionVar)
	if id == "" {
		return nil
	}
	sess, err := a.Registry.Get(id)
	if err != nil {
		a.Logger.Debug("Dashboard session no longer valid", "error", err)
		return nil
	}
	return sess
}

// ExtractSession loads the session when there is one and never rejects
func (a *Middleware) ExtractSession(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sess := a.lookup(r); sess != nil {
			r = withSession(r, sess)
		}
		next.ServeHTTP(w, r)
	})
}

// EnsureSession rejects requests without a live session with a JSON 401
func (a *Middleware) EnsureSession(next http.Handler) http.Handler {
	a.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess := a.lookup(r)
		if sess == nil {
			writeJSONError(w, http.StatusUnauthorized, "not logged in", "unauthenticated")
			return
		}
		next.ServeHTTP(w, withSession(r, sess))
	})
}

func withSession(r *http.Request, sess *centralauth.Session) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sess))
}
