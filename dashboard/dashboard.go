// Package dashboard is the HTTP backend a browser dashboard talks to. It logs
// a browser in against a credential set, keeps the resulting registry session
// behind an scs cookie and proxies domain calls through the session's client.
package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"

	"github.com/panyam/centralauth"
)

// DefaultMaxBodyBytes caps request bodies accepted by login and the proxy
const DefaultMaxBodyBytes = 1 << 20

type Dashboard struct {
	router     *mux.Router
	Session    *scs.SessionManager
	Middleware Middleware

	// Registry owns the token managers behind logged in sessions. Must be passed in.
	Registry *centralauth.SessionRegistry

	// Defaults fill any credential field the login request leaves empty
	Defaults centralauth.CredentialSet

	// Optional name used for the session cookie
	AppName string

	// CookieSecure marks the session cookie Secure
	CookieSecure bool

	MaxBodyBytes int64
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// New creates a dashboard over registry
func New(registry *centralauth.SessionRegistry, defaults centralauth.CredentialSet) *Dashboard {
	return (&Dashboard{Registry: registry, Defaults: defaults}).EnsureDefaults()
}

func (d *Dashboard) EnsureDefaults() *Dashboard {
	if d.AppName == "" {
		d.AppName = "centralauth"
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if d.Session == nil {
		d.Session = scs.New()
		d.Session.Cookie.Name = d.AppName + "_session"
		d.Session.Cookie.HttpOnly = true
		d.Session.Cookie.SameSite = http.SameSiteLaxMode
		d.Session.Cookie.Secure = d.CookieSecure
		if d.Registry != nil {
			cfg := d.Registry.Config()
			d.Session.Lifetime = cfg.TTL
			if cfg.Policy == centralauth.ExpirySliding {
				d.Session.Lifetime = 24 * time.Hour
				d.Session.IdleTimeout = cfg.IdleTimeout
			}
		}
	}
	if d.Middleware.Registry == nil {
		d.Middleware.Registry = d.Registry
	}
	if d.Middleware.Logger == nil {
		d.Middleware.Logger = d.Logger
	}
	if d.Middleware.SessionGetter == nil {
		d.Middleware.SessionGetter = func(r *http.Request, param string) string {
			return d.Session.GetString(r.Context(), param)
		}
	}
	d.Middleware.EnsureReasonableDefaults()
	return d
}

// Handler returns the routes wrapped in scs load-and-save
func (d *Dashboard) Handler() http.Handler {
	return d.Session.LoadAndSave(d.setupRoutes().router)
}

func (d *Dashboard) setupRoutes() *Dashboard {
	if d.router != nil {
		return d
	}
	d.EnsureDefaults()
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/login", d.onLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", d.onLogout).Methods(http.MethodPost)
	api.Handle("/auth/status", d.Middleware.ExtractSession(http.HandlerFunc(d.onAuthStatus))).Methods(http.MethodGet)

	api.Handle("/token/status", d.Middleware.EnsureSession(http.HandlerFunc(d.onTokenStatus))).Methods(http.MethodGet)
	api.Handle("/token/refresh", d.Middleware.EnsureSession(http.HandlerFunc(d.onTokenRefresh))).Methods(http.MethodPost)

	api.PathPrefix("/central/").Handler(d.Middleware.EnsureSession(http.HandlerFunc(d.onProxy)))

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, "no such route", "not_found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
	})
	d.router = r
	return d
}

// LoginRequest is the login body. Empty fields fall back to the configured defaults.
type LoginRequest struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	CustomerID   string `json:"customer_id,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	GrantType    string `json:"grant_type,omitempty"`
}

func (d *Dashboard) credentials(req LoginRequest) centralauth.CredentialSet {
	creds := d.Defaults
	if req.ClientID != "" {
		creds.ClientID = req.ClientID
	}
	if req.ClientSecret != "" {
		creds.ClientSecret = req.ClientSecret
	}
	if req.CustomerID != "" {
		creds.CustomerID = req.CustomerID
	}
	if req.Username != "" {
		creds.Username = req.Username
	}
	if req.Password != "" {
		creds.Password = req.Password
	}
	if req.GrantType != "" {
		creds.GrantType = centralauth.GrantType(req.GrantType)
	}
	return creds
}

type sessionStatus struct {
	Authenticated bool                     `json:"authenticated"`
	CreatedAt     time.Time                `json:"created_at,omitempty"`
	ExpiresAt     time.Time                `json:"expires_at,omitempty"`
	LastActivity  time.Time                `json:"last_activity,omitempty"`
	Policy        centralauth.ExpiryPolicy `json:"policy,omitempty"`
	Token         *centralauth.Status      `json:"token,omitempty"`

	Credentials *centralauth.CredentialSet `json:"credentials,omitempty"`
}

func (d *Dashboard) describe(sess *centralauth.Session) sessionStatus {
	if sess == nil {
		return sessionStatus{}
	}
	st := sess.Manager.Status()
	creds := sess.Credentials.Redacted()
	return sessionStatus{
		Authenticated: true,
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
		LastActivity:  sess.LastActivity,
		Policy:        d.Registry.Config().Policy,
		Token:         &st,
		Credentials:   &creds,
	}
}

// onLogin creates a registry session and proves the credentials by obtaining a token
func (d *Dashboard) onLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, d.MaxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read request", "bad_request")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body", "bad_request")
			return
		}
	}

	creds := d.credentials(req)
	if err := creds.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_credentials")
		return
	}

	id, err := d.Registry.Create(r.Context(), creds)
	if err != nil {
		d.Logger.Warn("Login failed", "credential_key", creds.Key(), "error", err)
		writeError(w, err, d.Clock.Now())
		return
	}
	sess, err := d.Registry.Get(id)
	if err != nil {
		writeError(w, err, d.Clock.Now())
		return
	}
	if _, err := sess.Manager.GetValidToken(r.Context(), false); err != nil {
		d.Registry.Destroy(id)
		d.Logger.Warn("Login failed", "credential_key", creds.Key(), "error", err)
		writeError(w, err, d.Clock.Now())
		return
	}

	// A new scs token on privilege change
	if err := d.Session.RenewToken(r.Context()); err != nil {
		d.Registry.Destroy(id)
		writeError(w, fmt.Errorf("failed to renew session: %w", err), d.Clock.Now())
		return
	}
	if old := d.Session.GetString(r.Context(), d.Middleware.SessionVar); old != "" {
		d.Registry.Destroy(old)
	}
	d.Session.Put(r.Context(), d.Middleware.SessionVar, id)
	d.Logger.Info("Dashboard login", "credential_key", creds.Key())
	writeJSON(w, http.StatusOK, d.describe(sess))
}

func (d *Dashboard) onLogout(w http.ResponseWriter, r *http.Request) {
	id := d.Session.PopString(r.Context(), d.Middleware.SessionVar)
	destroyed := id != "" && d.Registry.Destroy(id)
	if err := d.Session.Destroy(r.Context()); err != nil {
		d.Logger.Warn("error destroying session", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"logged_out": destroyed})
}

func (d *Dashboard) onAuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.describe(GetSession(r)))
}

func (d *Dashboard) onTokenStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, GetSession(r).Manager.Status())
}

func (d *Dashboard) onTokenRefresh(w http.ResponseWriter, r *http.Request) {
	sess := GetSession(r)
	if _, err := sess.Manager.GetValidToken(r.Context(), true); err != nil {
		writeError(w, err, d.Clock.Now())
		return
	}
	writeJSON(w, http.StatusOK, sess.Manager.Status())
}

// onProxy forwards /api/central/<path> to <base url>/<path> with the session's token
func (d *Dashboard) onProxy(w http.ResponseWriter, r *http.Request) {
	sess := GetSession(r)
	path := strings.TrimPrefix(r.URL.Path, "/api/central")

	var payload []byte
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, d.MaxBodyBytes))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request", "bad_request")
			return
		}
		if len(body) > 0 {
			payload = body
		}
	}

	resp, err := sess.Client.Call(r.Context(), r.Method, path, r.URL.Query(), payload)
	if err != nil {
		var e *centralauth.Error
		if !errors.As(err, &e) {
			d.Logger.Warn("Proxy call failed", "method", r.Method, "path", path, "error", err)
		}
		writeError(w, err, d.Clock.Now())
		return
	}
	if resp.Absent {
		w.Header().Set("X-Central-Absent", "true")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}
