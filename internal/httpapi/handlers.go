package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"lmsbridge.org/internal/obs"
	"lmsbridge.org/internal/sso"
)

const (
	serviceName         = "lmsbridge"
	defaultErrorURL     = "/error"
	defaultMaxBodyBytes = 1 << 20
	defaultRateBurst    = 20
	defaultRatePerSec   = 10
	readyTimeout        = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the storage backend.
type ReadyProbe struct {
	Store pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer of the bridge.
type API struct {
	mux        *http.ServeMux
	svc        *sso.Service
	readyProbe readinessChecker
	version    string

	errorURL   string
	maxBody    int64
	rateBurst  int
	ratePerSec float64

	adminToken string
	accounts   sso.AccountDirectory
	logs       sso.AccessLogReader
}

// Option configures API.
type Option func(*API)

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithErrorURL sets where failed authentications are redirected.
func WithErrorURL(u string) Option {
	return func(a *API) {
		if u != "" {
			a.errorURL = u
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithRateLimit sets the per-IP token bucket for the SSO endpoints.
// A zero rate disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithAdmin enables the admin endpoints behind token.
func WithAdmin(token string, accounts sso.AccountDirectory, logs sso.AccessLogReader) Option {
	return func(a *API) {
		a.adminToken = token
		a.accounts = accounts
		a.logs = logs
	}
}

func New(svc *sso.Service, rp readinessChecker, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		errorURL:   defaultErrorURL,
		maxBody:    defaultMaxBodyBytes,
		rateBurst:  defaultRateBurst,
		ratePerSec: defaultRatePerSec,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	for _, opt := range opts {
		opt(a)
	}

	// one bucket per client IP shared by all SSO endpoints
	var lim *ipLimiter
	if a.ratePerSec > 0 {
		lim = newIPLimiter(a.rateBurst, a.ratePerSec)
	}
	limited := func(h http.HandlerFunc) http.Handler {
		if lim == nil {
			return h
		}
		return lim.wrap(h)
	}

	// health/ready
	a.mux.HandleFunc("/health", a.Health)
	a.mux.HandleFunc("/healthz", a.Health)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// sso
	a.mux.Handle("/login-notify", limited(a.LoginNotify))
	a.mux.Handle("/auth/{unique_id}", limited(a.AuthRedirect))
	a.mux.Handle("/auth/{unique_id}/{$}", limited(a.AuthRedirect))
	a.mux.HandleFunc("/error", a.ErrorPage)
	a.mux.Handle("/destination-callback", limited(a.DestinationCallback))

	// admin
	a.mux.Handle("/admin/accounts", a.requireAdmin(http.HandlerFunc(a.AdminAccounts)))
	a.mux.Handle("/admin/accounts/{unique_id}", a.requireAdmin(http.HandlerFunc(a.AdminAccount)))
	a.mux.Handle("/admin/access-logs", a.requireAdmin(http.HandlerFunc(a.AdminAccessLogs)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found")
	})

	return a
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = obs.Instrument(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	return RequestID(h)
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
}
