package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/engagement"
	"empathyledger.org/internal/obs"
	"empathyledger.org/internal/revocation"
	"empathyledger.org/internal/stream"
	"empathyledger.org/internal/webhook"
)

// ReadyProbe checks the backing store when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Services are the domain dependencies the HTTP layer fronts.
type Services struct {
	Consents      consent.Ledger
	Distributions distribution.Manager
	Collector     *engagement.Collector
	Coordinator   *revocation.Coordinator
	Trail         audit.Trail
	Sites         *webhook.Registry
	Stream        *stream.Stream
}

// API is the HTTP layer of the syndication engine.
type API struct {
	mux        *http.ServeMux
	svc        Services
	readyProbe ReadyProbe
	version    string
}

func New(svc Services, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	a.mux.HandleFunc("/v1/consents", a.handleConsentsCollection)
	a.mux.HandleFunc("/v1/consents/", a.handleConsentResource)
	a.mux.HandleFunc("/v1/distributions", a.handleDistributionsCollection)
	a.mux.HandleFunc("/v1/distributions/", a.handleDistributionResource)
	a.mux.HandleFunc("/v1/moderation/pulldown", a.handlePullDown)
	a.mux.HandleFunc("/v1/engagement/events", a.handleEngagementEvents)
	a.mux.HandleFunc("/v1/engagement/summary", a.handleEngagementSummary)
	a.mux.HandleFunc("/v1/revocations", a.handleRevocationsCollection)
	a.mux.HandleFunc("/v1/revocations/", a.handleRevocationResource)
	a.mux.HandleFunc("/v1/audit", a.handleAuditQuery)
	a.mux.HandleFunc("/v1/audit/", a.handleAuditResource)
	a.mux.HandleFunc("/v1/sites", a.handleSites)
	a.mux.HandleFunc("/v1/stream", a.Stream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with authentication and metrics.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.withAuth(a.mux))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "empathy-ledger-syndication",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "empathy-ledger-syndication",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
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
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps sentinel errors from the domain packages onto HTTP
// status codes.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrInvalidTerms),
		errors.Is(err, engagement.ErrInvalidEvent),
		errors.Is(err, revocation.ErrUnknownTrigger):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, consent.ErrElderApprovalRequired),
		errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, consent.ErrNotFound),
		errors.Is(err, distribution.ErrNotFound),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, revocation.ErrNotFound),
		errors.Is(err, webhook.ErrSiteNotRegistered):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, consent.ErrInvalidTransition),
		errors.Is(err, distribution.ErrInvalidTransition),
		errors.Is(err, distribution.ErrConsentNotApproved),
		errors.Is(err, engagement.ErrDistributionNotActive),
		errors.Is(err, audit.ErrNoAttentionFlag):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
