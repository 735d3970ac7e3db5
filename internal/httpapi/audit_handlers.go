package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
)

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := auth.Require(r.Context(), auth.PermAuditQuery); err != nil {
		handleDomainError(w, r, err)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		EntityID:   strings.TrimSpace(q.Get("entity_id")),
		EntityType: strings.TrimSpace(q.Get("entity_type")),
		ActorID:    strings.TrimSpace(q.Get("actor_id")),
		Category:   strings.TrimSpace(q.Get("category")),
		Action:     strings.TrimSpace(q.Get("action")),
	}
	if raw := strings.TrimSpace(q.Get("attention")); raw != "" {
		v := raw == "true"
		f.RequiresAttention = &v
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		f.From = t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		f.To = t
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	entries, err := a.svc.Trail.Query(r.Context(), f)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) handleAuditResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/audit/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" || action != "resolve" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := auth.Require(r.Context(), auth.PermAuditResolve); err != nil {
		handleDomainError(w, r, err)
		return
	}

	actor, _ := auth.ActorFromContext(r.Context())
	entry, err := a.svc.Trail.Resolve(r.Context(), id, actor)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}
