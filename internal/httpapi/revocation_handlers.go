package httpapi

import (
	"net/http"
	"strings"

	"empathyledger.org/internal/auth"
)

type pullDownRequest struct {
	StoryID string `json:"story_id"`
	Reason  string `json:"reason"`
}

// handlePullDown starts a moderation takedown of every live distribution of
// a story. Runs under the tight moderation deadline regardless of consent
// state.
func (a *API) handlePullDown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := auth.Require(r.Context(), auth.PermModerationPulldown); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req pullDownRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.StoryID) == "" {
		writeError(w, r, http.StatusBadRequest, "story_id is required")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, "reason is required")
		return
	}
	job, err := a.svc.Coordinator.PullDown(r.Context(), req.StoryID, req.Reason)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) handleRevocationsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := auth.Require(r.Context(), auth.PermAuditQuery); err != nil {
		handleDomainError(w, r, err)
		return
	}
	attentionOnly := r.URL.Query().Get("attention") == "true"
	jobs, err := a.svc.Coordinator.List(r.Context(), attentionOnly)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (a *API) handleRevocationResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/revocations/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if err := auth.Require(r.Context(), auth.PermAuditQuery); err != nil {
		handleDomainError(w, r, err)
		return
	}
	job, err := a.svc.Coordinator.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
