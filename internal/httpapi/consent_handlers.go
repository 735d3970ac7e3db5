package httpapi

import (
	"net/http"
	"strings"

	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/consent"
)

type decideRequest struct {
	Outcome   string `json:"outcome"`
	DecidedBy string `json:"decided_by"`
}

type withdrawRequest struct {
	Reason string `json:"reason"`
}

type withdrawResponse struct {
	Consent         consent.Record `json:"consent"`
	RevocationJobID string         `json:"revocation_job_id,omitempty"`
}

func (a *API) handleConsentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.requestConsent(w, r)
	case http.MethodGet:
		a.listConsents(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleConsentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/consents/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getConsent(w, r, id)
	case "decide":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.decideConsent(w, r, id)
	case "withdraw":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.withdrawConsent(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) requestConsent(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(r.Context(), auth.PermConsentRequest); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req consent.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AuthorID == "" {
		if actor, ok := auth.ActorFromContext(r.Context()); ok {
			req.AuthorID = actor
		}
	}
	rec, err := a.svc.Consents.Request(r.Context(), req)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/consents/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) listConsents(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(r.Context(), auth.PermAuditQuery); err != nil {
		handleDomainError(w, r, err)
		return
	}
	storyID := strings.TrimSpace(r.URL.Query().Get("story_id"))
	if storyID == "" {
		writeError(w, r, http.StatusBadRequest, "story_id query parameter is required")
		return
	}
	recs, err := a.svc.Consents.ListByStory(r.Context(), storyID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

func (a *API) getConsent(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.svc.Consents.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) decideConsent(w http.ResponseWriter, r *http.Request, id string) {
	if err := auth.Require(r.Context(), auth.PermConsentDecide); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req decideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	outcome := consent.Outcome(strings.TrimSpace(req.Outcome))
	if outcome != consent.OutcomeApprove && outcome != consent.OutcomeDecline {
		writeError(w, r, http.StatusBadRequest, "outcome must be approve or decline")
		return
	}
	decidedBy := strings.TrimSpace(req.DecidedBy)
	if decidedBy == "" {
		decidedBy, _ = auth.ActorFromContext(r.Context())
	}
	rec, err := a.svc.Consents.Decide(r.Context(), id, outcome, decidedBy)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) withdrawConsent(w http.ResponseWriter, r *http.Request, id string) {
	if err := auth.Require(r.Context(), auth.PermConsentWithdraw); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	// Storytellers may only withdraw their own consents; admins may act on
	// any.
	if !auth.HasRole(r.Context(), auth.RoleAdmin) {
		rec, err := a.svc.Consents.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		actor, _ := auth.ActorFromContext(r.Context())
		if rec.AuthorID != actor {
			writeError(w, r, http.StatusForbidden, "consent belongs to another storyteller")
			return
		}
	}

	rec, jobID, err := a.svc.Consents.Withdraw(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, withdrawResponse{Consent: rec, RevocationJobID: jobID})
}
