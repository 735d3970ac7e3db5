package httpapi

import (
	"net/http"
	"strings"
	"time"

	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/stream"
	"empathyledger.org/internal/webhook"
)

type createDistributionRequest struct {
	ConsentID string `json:"consent_id"`
}

func (a *API) handleDistributionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDistribution(w, r)
	case http.MethodGet:
		a.listDistributions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDistributionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/distributions/")
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
		d, err := a.svc.Distributions.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case "pause":
		a.transitionDistribution(w, r, id, action)
	case "resume":
		a.transitionDistribution(w, r, id, action)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createDistribution(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(r.Context(), auth.PermDistributionManage); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req createDistributionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ConsentID) == "" {
		writeError(w, r, http.StatusBadRequest, "consent_id is required")
		return
	}
	d, err := a.svc.Distributions.Create(r.Context(), req.ConsentID)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if a.svc.Stream != nil {
		a.svc.Stream.Publish(stream.Event{
			Kind:           stream.KindDistributionCreated,
			StoryID:        d.StoryID,
			SiteID:         d.SiteID,
			DistributionID: d.ID,
		})
	}
	w.Header().Set("Location", "/v1/distributions/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDistributions(w http.ResponseWriter, r *http.Request) {
	if err := auth.Require(r.Context(), auth.PermEngagementRead); err != nil {
		handleDomainError(w, r, err)
		return
	}
	storyID := strings.TrimSpace(r.URL.Query().Get("story_id"))
	if storyID == "" {
		writeError(w, r, http.StatusBadRequest, "story_id query parameter is required")
		return
	}
	var err error
	var items any
	if r.URL.Query().Get("live") == "true" {
		items, err = a.svc.Distributions.LiveByStory(r.Context(), storyID)
	} else {
		items, err = a.svc.Distributions.ByStory(r.Context(), storyID)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) transitionDistribution(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := auth.Require(r.Context(), auth.PermDistributionManage); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var (
		err error
		out any
	)
	if action == "pause" {
		out, err = a.svc.Distributions.Pause(r.Context(), id)
	} else {
		out, err = a.svc.Distributions.Resume(r.Context(), id)
	}
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- destination sites ---

type registerSiteRequest struct {
	ID     string `json:"site_id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (a *API) handleSites(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if err := auth.Require(r.Context(), auth.PermDistributionManage); err != nil {
			handleDomainError(w, r, err)
			return
		}
		var req registerSiteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		site := webhook.Site{ID: req.ID, Name: req.Name, URL: req.URL, Secret: req.Secret}
		if err := a.svc.Sites.Register(site); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, site)
	case http.MethodGet:
		if err := auth.Require(r.Context(), auth.PermDistributionManage); err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": a.svc.Sites.List(),
			"as_of": time.Now().UTC(),
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
