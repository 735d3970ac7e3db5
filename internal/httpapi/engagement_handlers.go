package httpapi

import (
	"net/http"
	"strings"
	"time"

	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/engagement"
	"empathyledger.org/internal/stream"
)

type engagementEventRequest struct {
	DistributionID string    `json:"distribution_id"`
	EventType      string    `json:"event_type"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func (a *API) handleEngagementEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := auth.Require(r.Context(), auth.PermEngagementRecord); err != nil {
		handleDomainError(w, r, err)
		return
	}
	var req engagementEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	e, err := a.svc.Collector.RecordEvent(r.Context(), req.DistributionID, engagement.EventType(req.EventType), req.OccurredAt)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if a.svc.Stream != nil {
		a.svc.Stream.Publish(stream.Event{
			Kind:           stream.KindEngagementRecorded,
			DistributionID: e.DistributionID,
			Detail:         string(e.Type),
		})
	}
	writeJSON(w, http.StatusAccepted, e)
}

// handleEngagementSummary aggregates one distribution or a whole story over
// an optional window.
func (a *API) handleEngagementSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if err := auth.Require(r.Context(), auth.PermEngagementRead); err != nil {
		handleDomainError(w, r, err)
		return
	}

	window, err := parseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	distributionID := strings.TrimSpace(r.URL.Query().Get("distribution_id"))
	storyID := strings.TrimSpace(r.URL.Query().Get("story_id"))
	switch {
	case distributionID != "":
		s, err := a.svc.Collector.Aggregate(r.Context(), distributionID, window)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s)
	case storyID != "":
		dists, err := a.svc.Distributions.ByStory(r.Context(), storyID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		summaries, err := a.svc.Collector.AggregateStory(r.Context(), dists, window)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"story_id": storyID, "items": summaries})
	default:
		writeError(w, r, http.StatusBadRequest, "distribution_id or story_id query parameter is required")
	}
}

func parseWindow(fromRaw, toRaw string) (engagement.Window, error) {
	var w engagement.Window
	if s := strings.TrimSpace(fromRaw); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return engagement.Window{}, err
		}
		w.From = t
	}
	if s := strings.TrimSpace(toRaw); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return engagement.Window{}, err
		}
		w.To = t
	}
	return w, nil
}
