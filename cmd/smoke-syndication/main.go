package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

// Exercises the full syndication loop against a running API: consent request,
// approval, distribution, engagement, withdrawal, and removal confirmation.
// Spins up a local destination endpoint so the removal webhook has somewhere
// real to land.

var (
	baseURL = envOr("EMPATHY_API_ADDR", "http://localhost:8080")
	client  = &http.Client{Timeout: 10 * time.Second}
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func call(method, path, token string, body any, out any) int {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s %s: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build %s %s: %v", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func token(actor string, roles ...string) string {
	var payload struct {
		Token string `json:"token"`
	}
	code := call(http.MethodPost, "/v1/auth/token", "", map[string]any{
		"actor": actor,
		"roles": roles,
	}, &payload)
	if code != http.StatusOK {
		log.Fatalf("token for %s: status %d", actor, code)
	}
	return payload.Token
}

func main() {
	log.SetFlags(0)

	// Local destination that acknowledges removal commands.
	removed := make(chan string, 8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("listen destination: %v", err)
	}
	defer ln.Close()
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var cmd struct {
				DistributionID string `json:"distribution_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&cmd)
			removed <- cmd.DistributionID
			w.WriteHeader(http.StatusOK)
		}))
	}()

	admin := token("smoke-admin", "admin")
	teller := token("smoke-teller", "storyteller")
	mod := token("smoke-mod", "moderator")

	siteID := fmt.Sprintf("smoke-site-%d", time.Now().UnixNano())
	if code := call(http.MethodPost, "/v1/sites", admin, map[string]any{
		"site_id": siteID,
		"name":    "Smoke Destination",
		"url":     "http://" + ln.Addr().String(),
		"secret":  "smoke-secret",
	}, nil); code != http.StatusCreated {
		log.Fatalf("register site: status %d", code)
	}

	storyID := fmt.Sprintf("smoke-story-%d", time.Now().UnixNano())
	var rec struct {
		ID string `json:"consent_id"`
	}
	if code := call(http.MethodPost, "/v1/consents", teller, map[string]any{
		"story_id": storyID,
		"site_id":  siteID,
		"terms": map[string]any{
			"revenue_share_percentage":  25,
			"allow_full_story_copy":     true,
			"cultural_permission_level": "public",
		},
	}, &rec); code != http.StatusCreated {
		log.Fatalf("request consent: status %d", code)
	}

	if code := call(http.MethodPost, "/v1/consents/"+rec.ID+"/decide", mod,
		map[string]any{"outcome": "approve"}, nil); code != http.StatusOK {
		log.Fatalf("approve consent: status %d", code)
	}

	var dist struct {
		ID string `json:"distribution_id"`
	}
	if code := call(http.MethodPost, "/v1/distributions", mod,
		map[string]any{"consent_id": rec.ID}, &dist); code != http.StatusCreated {
		log.Fatalf("create distribution: status %d", code)
	}

	for _, typ := range []string{"view", "view", "share"} {
		if code := call(http.MethodPost, "/v1/engagement/events", admin, map[string]any{
			"distribution_id": dist.ID,
			"event_type":      typ,
		}, nil); code != http.StatusAccepted {
			log.Fatalf("record %s: status %d", typ, code)
		}
	}

	var summary struct {
		Views           int64 `json:"views"`
		Shares          int64 `json:"shares"`
		AttributedCents int64 `json:"attributed_revenue_cents"`
	}
	// The collector persists off the hot path; give it a moment.
	for i := 0; i < 20; i++ {
		call(http.MethodGet, "/v1/engagement/summary?distribution_id="+dist.ID, teller, nil, &summary)
		if summary.Views == 2 && summary.Shares == 1 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if summary.Views != 2 || summary.Shares != 1 {
		log.Fatalf("engagement not aggregated: %+v", summary)
	}

	var withdrawn struct {
		RevocationJobID string `json:"revocation_job_id"`
	}
	if code := call(http.MethodPost, "/v1/consents/"+rec.ID+"/withdraw", teller,
		map[string]any{"reason": "smoke test"}, &withdrawn); code != http.StatusOK {
		log.Fatalf("withdraw: status %d", code)
	}
	if withdrawn.RevocationJobID == "" {
		log.Fatalf("withdrawal returned no revocation job")
	}

	select {
	case id := <-removed:
		if id != dist.ID {
			log.Fatalf("destination saw removal for %s, want %s", id, dist.ID)
		}
	case <-time.After(15 * time.Second):
		log.Fatalf("removal command never reached the destination")
	}

	// Poll until the job confirms.
	deadline := time.Now().Add(15 * time.Second)
	for {
		var job struct {
			ResolvedAt        *time.Time `json:"resolved_at"`
			RequiresAttention bool       `json:"requires_attention"`
		}
		call(http.MethodGet, "/v1/revocations/"+withdrawn.RevocationJobID, mod, nil, &job)
		if job.ResolvedAt != nil {
			if job.RequiresAttention {
				log.Fatalf("revocation resolved but flagged for attention")
			}
			break
		}
		if time.Now().After(deadline) {
			log.Fatalf("revocation job did not resolve in time")
		}
		time.Sleep(200 * time.Millisecond)
	}

	fmt.Printf("✅ syndication smoke test passed: consent=%s distribution=%s\n", rec.ID, dist.ID)
}
