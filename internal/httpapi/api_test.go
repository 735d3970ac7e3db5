package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/consent"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/engagement"
	"empathyledger.org/internal/revocation"
	"empathyledger.org/internal/stream"
	"empathyledger.org/internal/webhook"
)

// fakeDestination plays the external site removal commands are delivered to.
type fakeDestination struct {
	mu            sync.Mutex
	commands      []webhook.RemovalCommand
	signatures    []string
	failRemaining int // -1 fails forever
	failStatus    int

	srv *httptest.Server
}

func newFakeDestination(t *testing.T) *fakeDestination {
	t.Helper()
	d := &fakeDestination{}
	d.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cmd webhook.RemovalCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.failRemaining != 0 {
			if d.failRemaining > 0 {
				d.failRemaining--
			}
			w.WriteHeader(d.failStatus)
			return
		}
		d.commands = append(d.commands, cmd)
		d.signatures = append(d.signatures, r.Header.Get("X-Empathy-Ledger-Signature"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(d.srv.Close)
	return d
}

func (d *fakeDestination) failWith(status, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStatus = status
	d.failRemaining = times
}

func (d *fakeDestination) received() []webhook.RemovalCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]webhook.RemovalCommand, len(d.commands))
	copy(out, d.commands)
	return out
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type testEnv struct {
	*apiClient
	dest      *fakeDestination
	collector *engagement.Collector
	coord     *revocation.Coordinator
}

func newSyndicationAPI(t *testing.T) *testEnv {
	t.Helper()

	t.Setenv("EMPATHY_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	dest := newFakeDestination(t)
	registry := webhook.NewRegistry()
	if err := registry.Register(webhook.Site{
		ID:     "site-1",
		Name:   "Partner News",
		URL:    dest.srv.URL,
		Secret: "partner-secret",
	}); err != nil {
		t.Fatalf("register site: %v", err)
	}

	trail := audit.NewInMemory()
	consents := consent.NewInMemory(trail)
	dists := distribution.NewInMemory(consents, trail)
	events := stream.New()

	coord := revocation.NewCoordinator(revocation.Config{
		WithdrawalDeadline: 2 * time.Second,
		ModerationDeadline: 2 * time.Second,
		MaxAttempts:        2,
		RetryDelays:        []time.Duration{20 * time.Millisecond},
	}, dists, webhook.NewClient(registry, time.Second), trail, events)
	consents.SetRevoker(coord)

	collector := engagement.NewCollector(dists, engagement.NewMemoryLog(), trail, engagement.DefaultRateCard)
	t.Cleanup(collector.Close)

	api := New(Services{
		Consents:      consents,
		Distributions: dists,
		Collector:     collector,
		Coordinator:   coord,
		Trail:         trail,
		Sites:         registry,
		Stream:        events,
	}, ReadyProbe{}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		apiClient: &apiClient{
			baseURL: srv.URL,
			client:  srv.Client(),
			t:       t,
		},
		dest:      dest,
		collector: collector,
		coord:     coord,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(actor string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"actor": actor,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authz(actor string, roles ...string) map[string]string {
	c.t.Helper()
	return map[string]string{"Authorization": "Bearer " + c.obtainToken(actor, roles)}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// requestAndApprove walks a consent from request through approval and returns
// its id.
func requestAndApprove(t *testing.T, env *testEnv, teller, mod map[string]string, storyID string) string {
	t.Helper()
	resp := env.post("/v1/consents", map[string]any{
		"story_id": storyID,
		"site_id":  "site-1",
		"terms": map[string]any{
			"revenue_share_percentage":  20,
			"allow_full_story_copy":     true,
			"cultural_permission_level": "public",
		},
	}, teller)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("request consent: unexpected status %d", resp.StatusCode)
	}
	rec := decode[consent.Record](t, resp)

	resp = env.post("/v1/consents/"+rec.ID+"/decide", map[string]any{"outcome": "approve"}, mod)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve consent: unexpected status %d", resp.StatusCode)
	}
	resp.Body.Close()
	return rec.ID
}

func distribute(t *testing.T, env *testEnv, mod map[string]string, consentID string) distribution.Distribution {
	t.Helper()
	resp := env.post("/v1/distributions", map[string]any{"consent_id": consentID}, mod)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create distribution: unexpected status %d", resp.StatusCode)
	}
	return decode[distribution.Distribution](t, resp)
}

func TestConsentToEngagementFlow(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)
	site := env.authz("site-1", auth.RoleSite)

	// Storyteller asks for distribution of their story under a 20% share.
	resp := env.post("/v1/consents", map[string]any{
		"story_id": "story-river",
		"site_id":  "site-1",
		"terms": map[string]any{
			"revenue_share_percentage":  20,
			"allow_full_story_copy":     true,
			"allow_media_assets":        true,
			"cultural_permission_level": "public",
		},
	}, teller)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatalf("missing Location header")
	}
	rec := decode[consent.Record](t, resp)
	if rec.Status != consent.StatusPending {
		t.Fatalf("expected pending consent, got %s", rec.Status)
	}
	if rec.AuthorID != "marla" {
		t.Fatalf("author should default to the acting storyteller, got %q", rec.AuthorID)
	}

	// Moderator approves, then distributes.
	resp = env.post("/v1/consents/"+rec.ID+"/decide", map[string]any{"outcome": "approve"}, mod)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	approved := decode[consent.Record](t, resp)
	if approved.Status != consent.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}

	dist := distribute(t, env, mod, rec.ID)
	if dist.Status != distribution.StatusActive {
		t.Fatalf("expected active distribution, got %s", dist.Status)
	}
	if dist.RevenueSharePercent != 20 {
		t.Fatalf("revenue share not snapshotted: got %d", dist.RevenueSharePercent)
	}

	// Consent moves to active once the distribution exists.
	resp = env.get("/v1/consents/"+rec.ID, nil, teller)
	active := decode[consent.Record](t, resp)
	if active.Status != consent.StatusActive {
		t.Fatalf("expected active consent, got %s", active.Status)
	}

	// Destination reports engagement.
	for _, typ := range []string{"view", "view", "click"} {
		resp = env.post("/v1/engagement/events", map[string]any{
			"distribution_id": dist.ID,
			"event_type":      typ,
		}, site)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("record %s: unexpected status %d", typ, resp.StatusCode)
		}
		resp.Body.Close()
	}
	env.collector.Drain()

	// Storyteller reads the attributed summary. Gross is 2 views at 2c plus
	// one click at 10c, and the distribution keeps 20% of that.
	resp = env.get("/v1/engagement/summary", url.Values{"distribution_id": {dist.ID}}, teller)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	summary := decode[engagement.Summary](t, resp)
	if summary.Views != 2 || summary.Clicks != 1 || summary.Shares != 0 {
		t.Fatalf("unexpected counts: %+v", summary)
	}
	if summary.AttributedCents != 2 {
		t.Fatalf("expected 2 attributed cents, got %d", summary.AttributedCents)
	}
}

func TestRestrictedContentRequiresElderApproval(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)
	elder := env.authz("auntie-june", auth.RoleElder)

	resp := env.post("/v1/consents", map[string]any{
		"story_id": "story-ceremony",
		"site_id":  "site-1",
		"terms": map[string]any{
			"revenue_share_percentage":  50,
			"cultural_permission_level": "restricted",
			"requires_elder_approval":   true,
		},
	}, teller)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	rec := decode[consent.Record](t, resp)

	// A moderator alone cannot clear the cultural gate.
	resp = env.post("/v1/consents/"+rec.ID+"/decide", map[string]any{"outcome": "approve"}, mod)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for moderator approval, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/consents/"+rec.ID+"/decide", map[string]any{"outcome": "approve"}, elder)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected elder approval to succeed, got %d", resp.StatusCode)
	}
	approved := decode[consent.Record](t, resp)
	if approved.Status != consent.StatusApproved {
		t.Fatalf("expected approved, got %s", approved.Status)
	}
	if approved.DecidedBy != "auntie-june" {
		t.Fatalf("decided_by should default to the acting elder, got %q", approved.DecidedBy)
	}
}

func TestWithdrawalCascadesToDestination(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)

	consentID := requestAndApprove(t, env, teller, mod, "story-river")
	dist := distribute(t, env, mod, consentID)

	resp := env.post("/v1/consents/"+consentID+"/withdraw", map[string]any{
		"reason": "changed my mind",
	}, teller)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	withdrawn := decode[withdrawResponse](t, resp)
	if withdrawn.Consent.Status != consent.StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", withdrawn.Consent.Status)
	}
	if withdrawn.RevocationJobID == "" {
		t.Fatalf("withdrawal must return the revocation job id")
	}

	env.coord.Wait()

	resp = env.get("/v1/revocations/"+withdrawn.RevocationJobID, nil, mod)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	job := decode[revocation.Job](t, resp)
	if !job.Resolved() {
		t.Fatalf("job should be resolved after Wait")
	}
	if got := job.Distributions[dist.ID]; got != revocation.EntryConfirmed {
		t.Fatalf("expected confirmed entry, got %s", got)
	}
	if job.RequiresAttention {
		t.Fatalf("clean cascade should not flag attention")
	}

	resp = env.get("/v1/distributions/"+dist.ID, nil, mod)
	final := decode[distribution.Distribution](t, resp)
	if final.Status != distribution.StatusRemoved {
		t.Fatalf("expected removed distribution, got %s", final.Status)
	}

	cmds := env.dest.received()
	if len(cmds) != 1 {
		t.Fatalf("expected one removal command, got %d", len(cmds))
	}
	if cmds[0].DistributionID != dist.ID || cmds[0].StoryID != "story-river" {
		t.Fatalf("unexpected command: %+v", cmds[0])
	}
	env.dest.mu.Lock()
	sig := env.dest.signatures[0]
	env.dest.mu.Unlock()
	if sig == "" {
		t.Fatalf("removal command must be signed")
	}
}

func TestWithdrawalRejectedForOtherStoryteller(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)
	other := env.authz("rival", auth.RoleStoryteller)

	consentID := requestAndApprove(t, env, teller, mod, "story-river")

	resp := env.post("/v1/consents/"+consentID+"/withdraw", map[string]any{}, other)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign withdrawal, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Admins may withdraw on anyone's behalf.
	admin := env.authz("ops", auth.RoleAdmin)
	resp = env.post("/v1/consents/"+consentID+"/withdraw", map[string]any{
		"reason": "account closure",
	}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admin withdrawal to succeed, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestFailedRemovalEscalatesAndResolves(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)
	admin := env.authz("ops", auth.RoleAdmin)

	consentID := requestAndApprove(t, env, teller, mod, "story-river")
	dist := distribute(t, env, mod, consentID)

	env.dest.failWith(http.StatusInternalServerError, -1)

	resp := env.post("/v1/consents/"+consentID+"/withdraw", map[string]any{
		"reason": "changed my mind",
	}, teller)
	withdrawn := decode[withdrawResponse](t, resp)

	env.coord.Wait()

	// Exhausted retries leave the distribution failed and the job flagged.
	resp = env.get("/v1/revocations", url.Values{"attention": {"true"}}, mod)
	jobs := decode[struct {
		Items []revocation.Job `json:"items"`
	}](t, resp)
	if len(jobs.Items) != 1 || jobs.Items[0].ID != withdrawn.RevocationJobID {
		t.Fatalf("expected the failed job in the attention list, got %+v", jobs.Items)
	}
	if got := jobs.Items[0].Distributions[dist.ID]; got != revocation.EntryFailed {
		t.Fatalf("expected failed entry, got %s", got)
	}

	resp = env.get("/v1/distributions/"+dist.ID, nil, mod)
	failed := decode[distribution.Distribution](t, resp)
	if failed.Status != distribution.StatusRemovalFailed {
		t.Fatalf("expected removal_failed, got %s", failed.Status)
	}

	// The escalation sits in the audit trail awaiting an operator.
	resp = env.get("/v1/audit", url.Values{
		"entity_id": {dist.ID},
		"attention": {"true"},
	}, mod)
	entries := decode[struct {
		Items []audit.Entry `json:"items"`
	}](t, resp)
	if len(entries.Items) != 1 {
		t.Fatalf("expected one escalation entry, got %d", len(entries.Items))
	}
	escalation := entries.Items[0]

	resp = env.post("/v1/audit/"+escalation.ID+"/resolve", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	resolution := decode[audit.Entry](t, resp)
	if resolution.ActorID != "ops" {
		t.Fatalf("resolution should carry the acting admin, got %q", resolution.ActorID)
	}

	// Moderators cannot resolve escalations.
	resp = env.post("/v1/audit/"+escalation.ID+"/resolve", nil, mod)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for moderator resolve, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestModerationPullDown(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)

	consentID := requestAndApprove(t, env, teller, mod, "story-flagged")
	dist := distribute(t, env, mod, consentID)

	resp := env.post("/v1/moderation/pulldown", map[string]any{
		"story_id": "story-flagged",
		"reason":   "community guidelines violation",
	}, mod)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	job := decode[revocation.Job](t, resp)
	if job.Trigger != revocation.TriggerModeration {
		t.Fatalf("expected moderation trigger, got %s", job.Trigger)
	}

	env.coord.Wait()

	resp = env.get("/v1/revocations/"+job.ID, nil, mod)
	final := decode[revocation.Job](t, resp)
	if got := final.Distributions[dist.ID]; got != revocation.EntryConfirmed {
		t.Fatalf("expected confirmed entry, got %s", got)
	}

	// Nothing remains live for the story after the cascade.
	resp = env.get("/v1/distributions", url.Values{
		"story_id": {"story-flagged"},
		"live":     {"true"},
	}, mod)
	live := decode[struct {
		Items []distribution.Distribution `json:"items"`
	}](t, resp)
	if len(live.Items) != 0 {
		t.Fatalf("expected no live distributions, got %d", len(live.Items))
	}
}

func TestPullDownValidation(t *testing.T) {
	env := newSyndicationAPI(t)
	mod := env.authz("mod-1", auth.RoleModerator)

	resp := env.post("/v1/moderation/pulldown", map[string]any{"reason": "x"}, mod)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without story_id, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/moderation/pulldown", map[string]any{"story_id": "s"}, mod)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	env := newSyndicationAPI(t)

	// No token at all.
	resp := env.get("/v1/consents", url.Values{"story_id": {"s"}}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Garbage token.
	resp = env.get("/v1/consents", url.Values{"story_id": {"s"}}, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Valid token, wrong role: a destination site cannot pull stories down.
	site := env.authz("site-1", auth.RoleSite)
	resp = env.post("/v1/moderation/pulldown", map[string]any{
		"story_id": "s", "reason": "r",
	}, site)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for site pulldown, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Health stays public.
	resp = env.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected public healthz, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTokenEndpointValidation(t *testing.T) {
	env := newSyndicationAPI(t)

	resp := env.post("/v1/auth/token", map[string]any{"roles": []string{"admin"}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/token", map[string]any{"actor": "x"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without roles, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post("/v1/auth/token", map[string]any{
		"actor": "x", "roles": []string{"superuser"},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown role, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEngagementRejectedAfterRemoval(t *testing.T) {
	env := newSyndicationAPI(t)
	teller := env.authz("marla", auth.RoleStoryteller)
	mod := env.authz("mod-1", auth.RoleModerator)
	site := env.authz("site-1", auth.RoleSite)

	consentID := requestAndApprove(t, env, teller, mod, "story-river")
	dist := distribute(t, env, mod, consentID)

	resp := env.post("/v1/consents/"+consentID+"/withdraw", map[string]any{}, teller)
	resp.Body.Close()
	env.coord.Wait()

	resp = env.post("/v1/engagement/events", map[string]any{
		"distribution_id": dist.ID,
		"event_type":      "view",
	}, site)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for removed distribution, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
