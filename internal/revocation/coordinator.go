package revocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"empathyledger.org/internal/audit"
	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/distribution"
	"empathyledger.org/internal/ids"
	"empathyledger.org/internal/obs"
	"empathyledger.org/internal/stream"
	"empathyledger.org/internal/webhook"
)

// Config bounds the coordinator's delivery behaviour.
type Config struct {
	// WithdrawalDeadline is the compliance window for storyteller
	// withdrawals and consent expiry.
	WithdrawalDeadline time.Duration
	// ModerationDeadline is the much tighter window for moderation
	// pull-downs.
	ModerationDeadline time.Duration
	// MaxAttempts caps delivery attempts per distribution.
	MaxAttempts int
	// RetryDelays is the backoff schedule between attempts; the last value
	// repeats when attempts outnumber entries.
	RetryDelays []time.Duration
}

// DefaultConfig mirrors the compliance windows the engine ships with.
func DefaultConfig() Config {
	return Config{
		WithdrawalDeadline: 24 * time.Hour,
		ModerationDeadline: 5 * time.Minute,
		MaxAttempts:        3,
		RetryDelays:        []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
	}
}

type jobState struct {
	Job
	targets map[string]distribution.Distribution
	done    chan struct{}
}

// Coordinator fans removal commands out to destination sites and tracks
// per-distribution outcomes against the job deadline. One distribution is
// never claimed by two concurrent jobs: a trigger that overlaps an in-flight
// job attaches to it instead of racing it.
type Coordinator struct {
	cfg     Config
	dists   distribution.Manager
	remover webhook.Remover
	trail   audit.Recorder
	events  *stream.Stream

	mu       sync.Mutex
	jobs     map[string]*jobState
	inflight map[string]string // distribution id -> claiming job id

	wg sync.WaitGroup
}

var _ interface {
	EnqueueConsent(ctx context.Context, consentID, trigger, reason string) (string, error)
} = (*Coordinator)(nil)

// NewCoordinator wires the coordinator. events may be nil.
func NewCoordinator(cfg Config, dists distribution.Manager, remover webhook.Remover, trail audit.Recorder, events *stream.Stream) *Coordinator {
	if cfg.WithdrawalDeadline <= 0 {
		cfg.WithdrawalDeadline = DefaultConfig().WithdrawalDeadline
	}
	if cfg.ModerationDeadline <= 0 {
		cfg.ModerationDeadline = DefaultConfig().ModerationDeadline
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if len(cfg.RetryDelays) == 0 {
		cfg.RetryDelays = DefaultConfig().RetryDelays
	}
	return &Coordinator{
		cfg:      cfg,
		dists:    dists,
		remover:  remover,
		trail:    trail,
		events:   events,
		jobs:     make(map[string]*jobState),
		inflight: make(map[string]string),
	}
}

// EnqueueConsent creates a revocation job covering every live distribution
// of the consent. Called synchronously from Withdraw and from the expiry
// sweep; delivery itself runs in the background.
func (c *Coordinator) EnqueueConsent(ctx context.Context, consentID, trigger, reason string) (string, error) {
	switch trigger {
	case TriggerWithdrawal, TriggerExpiry:
	default:
		return "", ErrUnknownTrigger
	}
	affected, err := c.dists.LiveByConsent(ctx, consentID)
	if err != nil {
		return "", err
	}
	deadline := time.Now().UTC().Add(c.cfg.WithdrawalDeadline)
	job := c.createJob(ctx, trigger, reason, consentID, "", affected, deadline)
	return job.ID, nil
}

// PullDown revokes every live distribution of a story on moderation grounds,
// regardless of consent state, under the tight moderation deadline.
func (c *Coordinator) PullDown(ctx context.Context, storyID, reason string) (Job, error) {
	affected, err := c.dists.LiveByStory(ctx, storyID)
	if err != nil {
		return Job{}, err
	}
	if len(affected) == 0 {
		// Everything for this story may already be claimed by an in-flight
		// job (its distributions sit in removal_pending). Attach to it
		// rather than opening an empty duplicate.
		if existing := c.unresolvedForStory(storyID); existing != nil {
			return *existing, nil
		}
	}
	deadline := time.Now().UTC().Add(c.cfg.ModerationDeadline)
	return c.createJob(ctx, TriggerModeration, reason, "", storyID, affected, deadline), nil
}

func (c *Coordinator) unresolvedForStory(storyID string) *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best *Job
	for _, js := range c.jobs {
		if js.StoryID != storyID || js.ResolvedAt != nil {
			continue
		}
		snap := js.snapshot()
		if best == nil || snap.CreatedAt.After(best.CreatedAt) {
			best = &snap
		}
	}
	return best
}

// Get returns a snapshot of one job.
func (c *Coordinator) Get(ctx context.Context, jobID string) (Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	js, ok := c.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return js.snapshot(), nil
}

// List returns all jobs, newest first. With attentionOnly set, only jobs
// holding a failed distribution are returned.
func (c *Coordinator) List(ctx context.Context, attentionOnly bool) ([]Job, error) {
	c.mu.Lock()
	out := make([]Job, 0, len(c.jobs))
	for _, js := range c.jobs {
		if attentionOnly && !js.RequiresAttention {
			continue
		}
		out = append(out, js.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Wait blocks until all background delivery work has finished. Used by
// shutdown and by tests.
func (c *Coordinator) Wait() { c.wg.Wait() }

func (js *jobState) snapshot() Job {
	out := js.Job
	out.Distributions = make(map[string]EntryStatus, len(js.Distributions))
	for k, v := range js.Distributions {
		out.Distributions[k] = v
	}
	return out
}

// createJob claims the affected distributions and starts delivery. Any
// distribution already claimed by an in-flight job stays attached to that
// job; if nothing new remains, the existing job is returned instead of
// creating an empty duplicate.
func (c *Coordinator) createJob(ctx context.Context, trigger, reason, consentID, storyID string, affected []distribution.Distribution, deadline time.Time) Job {
	actor, _ := auth.ActorFromContext(ctx)

	c.mu.Lock()
	var fresh []distribution.Distribution
	for _, d := range affected {
		if _, claimed := c.inflight[d.ID]; !claimed {
			fresh = append(fresh, d)
		}
	}
	if len(fresh) == 0 && len(affected) > 0 {
		existing := c.jobs[c.inflight[affected[0].ID]].snapshot()
		c.mu.Unlock()
		return existing
	}

	js := &jobState{
		Job: Job{
			ID:            ids.NewPrefixed(ids.PrefixRevocation),
			Trigger:       trigger,
			Reason:        reason,
			InitiatedBy:   actor,
			ConsentID:     consentID,
			StoryID:       storyID,
			Deadline:      deadline,
			CreatedAt:     time.Now().UTC(),
			Distributions: make(map[string]EntryStatus, len(fresh)),
		},
		targets: make(map[string]distribution.Distribution, len(fresh)),
		done:    make(chan struct{}),
	}
	for _, d := range fresh {
		js.Distributions[d.ID] = EntryPending
		js.targets[d.ID] = d
		if js.StoryID == "" {
			js.StoryID = d.StoryID
		}
		c.inflight[d.ID] = js.ID
	}
	if len(fresh) == 0 {
		// Nothing live to take down: the job resolves on creation.
		now := js.CreatedAt
		js.ResolvedAt = &now
		close(js.done)
	}
	c.jobs[js.ID] = js
	snap := js.snapshot()
	c.mu.Unlock()

	obs.RevocationJobCreated(trigger)
	_, _ = c.trail.Append(ctx, audit.Entry{
		Action:     audit.ActionRevocationCreated,
		Category:   audit.CategoryRevocation,
		ActorID:    actor,
		EntityType: "revocation_job",
		EntityID:   snap.ID,
		Metadata: map[string]string{
			"trigger":       trigger,
			"reason":        reason,
			"deadline":      deadline.Format(time.RFC3339),
			"distributions": fmt.Sprintf("%d", len(fresh)),
		},
	})
	if c.events != nil {
		c.events.Publish(stream.Event{
			Kind:    stream.KindRevocationStarted,
			StoryID: snap.StoryID,
			JobID:   snap.ID,
			Detail:  trigger,
		})
	}
	if snap.Resolved() {
		c.appendClosed(snap)
		return snap
	}

	for _, d := range fresh {
		if _, err := c.dists.MarkRemovalPending(ctx, d.ID, deadline); err != nil {
			// Already removed or racing another transition; delivery will
			// sort the entry out either way.
			continue
		}
	}

	c.wg.Add(1)
	go c.watchdog(snap.ID, deadline, js.done)
	for _, d := range fresh {
		c.wg.Add(1)
		go c.deliver(snap.ID, d, deadline)
	}
	return snap
}

// deliver pushes the removal command to one destination with bounded
// retries. It is deliberately not cancelled at the job deadline: the
// watchdog marks the entry failed on time, and a late acknowledgment here
// still upgrades it to confirmed.
func (c *Coordinator) deliver(jobID string, d distribution.Distribution, deadline time.Time) {
	defer c.wg.Done()
	start := time.Now()
	cmd := webhook.RemovalCommand{
		DistributionID: d.ID,
		StoryID:        d.StoryID,
		SiteID:         d.SiteID,
		Deadline:       deadline,
	}

	for attempt := 1; ; attempt++ {
		err := c.remover.SendRemoval(context.Background(), cmd, attempt)
		if err == nil {
			c.confirm(jobID, d, time.Since(start))
			return
		}
		if errors.Is(err, webhook.ErrRejected) || errors.Is(err, webhook.ErrSiteNotRegistered) {
			c.fail(jobID, d, err)
			return
		}
		if attempt >= c.cfg.MaxAttempts {
			c.fail(jobID, d, err)
			return
		}
		obs.RemovalCommandOutcome("retried")
		_, _ = c.trail.Append(context.Background(), audit.Entry{
			Action:     audit.ActionRevocationRetry,
			Category:   audit.CategoryRevocation,
			EntityType: "distribution",
			EntityID:   d.ID,
			Metadata: map[string]string{
				"job_id":  jobID,
				"attempt": fmt.Sprintf("%d", attempt),
				"error":   err.Error(),
			},
		})
		time.Sleep(c.retryDelay(attempt))
	}
}

func (c *Coordinator) retryDelay(attempt int) time.Duration {
	i := attempt - 1
	if i >= len(c.cfg.RetryDelays) {
		i = len(c.cfg.RetryDelays) - 1
	}
	return c.cfg.RetryDelays[i]
}

// watchdog enforces the deadline: every distribution still pending when it
// fires is marked failed and escalated. It exits early once the job
// resolves.
func (c *Coordinator) watchdog(jobID string, deadline time.Time, done <-chan struct{}) {
	defer c.wg.Done()
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}

	c.mu.Lock()
	js, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	var expired []distribution.Distribution
	for id, status := range js.Distributions {
		if status == EntryPending {
			js.Distributions[id] = EntryFailed
			js.RequiresAttention = true
			delete(c.inflight, id)
			expired = append(expired, js.targets[id])
		}
	}
	resolved := c.maybeResolveLocked(js)
	c.mu.Unlock()

	for _, d := range expired {
		_, _ = c.dists.MarkRemovalFailed(context.Background(), d.ID)
		c.escalate(jobID, d, "removal deadline missed")
	}
	if resolved != nil {
		c.appendClosed(*resolved)
	}
}

func (c *Coordinator) confirm(jobID string, d distribution.Distribution, elapsed time.Duration) {
	if _, err := c.dists.MarkRemoved(context.Background(), d.ID); err != nil && !errors.Is(err, distribution.ErrNotFound) {
		obs.Logger().Printf(`{"level":"error","component":"revocation","msg":"mark removed failed","distribution_id":%q,"error":%q}`, d.ID, err.Error())
	}

	c.mu.Lock()
	js, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	prev := js.Distributions[d.ID]
	if prev == EntryConfirmed {
		c.mu.Unlock()
		return
	}
	js.Distributions[d.ID] = EntryConfirmed
	if c.inflight[d.ID] == jobID {
		delete(c.inflight, d.ID)
	}
	// A late acknowledgment clears the attention flag once nothing is
	// failed anymore.
	js.RequiresAttention = anyFailed(js.Distributions)
	resolved := c.maybeResolveLocked(js)
	c.mu.Unlock()

	obs.RemovalCommandOutcome("confirmed")
	obs.RemovalConfirmed(elapsed)
	if c.events != nil {
		c.events.Publish(stream.Event{
			Kind:           stream.KindDistributionRemoved,
			StoryID:        d.StoryID,
			SiteID:         d.SiteID,
			DistributionID: d.ID,
			JobID:          jobID,
		})
	}
	if prev == EntryFailed {
		_, _ = c.trail.Append(context.Background(), audit.Entry{
			Action:     audit.ActionRevocationClosed,
			Category:   audit.CategoryRevocation,
			EntityType: "distribution",
			EntityID:   d.ID,
			Metadata:   map[string]string{"job_id": jobID, "late_confirmation": "true"},
		})
	}
	if resolved != nil {
		c.appendClosed(*resolved)
	}
}

func (c *Coordinator) fail(jobID string, d distribution.Distribution, cause error) {
	c.mu.Lock()
	js, ok := c.jobs[jobID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if js.Distributions[d.ID].Terminal() {
		// The watchdog got here first; nothing more to record.
		c.mu.Unlock()
		return
	}
	js.Distributions[d.ID] = EntryFailed
	js.RequiresAttention = true
	if c.inflight[d.ID] == jobID {
		delete(c.inflight, d.ID)
	}
	resolved := c.maybeResolveLocked(js)
	c.mu.Unlock()

	_, _ = c.dists.MarkRemovalFailed(context.Background(), d.ID)
	c.escalate(jobID, d, cause.Error())
	if resolved != nil {
		c.appendClosed(*resolved)
	}
}

// escalate records the needs-attention fact for operators.
func (c *Coordinator) escalate(jobID string, d distribution.Distribution, reason string) {
	obs.RemovalCommandOutcome("failed")
	_, _ = c.trail.Append(context.Background(), audit.Entry{
		Action:            audit.ActionRevocationEscal,
		Category:          audit.CategoryRevocation,
		EntityType:        "distribution",
		EntityID:          d.ID,
		RequiresAttention: true,
		Metadata: map[string]string{
			"job_id":   jobID,
			"story_id": d.StoryID,
			"site_id":  d.SiteID,
			"reason":   reason,
		},
	})
	if c.events != nil {
		c.events.Publish(stream.Event{
			Kind:           stream.KindRemovalEscalated,
			StoryID:        d.StoryID,
			SiteID:         d.SiteID,
			DistributionID: d.ID,
			JobID:          jobID,
			Detail:         reason,
		})
	}
}

// maybeResolveLocked stamps resolved_at once every entry is terminal.
// Caller holds c.mu. Returns a snapshot when the job just resolved.
func (c *Coordinator) maybeResolveLocked(js *jobState) *Job {
	if js.ResolvedAt != nil {
		return nil
	}
	for _, status := range js.Distributions {
		if !status.Terminal() {
			return nil
		}
	}
	now := time.Now().UTC()
	js.ResolvedAt = &now
	close(js.done)
	snap := js.snapshot()
	return &snap
}

func (c *Coordinator) appendClosed(job Job) {
	confirmed, failed := 0, 0
	for _, status := range job.Distributions {
		switch status {
		case EntryConfirmed:
			confirmed++
		case EntryFailed:
			failed++
		}
	}
	_, _ = c.trail.Append(context.Background(), audit.Entry{
		Action:     audit.ActionRevocationClosed,
		Category:   audit.CategoryRevocation,
		EntityType: "revocation_job",
		EntityID:   job.ID,
		Metadata: map[string]string{
			"confirmed": fmt.Sprintf("%d", confirmed),
			"failed":    fmt.Sprintf("%d", failed),
		},
	})
}

func anyFailed(entries map[string]EntryStatus) bool {
	for _, status := range entries {
		if status == EntryFailed {
			return true
		}
	}
	return false
}
