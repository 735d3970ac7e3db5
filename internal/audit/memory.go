package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/ids"
)

// InMemory implements Trail with in-process concurrency safety. The entry
// slice is strictly append-only; Resolve appends, it never mutates.
type InMemory struct {
	mu       sync.RWMutex
	entries  []Entry
	byID     map[string]int
	resolved map[string]string // original entry id -> resolution entry id
}

var _ Trail = (*InMemory)(nil)

// NewInMemory creates an empty audit trail.
func NewInMemory() *InMemory {
	return &InMemory{
		byID:     make(map[string]int),
		resolved: make(map[string]string),
	}
}

func (t *InMemory) Append(ctx context.Context, entry Entry) (Entry, error) {
	entry, err := Normalize(ctx, entry)
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	t.byID[entry.ID] = len(t.entries)
	t.entries = append(t.entries, entry)
	t.mu.Unlock()

	emitLine(ctx, entry)
	return entry, nil
}

// Normalize validates an inbound entry and stamps id, timestamp and actor.
// Shared by every Trail implementation so the append-only contract is the
// same regardless of backing store.
func Normalize(ctx context.Context, entry Entry) (Entry, error) {
	if strings.TrimSpace(entry.Action) == "" || strings.TrimSpace(entry.EntityID) == "" {
		return Entry{}, ErrInvalidEntry
	}
	if entry.ActorID == "" {
		if actorID, ok := auth.ActorFromContext(ctx); ok {
			entry.ActorID = actorID
		}
	}
	entry.ID = ids.NewPrefixed(ids.PrefixAudit)
	entry.OccurredAt = time.Now().UTC()
	if len(entry.Metadata) > 0 {
		meta := make(map[string]string, len(entry.Metadata))
		for k, v := range entry.Metadata {
			meta[k] = v
		}
		entry.Metadata = meta
	}
	return entry, nil
}

func (t *InMemory) Query(ctx context.Context, f Filter) ([]Entry, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var res []Entry
	// Newest first: compliance reviews start from the most recent fact.
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if !t.matches(e, f) {
			continue
		}
		res = append(res, e)
		if len(res) >= limit {
			break
		}
	}
	return res, nil
}

func (t *InMemory) matches(e Entry, f Filter) bool {
	if f.EntityID != "" && e.EntityID != f.EntityID {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredAt.After(f.To) {
		return false
	}
	if f.RequiresAttention != nil {
		open := e.RequiresAttention && t.resolved[e.ID] == ""
		if *f.RequiresAttention != open {
			return false
		}
	}
	return true
}

// Resolve appends a resolution entry referencing the original. Resolving an
// already-resolved entry returns the existing resolution.
func (t *InMemory) Resolve(ctx context.Context, entryID, resolvedBy string) (Entry, error) {
	t.mu.RLock()
	idx, ok := t.byID[entryID]
	var original Entry
	if ok {
		original = t.entries[idx]
	}
	resolutionID := t.resolved[entryID]
	var resolution Entry
	if resolutionID != "" {
		resolution = t.entries[t.byID[resolutionID]]
	}
	t.mu.RUnlock()

	if !ok {
		return Entry{}, ErrNotFound
	}
	if !original.RequiresAttention {
		return Entry{}, ErrNoAttentionFlag
	}
	if resolutionID != "" {
		return resolution, nil
	}

	entry, err := t.Append(ctx, Entry{
		Action:     ActionAuditResolved,
		Category:   original.Category,
		ActorID:    resolvedBy,
		EntityType: original.EntityType,
		EntityID:   original.EntityID,
		ResolvesID: original.ID,
	})
	if err != nil {
		return Entry{}, err
	}

	t.mu.Lock()
	t.resolved[original.ID] = entry.ID
	t.mu.Unlock()
	return entry, nil
}
