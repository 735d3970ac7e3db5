package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"empathyledger.org/internal/auth"
	"empathyledger.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Emit writes the structured log line for an entry appended by an external
// Trail implementation.
func Emit(ctx context.Context, entry Entry) { emitLine(ctx, entry) }

// emitLine writes one structured JSON line for an appended entry, enriched
// with request and actor context. The line is a secondary sink; the Trail
// store remains the system of record.
func emitLine(ctx context.Context, entry Entry) {
	line := map[string]any{
		"ts":       entry.OccurredAt.UTC().Format(time.RFC3339Nano),
		"type":     "audit",
		"id":       entry.ID,
		"action":   entry.Action,
		"category": entry.Category,
		"entity":   entry.EntityType + "/" + entry.EntityID,
	}
	if entry.ActorID != "" {
		line["actor_id"] = entry.ActorID
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if actorID, ok := auth.ActorFromContext(ctx); ok && entry.ActorID == "" {
		line["actor_id"] = actorID
	}
	if entry.RequiresAttention {
		line["requires_attention"] = true
	}
	if entry.ResolvesID != "" {
		line["resolves_id"] = entry.ResolvesID
	}
	if len(entry.Metadata) > 0 {
		line["fields"] = entry.Metadata
	}

	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
