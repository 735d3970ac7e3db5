package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// Entity prefixes keep identifiers self-describing in logs and audit rows.
const (
	PrefixConsent      = "con"
	PrefixDistribution = "dst"
	PrefixEngagement   = "evt"
	PrefixRevocation   = "job"
	PrefixAudit        = "aud"
)

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewPrefixed returns a ULID with an entity prefix, e.g. "con_01H...".
func NewPrefixed(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// Prefix reports the entity prefix of an identifier, or "" if it has none.
func Prefix(id string) string {
	if i := strings.IndexByte(id, '_'); i > 0 {
		return id[:i]
	}
	return ""
}
