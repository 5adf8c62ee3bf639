package auth

import (
	"net/http"
	"strings"

	"github.com/feedline/feedline/internal/apierr"
	"github.com/feedline/feedline/internal/config"
)

// Tier is the privilege class of an API identity.
type Tier string

const (
	TierInternal Tier = "internal"
	TierPublic   Tier = "public"
	TierAdmin    Tier = "admin"
)

// Identity is one authorized API key with its tier and per-minute request
// budget. A budget of 0 means unlimited.
type Identity struct {
	Key       string
	Tier      Tier
	RateLimit int
}

// Allowed reports whether the identity's tier is among the given tiers.
func (i Identity) Allowed(tiers ...Tier) bool {
	for _, t := range tiers {
		if i.Tier == t {
			return true
		}
	}
	return false
}

// Table is the in-memory identity table, populated at process start and
// read-only afterwards.
type Table struct {
	byKey map[string]Identity
}

// NewTable builds the identity table from configuration.
func NewTable(ids config.Identities, limits config.RateLimitConfig) *Table {
	t := &Table{byKey: make(map[string]Identity)}
	for _, key := range ids.Internal {
		t.byKey[key] = Identity{Key: key, Tier: TierInternal, RateLimit: limits.Internal}
	}
	for _, key := range ids.Public {
		t.byKey[key] = Identity{Key: key, Tier: TierPublic, RateLimit: limits.PublicFree}
	}
	for _, key := range ids.Admin {
		t.byKey[key] = Identity{Key: key, Tier: TierAdmin, RateLimit: limits.Admin}
	}
	return t
}

// Lookup resolves a raw key to its identity.
func (t *Table) Lookup(key string) (Identity, bool) {
	id, ok := t.byKey[key]
	return id, ok
}

// Authenticate extracts the credential from the request and resolves it.
// The Authorization Bearer header wins; the key query parameter is the
// fallback for WebSocket clients that cannot set custom headers.
func (t *Table) Authenticate(r *http.Request) (Identity, error) {
	key := extractKey(r)
	if key == "" {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "missing API key")
	}
	id, ok := t.Lookup(key)
	if !ok {
		return Identity{}, apierr.New(apierr.CodeUnauthorized, "unknown API key")
	}
	return id, nil
}

// RequireTier rejects identities outside the allowed tiers.
func RequireTier(id Identity, tiers ...Tier) error {
	if !id.Allowed(tiers...) {
		return apierr.New(apierr.CodeForbidden, "insufficient privileges")
	}
	return nil
}

func extractKey(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if strings.HasPrefix(header, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		}
	}
	return r.URL.Query().Get("key")
}
