// Package identity verifies client credentials at the session boundary and
// fans revocations out to interested components.
package identity

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/fault"
	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/log"
)

// Identity is a verified principal.
type Identity struct {
	Principal string    `json:"principal"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired returns true if the identity's credential has lapsed at now.
// A zero ExpiresAt never expires.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Verifier authenticates a raw credential into an Identity.
type Verifier interface {
	// Verify validates the credential. Rejections carry fault kind
	// Unauthorized; lapsed credentials carry AuthExpired.
	Verify(ctx context.Context, credential string) (Identity, error)
}

// === Static verifier ===

// StaticEntry is one token in a static verifier table.
type StaticEntry struct {
	Token     string    `json:"token" yaml:"token"`
	Principal string    `json:"principal" yaml:"principal"`
	ExpiresAt time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
}

// staticVerifier matches credentials against a fixed token table. It is the
// development default; production deployments plug in their own Verifier.
type staticVerifier struct {
	entries []StaticEntry
}

// NewStaticVerifier creates a verifier over a fixed token table.
func NewStaticVerifier(entries []StaticEntry) Verifier {
	table := make([]StaticEntry, len(entries))
	copy(table, entries)
	return &staticVerifier{entries: table}
}

// Verify implements Verifier. Comparison is constant-time per entry so
// token contents cannot be probed through response timing.
func (v *staticVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fault.New(fault.KindUnauthorized, "empty credential")
	}

	for _, entry := range v.entries {
		if subtle.ConstantTimeCompare([]byte(entry.Token), []byte(credential)) != 1 {
			continue
		}
		id := Identity{Principal: entry.Principal, ExpiresAt: entry.ExpiresAt}
		if id.Expired(time.Now()) {
			return Identity{}, fault.New(fault.KindAuthExpired, "credential for %s expired", entry.Principal)
		}
		return id, nil
	}
	return Identity{}, fault.New(fault.KindUnauthorized, "credential rejected")
}

// === Revocation ===

// Revoker fans principal revocations out to registered listeners. The
// session hub listens so revoked principals lose their live sessions.
type Revoker struct {
	mu        sync.Mutex
	listeners []func(principal string)
}

// NewRevoker creates an empty revoker.
func NewRevoker() *Revoker { return &Revoker{} }

// OnRevoke registers a listener. Listeners are invoked on a separate
// goroutine per revocation.
func (r *Revoker) OnRevoke(fn func(principal string)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Revoke notifies every listener that the principal's access is withdrawn.
func (r *Revoker) Revoke(principal string) {
	if principal == "" {
		return
	}
	r.mu.Lock()
	listeners := make([]func(string), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.Unlock()

	log.Info(log.CatSession, "Principal revoked", "principal", principal)
	for _, fn := range listeners {
		fn := fn
		log.SafeGo("identity-revoke", func() { fn(principal) })
	}
}
