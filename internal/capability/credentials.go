package capability

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// ErrNoCredential is returned when no credential exists for a provider.
var ErrNoCredential = errors.New("no credential for provider")

// redacted is what a Secret prints as. The raw value is only reachable
// through Reveal.
const redacted = "[redacted]"

// Secret holds a provider credential. It redacts itself under fmt verbs and
// JSON marshaling so a secret can never leak through a log field or an API
// response by accident.
type Secret struct {
	value string
}

// NewSecret wraps a raw credential value.
func NewSecret(value string) Secret { return Secret{value: value} }

// Reveal returns the raw credential value.
func (s Secret) Reveal() string { return s.value }

// IsZero returns true if no credential is held.
func (s Secret) IsZero() bool { return s.value == "" }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// MarshalJSON implements json.Marshaler.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// CredentialStore resolves provider credentials. Implementations must never
// log resolved values.
type CredentialStore interface {
	// Resolve returns the credential for a provider, or ErrNoCredential.
	Resolve(id types.ProviderID) (Secret, error)
}

// === Environment store ===

// envStore resolves credentials from process environment variables named
// <PROVIDER>_API_KEY, e.g. OPENAI_API_KEY for provider "openai".
type envStore struct{}

// NewEnvCredentialStore creates the default environment-backed store.
func NewEnvCredentialStore() CredentialStore { return envStore{} }

// Resolve implements CredentialStore.
func (envStore) Resolve(id types.ProviderID) (Secret, error) {
	if !id.IsValid() {
		return Secret{}, fmt.Errorf("%w: empty provider id", ErrNoCredential)
	}
	value := os.Getenv(EnvKeyFor(id))
	if value == "" {
		return Secret{}, fmt.Errorf("%w: %s", ErrNoCredential, id)
	}
	return NewSecret(value), nil
}

// EnvKeyFor returns the environment variable name holding a provider's
// credential. Non-alphanumeric characters in the id map to underscores.
func EnvKeyFor(id types.ProviderID) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id.String())
	return strings.ToUpper(mapped) + "_API_KEY"
}

// === Static store ===

// staticStore resolves credentials from a fixed table. Used for tests and
// for credentials injected through configuration.
type staticStore struct {
	secrets map[types.ProviderID]Secret
}

// NewStaticCredentialStore creates a store over a fixed credential table.
func NewStaticCredentialStore(values map[types.ProviderID]string) CredentialStore {
	secrets := make(map[types.ProviderID]Secret, len(values))
	for id, value := range values {
		secrets[id] = NewSecret(value)
	}
	return &staticStore{secrets: secrets}
}

// Resolve implements CredentialStore.
func (s *staticStore) Resolve(id types.ProviderID) (Secret, error) {
	secret, ok := s.secrets[id]
	if !ok || secret.IsZero() {
		return Secret{}, fmt.Errorf("%w: %s", ErrNoCredential, id)
	}
	return secret, nil
}
