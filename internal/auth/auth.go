// Package auth resolves bearer tokens to scoped principals for the HTTP API.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"
)

// Scopes understood by the API.
const (
	ScopeAll      = "*"
	ScopeValidate = "validate:rw"
	ScopeStatus   = "status:ro"
	ScopeEvents   = "events:ro"
	ScopeMetrics  = "metrics:ro"
)

var (
	ErrNoCredentials = errors.New("missing bearer token")
	ErrMalformed     = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	scopes map[string]bool
}

// Allows reports whether p holds any of required. No requirement always
// passes.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 || p.scopes[ScopeAll] {
		return true
	}
	for _, s := range required {
		if p.scopes[s] {
			return true
		}
	}
	return false
}

// Anonymous is the principal used when no tokens are configured.
func Anonymous() Principal {
	return Principal{Name: "anonymous", scopes: map[string]bool{ScopeAll: true}}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

type key struct {
	digest    [32]byte
	principal Principal
}

// Keyring holds digests of the configured tokens, never the tokens.
type Keyring struct {
	keys []key
}

// NewKeyring builds a keyring from an admin token, which gets scope "*", and
// a list of scoped tokens. Empty tokens are skipped.
func NewKeyring(admin string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if admin != "" {
		k.keys = append(k.keys, key{
			digest:    blake3.Sum256([]byte(admin)),
			principal: Principal{Name: "admin", scopes: map[string]bool{ScopeAll: true}},
		})
	}
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("tokens[%d]", i)
		}
		k.keys = append(k.keys, key{
			digest:    blake3.Sum256([]byte(t.Token)),
			principal: Principal{Name: name, scopes: scopeSet(t.Scopes)},
		})
	}
	return k
}

// Enabled is false when no token is configured and the API is open.
func (k *Keyring) Enabled() bool { return len(k.keys) > 0 }

// Authenticate matches presented against every key. Digests have a fixed
// length, so the comparison time does not depend on which token matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	d := blake3.Sum256([]byte(presented))
	var (
		found Principal
		ok    bool
	)
	for _, c := range k.keys {
		if subtle.ConstantTimeCompare(d[:], c.digest[:]) == 1 && !ok {
			found, ok = c.principal, true
		}
	}
	return found, ok
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrNoCredentials
	}
	scheme, token, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMalformed
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrNoCredentials
	}
	return token, nil
}

func scopeSet(scopes []string) map[string]bool {
	out := make(map[string]bool, len(scopes)+1)
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = true
		}
	}
	// Submitting work implies seeing its effect on the host.
	if out[ScopeValidate] {
		out[ScopeStatus] = true
	}
	return out
}
