// Package auth authenticates API bearer tokens and checks their scopes.
//
// Tokens are held as BLAKE3 digests and compared in constant time, so a
// comparison leaks neither content nor length of a configured token.
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
	ScopeCompile = "compile"
	ScopeRunsRO  = "runs:ro"
	ScopeEvents  = "events:ro"
	ScopeAll     = "*"
)

// KnownScope reports whether s is a scope the API understands.
func KnownScope(s string) bool {
	switch s {
	case ScopeCompile, ScopeRunsRO, ScopeEvents, ScopeAll:
		return true
	}
	return false
}

// Token is a bearer token with a set of scopes. Name only appears in logs.
type Token struct {
	Name   string
	Value  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Name   string
	scopes map[string]struct{}
}

// Allows reports whether p holds any of required. No requirement always
// passes; "*" passes everything.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.scopes[s]; ok {
			return true
		}
	}
	return false
}

// Anonymous is the principal of an API with no keys configured.
func Anonymous() Principal {
	return Principal{Name: "anonymous", scopes: map[string]struct{}{ScopeAll: {}}}
}

type keyEntry struct {
	digest    [32]byte
	principal Principal
}

// Keyring resolves presented tokens to principals.
type Keyring struct {
	entries []keyEntry
}

// NewKeyring builds a keyring from the admin key (scope "*", skipped when
// empty) and the scoped tokens.
func NewKeyring(adminKey string, tokens []Token) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.add(adminKey, Principal{Name: "admin", scopes: map[string]struct{}{ScopeAll: {}}})
	}
	for i, t := range tokens {
		if t.Value == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = fmt.Sprintf("token[%d]", i)
		}
		k.add(t.Value, Principal{Name: name, scopes: normalizeScopes(t.Scopes)})
	}
	return k
}

func (k *Keyring) add(value string, p Principal) {
	k.entries = append(k.entries, keyEntry{digest: blake3.Sum256([]byte(value)), principal: p})
}

// Enabled reports whether any key is configured.
func (k *Keyring) Enabled() bool { return len(k.entries) > 0 }

// Authenticate returns the principal for presented. Every entry is compared
// so timing does not depend on which one matches.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	sum := blake3.Sum256([]byte(presented))

	var found Principal
	matched := false
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(sum[:], e.digest[:]) == 1 && !matched {
			found, matched = e.principal, true
		}
	}
	return found, matched
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	// Submitting a compile implies reading its result.
	if _, ok := out[ScopeCompile]; ok {
		out[ScopeRunsRO] = struct{}{}
	}
	return out
}
