// Package providers is the provider registry (C2): the loaded set of
// upstream provider definitions plus the auth-header assembly rules that
// let C7 build an outbound request, grounded on provider_auth.py's
// get_provider_headers but restructured around spec.md's cleaner
// auth_mode enum rather than the Python source's auth_value=="passthrough"
// string-sentinel quirk.
package providers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// excludedHeaders are stripped from the incoming request before any
// provider-specific auth headers are layered on top, exactly matching
// _filter_original_headers's exclusion set.
var excludedHeaders = map[string]struct{}{
	"authorization":  {},
	"x-api-key":      {},
	"host":           {},
	"content-length": {},
}

// ErrOAuthTokenUnavailable signals that an oauth-mode provider has no
// usable token right now; the controller converts this into a 401 for
// the client, never into a failover. Any interactive login happens
// outside the core.
var ErrOAuthTokenUnavailable = fmt.Errorf("oauth token unavailable")

// OAuthTokenSource is the external collaborator the registry depends on
// for oauth-mode providers. Its implementation (interactive login,
// refresh, persistence) lives outside the core per spec.md's Non-goals.
type OAuthTokenSource interface {
	CurrentToken(providerName string) (token string, ok bool)
}

// Registry holds the loaded providers and knows how to assemble outbound
// auth headers for each.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*types.Provider
	order     []string // preserves config file order for deterministic iteration
	oauth     OAuthTokenSource
}

// NewRegistry builds a registry from a loaded provider list.
func NewRegistry(list []*types.Provider, oauth OAuthTokenSource) *Registry {
	r := &Registry{
		providers: make(map[string]*types.Provider, len(list)),
		oauth:     oauth,
	}
	for _, p := range list {
		r.providers[p.Name] = p
		r.order = append(r.order, p.Name)
	}
	return r
}

// Reload atomically replaces the provider set, e.g. from POST
// /providers/reload. Health state is owned elsewhere and is untouched.
func (r *Registry) Reload(list []*types.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers = make(map[string]*types.Provider, len(list))
	r.order = r.order[:0]
	for _, p := range list {
		r.providers[p.Name] = p
		r.order = append(r.order, p.Name)
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (*types.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// All returns every configured provider in config-file order.
func (r *Registry) All() []*types.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// HeadersFor assembles the outbound headers for a call to provider,
// starting from the client's incoming headers (minus the auth/host/length
// headers that must be replaced) and layering on the provider's own
// auth material per its AuthMode.
func (r *Registry) HeadersFor(p *types.Provider, incoming http.Header) (http.Header, error) {
	out := make(http.Header)
	out.Set("Content-Type", "application/json")

	for key, values := range incoming {
		if _, excluded := excludedHeaders[strings.ToLower(key)]; excluded {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}

	switch {
	case p.AuthMode == types.AuthPassthrough:
		if auth := incoming.Get("Authorization"); auth != "" {
			out.Set("Authorization", auth)
		}
		if key := incoming.Get("x-api-key"); key != "" {
			out.Set("x-api-key", key)
		}
		if p.Kind == types.KindAnthropic {
			out.Set("anthropic-version", "2023-06-01")
		}

	case p.AuthMode == types.AuthOAuth:
		if r.oauth == nil {
			return nil, ErrOAuthTokenUnavailable
		}
		token, ok := r.oauth.CurrentToken(p.Name)
		if !ok || token == "" {
			return nil, ErrOAuthTokenUnavailable
		}
		out.Set("Authorization", "Bearer "+token)
		if p.Kind == types.KindAnthropic {
			out.Set("anthropic-version", "2023-06-01")
		}

	case p.AuthMode == types.AuthAPIKey:
		if p.Kind == types.KindAnthropic {
			out.Set("x-api-key", p.AuthMaterial)
			out.Set("anthropic-version", "2023-06-01")
		} else {
			out.Set("Authorization", "Bearer "+p.AuthMaterial)
		}

	case p.AuthMode == types.AuthBearer:
		out.Set("Authorization", "Bearer "+p.AuthMaterial)
		if p.Kind == types.KindAnthropic {
			out.Set("anthropic-version", "2023-06-01")
		}

	default:
		return nil, fmt.Errorf("provider %s: unknown auth_mode %q", p.Name, p.AuthMode)
	}

	return out, nil
}
