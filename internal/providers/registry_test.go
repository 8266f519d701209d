package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

func TestHeadersFor_APIKeyModeSetsAnthropicHeaders(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &types.Provider{Name: "p1", Kind: types.KindAnthropic, AuthMode: types.AuthAPIKey, AuthMaterial: "sk-ant-test"}

	headers, err := r.HeadersFor(p, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-test", headers.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", headers.Get("anthropic-version"))
	assert.Empty(t, headers.Get("Authorization"))
}

func TestHeadersFor_APIKeyModeOpenAIUsesBearer(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &types.Provider{Name: "p1", Kind: types.KindOpenAI, AuthMode: types.AuthAPIKey, AuthMaterial: "sk-test"}

	headers, err := r.HeadersFor(p, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-test", headers.Get("Authorization"))
}

func TestHeadersFor_PassthroughForwardsIncomingAuth(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &types.Provider{Name: "p1", Kind: types.KindAnthropic, AuthMode: types.AuthPassthrough}

	incoming := http.Header{}
	incoming.Set("x-api-key", "client-supplied-key")
	incoming.Set("Host", "client.example.com")

	headers, err := r.HeadersFor(p, incoming)
	require.NoError(t, err)
	assert.Equal(t, "client-supplied-key", headers.Get("x-api-key"))
	assert.Empty(t, headers.Get("Host"))
}

func TestHeadersFor_OAuthModeFailsWithoutTokenSource(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &types.Provider{Name: "p1", Kind: types.KindAnthropic, AuthMode: types.AuthOAuth}

	_, err := r.HeadersFor(p, http.Header{})
	assert.ErrorIs(t, err, ErrOAuthTokenUnavailable)
}

type fakeOAuthSource struct{ token string }

func (f fakeOAuthSource) CurrentToken(providerName string) (string, bool) {
	if f.token == "" {
		return "", false
	}
	return f.token, true
}

func TestHeadersFor_OAuthModeUsesTokenSource(t *testing.T) {
	r := NewRegistry(nil, fakeOAuthSource{token: "oauth-token"})
	p := &types.Provider{Name: "p1", Kind: types.KindAnthropic, AuthMode: types.AuthOAuth}

	headers, err := r.HeadersFor(p, http.Header{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-token", headers.Get("Authorization"))
}

func TestRegistry_ReloadReplacesProviderSetAtomically(t *testing.T) {
	r := NewRegistry([]*types.Provider{{Name: "old"}}, nil)
	r.Reload([]*types.Provider{{Name: "new-a"}, {Name: "new-b"}})

	_, ok := r.Get("old")
	assert.False(t, ok)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, "new-a", all[0].Name)
	assert.Equal(t, "new-b", all[1].Name)
}
