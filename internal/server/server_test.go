package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/config"
	"github.com/zkytech/claude-code-provider-balancer/internal/controller"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/fingerprint"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/routing"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
	"github.com/zkytech/claude-code-provider-balancer/internal/upstream"
)

const okBody = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-sonnet","content":[{"type":"text","text":"hello"}],"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":2}}`

func newTestServer(t *testing.T, managementAuth config.ManagementAuthConfig) (*Server, *httptest.Server) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(okBody))
	}))
	t.Cleanup(upstreamSrv.Close)

	providerList := []*types.Provider{{Name: "p1", Kind: types.KindAnthropic, BaseURL: upstreamSrv.URL, AuthMode: types.AuthAPIKey, AuthMaterial: "key", Enabled: true}}
	routes := []types.ModelRoute{{Pattern: "claude-3-5-sonnet", UpstreamModel: "passthrough", ProviderName: "p1", Priority: 1, Enabled: true}}

	reg := providers.NewRegistry(providerList, nil)
	hs := health.NewStore(health.DefaultConfig(), nil)
	rt := routing.New(routes, reg, hs, routing.DefaultConfig(), nil)
	dc := dedup.New(dedup.DefaultConfig(), nil)
	httpClient := &http.Client{Timeout: 5 * time.Second}

	ctl := &controller.Controller{
		Router:    rt,
		Registry:  reg,
		Health:    hs,
		Dedup:     dc,
		Clients:   controller.Clients{Anthropic: upstream.NewAnthropicClient(httpClient, httpClient, nil), OpenAI: upstream.NewOpenAIClient(httpClient, httpClient, nil)},
		FPOptions: fingerprint.Options{},
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := New(ctl, Config{Host: "", Port: "0"}, managementAuth, log, nil)
	return srv, upstreamSrv
}

func TestHandleMessages_ReturnsJSONWithProviderHeader(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{})
	r := srv.routes()

	body, _ := json.Marshal(types.MessagesRequest{Model: "claude-3-5-sonnet", Messages: []types.Message{{Role: "user", Content: "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "p1", w.Header().Get("x-provider-used"))

	var resp types.MessagesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Content[0].Text)
}

func TestHandleMessages_RejectsMissingModel(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{})
	r := srv.routes()

	body, _ := json.Marshal(map[string]any{"messages": []map[string]any{{"role": "user", "content": "hi"}}})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleProviders_ListsConfiguredProviders(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{})
	r := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/providers", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "p1")
}

func TestHandleReload_RejectsRequestWithoutManagementCredentials(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{Enabled: true, APIKeys: []string{"secret"}})
	r := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/providers/reload", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleReload_AcceptsValidManagementCredentials(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{Enabled: true, APIKeys: []string{"secret"}})
	srv.reload = func() (*routing.Router, *providers.Registry, error) {
		return srv.router, srv.registry, nil
	}
	r := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/providers/reload", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleCleanup_SweepsOnDefaultAndCancelsOnForce(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{})
	r := srv.routes()

	req := httptest.NewRequest(http.MethodPost, "/cleanup?force=true", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"force":true`)

	req = httptest.NewRequest(http.MethodPost, "/cleanup", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"force":false`)
}

func TestHandleLiveness_ReturnsOK(t *testing.T) {
	srv, _ := newTestServer(t, config.ManagementAuthConfig{})
	r := srv.routes()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
