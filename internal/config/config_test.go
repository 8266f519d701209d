package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: "9090"
settings:
  selection_strategy: round_robin
  unhealthy_threshold: 3
providers:
  - name: anthropic-direct
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: sk-ant-test
    enabled: true
  - name: openai-compat
    type: openai
    base_url: https://api.openai.com/v1
    auth_type: bearer
    auth_value: sk-test
    enabled: true
model_routes:
  "claude-3-5-sonnet*":
    - provider: anthropic-direct
      model: passthrough
      priority: 1
      enabled: true
    - provider: openai-compat
      model: gpt-4o
      priority: 2
      enabled: true
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_ParsesFileAndAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "round_robin", cfg.Settings.SelectionStrategy)
	assert.Equal(t, 3, cfg.Settings.UnhealthyThreshold)
	// Untouched default survives the partial override.
	assert.Equal(t, 60, cfg.Settings.FailureCooldownSeconds)
	require.Len(t, cfg.Providers, 2)
}

func TestLoad_MissingFileUsesDefaultsOnly(t *testing.T) {
	_, err := Load("")
	require.Error(t, err) // no providers configured at all
}

func TestLoad_RejectsUnknownProviderInRoute(t *testing.T) {
	bad := `
providers:
  - name: p1
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: x
    enabled: true
model_routes:
  "claude-3-5-sonnet*":
    - provider: ghost
      model: passthrough
      priority: 1
      enabled: true
`
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsInvalidSelectionStrategy(t *testing.T) {
	bad := `
settings:
  selection_strategy: fastest
providers:
  - name: p1
    type: anthropic
    base_url: https://api.anthropic.com
    auth_type: api_key
    auth_value: x
    enabled: true
`
	path := writeTempConfig(t, bad)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverridesProviderAPIKey(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("ANTHROPIC_DIRECT_API_KEY", "sk-ant-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	for _, p := range cfg.Providers {
		if p.Name == "anthropic-direct" {
			assert.Equal(t, "sk-ant-from-env", p.AuthValue)
			return
		}
	}
	t.Fatal("anthropic-direct provider not found")
}

func TestToProviders_MapsYAMLShapeToRuntimeType(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	providers := cfg.ToProviders()
	require.Len(t, providers, 2)
	assert.Equal(t, "anthropic-direct", providers[0].Name)
	assert.Equal(t, "anthropic", string(providers[0].Kind))
	assert.Equal(t, "auto", string(providers[0].StreamingMode))
}

func TestToModelRoutes_FlattensPatternMap(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	routes := cfg.ToModelRoutes()
	require.Len(t, routes, 2)
	for _, r := range routes {
		assert.Equal(t, "claude-3-5-sonnet*", r.Pattern)
	}
}

func TestSaveToFile_WritesProviders(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	cfg, err := Load(path)
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.SaveToFile(outPath))

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "anthropic-direct")
}
