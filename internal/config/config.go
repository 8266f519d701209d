// Package config loads and validates the balancer's on-disk YAML
// configuration: settings, provider pool, and model route table. Grounded
// on the teacher's own internal/config/config.go (defaults, env overrides,
// validate, SaveToFile round trip), reshaped around the provider/route
// schema this balancer actually needs instead of the teacher's
// cost-and-capability provider model.
package config

import (
	"fmt"
	"os"
	"time"

	yamlv2 "gopkg.in/yaml.v2"
	"gopkg.in/yaml.v3"

	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/routing"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// Config is the complete on-disk configuration, per spec.md §6's
// "Configuration file (YAML)" table.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Settings SettingsConfig `yaml:"settings"`

	Providers   []ProviderConfig        `yaml:"providers"`
	ModelRoutes map[string][]RouteEntry `yaml:"model_routes"`
}

// ServerConfig holds the HTTP listener's own knobs — out of core scope
// per spec.md's Non-goals, but every Go service in this corpus carries
// one, so it is carried here too.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// LoggingConfig controls the logrus.Logger constructed at startup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// TimeoutSet is one of settings.timeouts.{streaming,non_streaming,caching}.
type TimeoutSet struct {
	ConnectSeconds int `yaml:"connect_seconds"`
	ReadSeconds    int `yaml:"read_seconds"`
}

func (t TimeoutSet) connect() time.Duration { return time.Duration(t.ConnectSeconds) * time.Second }
func (t TimeoutSet) read() time.Duration    { return time.Duration(t.ReadSeconds) * time.Second }

// TimeoutsConfig groups the three timeout sets named in spec.md's
// configuration table.
type TimeoutsConfig struct {
	Streaming    TimeoutSet `yaml:"streaming"`
	NonStreaming TimeoutSet `yaml:"non_streaming"`
	Caching      TimeoutSet `yaml:"caching"`
}

// DeduplicationConfig mirrors settings.deduplication.*.
type DeduplicationConfig struct {
	Enabled                     bool `yaml:"enabled"`
	IncludeMaxTokensInSignature bool `yaml:"include_max_tokens_in_signature"`
}

// ManagementAuthConfig gates the operator-facing endpoints
// (/providers/reload, /cleanup) behind a bearer token, never /v1/messages.
type ManagementAuthConfig struct {
	Enabled   bool     `yaml:"enabled"`
	APIKeys   []string `yaml:"api_keys"`
	JWTSecret string   `yaml:"jwt_secret"`
}

// SettingsConfig is the settings.* section of spec.md §6's table.
type SettingsConfig struct {
	SelectionStrategy              string   `yaml:"selection_strategy"`
	StickyProviderDurationSeconds  int      `yaml:"sticky_provider_duration"`
	UnhealthyThreshold             int      `yaml:"unhealthy_threshold"`
	UnhealthyResetOnSuccess        bool     `yaml:"unhealthy_reset_on_success"`
	UnhealthyResetTimeoutSeconds   int      `yaml:"unhealthy_reset_timeout"`
	FailureCooldownSeconds         int      `yaml:"failure_cooldown"`
	UnhealthyHTTPCodes             []int    `yaml:"unhealthy_http_codes"`
	UnhealthyExceptionPatterns     []string `yaml:"unhealthy_exception_patterns"`
	UnhealthyResponseBodyPatterns  []string `yaml:"unhealthy_response_body_patterns"`

	Timeouts TimeoutsConfig `yaml:"timeouts"`

	Deduplication     DeduplicationConfig  `yaml:"deduplication"`
	DeduplicationWaitSeconds int           `yaml:"deduplication_wait_seconds"`
	CacheTTLSeconds          int           `yaml:"cache_ttl_seconds"`
	CleanupDelaySeconds      int           `yaml:"cleanup_delay_seconds"`

	ManagementAuth ManagementAuthConfig `yaml:"management_auth"`
}

// ProviderConfig is one entry in the top-level providers[] list.
type ProviderConfig struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"` // "anthropic" | "openai"
	BaseURL       string `yaml:"base_url"`
	AuthType      string `yaml:"auth_type"` // "api_key" | "bearer" | "oauth" | "passthrough"
	AuthValue     string `yaml:"auth_value"`
	Enabled       bool   `yaml:"enabled"`
	Proxy         string `yaml:"proxy"`
	StreamingMode string `yaml:"streaming_mode"` // "auto" | "direct" | "background"
}

// RouteEntry is one candidate within a model_routes[pattern] list.
type RouteEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"` // "passthrough" forwards the requested model verbatim
	Priority int    `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

// Load reads configPath (if non-empty), fills in defaults for anything
// left unset, applies environment variable overrides, and validates the
// result.
func Load(configPath string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Host:           "0.0.0.0",
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	c.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}
	c.Settings = SettingsConfig{
		SelectionStrategy:             "priority",
		StickyProviderDurationSeconds: 300,
		UnhealthyThreshold:            2,
		UnhealthyResetOnSuccess:       true,
		UnhealthyResetTimeoutSeconds:  0,
		FailureCooldownSeconds:        60,
		UnhealthyHTTPCodes:            []int{500, 502, 503, 504, 429},
		Timeouts: TimeoutsConfig{
			Streaming:    TimeoutSet{ConnectSeconds: 30, ReadSeconds: 120},
			NonStreaming: TimeoutSet{ConnectSeconds: 30, ReadSeconds: 60},
			Caching:      TimeoutSet{ConnectSeconds: 30, ReadSeconds: 60},
		},
		Deduplication:            DeduplicationConfig{Enabled: true, IncludeMaxTokensInSignature: false},
		DeduplicationWaitSeconds: 180,
		CacheTTLSeconds:          30,
		CleanupDelaySeconds:      30,
	}
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("BALANCER_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("BALANCER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("BALANCER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if strategy := os.Getenv("BALANCER_SELECTION_STRATEGY"); strategy != "" {
		c.Settings.SelectionStrategy = strategy
	}

	// Per-provider auth material may be supplied out-of-band as
	// <PROVIDER_NAME>_API_KEY, upper-cased, so secrets need not live in
	// the checked-in YAML file.
	for i := range c.Providers {
		envKey := envName(c.Providers[i].Name) + "_API_KEY"
		if v := os.Getenv(envKey); v != "" {
			c.Providers[i].AuthValue = v
		}
	}
}

func envName(providerName string) string {
	out := make([]byte, 0, len(providerName))
	for _, r := range providerName {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, byte(r-'a'+'A'))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, byte(r))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

var validStrategies = map[string]bool{"priority": true, "round_robin": true, "random": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
var validAuthTypes = map[string]bool{"api_key": true, "bearer": true, "oauth": true, "passthrough": true}
var validProviderTypes = map[string]bool{"anthropic": true, "openai": true}
var validStreamingModes = map[string]bool{"auto": true, "direct": true, "background": true, "": true}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if !validStrategies[c.Settings.SelectionStrategy] {
		return fmt.Errorf("invalid selection strategy: %s", c.Settings.SelectionStrategy)
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		seen[p.Name] = true
		if !validProviderTypes[p.Type] {
			return fmt.Errorf("provider %s: invalid type %q", p.Name, p.Type)
		}
		if !validAuthTypes[p.AuthType] {
			return fmt.Errorf("provider %s: invalid auth_type %q", p.Name, p.AuthType)
		}
		if !validStreamingModes[p.StreamingMode] {
			return fmt.Errorf("provider %s: invalid streaming_mode %q", p.Name, p.StreamingMode)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url cannot be empty", p.Name)
		}
	}

	for pattern, entries := range c.ModelRoutes {
		if pattern == "" {
			return fmt.Errorf("model_routes: pattern cannot be empty")
		}
		for _, e := range entries {
			if !seen[e.Provider] {
				return fmt.Errorf("model_routes[%s]: unknown provider %q", pattern, e.Provider)
			}
		}
	}

	return nil
}

// SaveToFile writes the configuration back to disk using the teacher's
// original yaml.v2 codec, so hand-edited v2-style files remain loadable
// by operators who never upgraded their tooling.
func (c *Config) SaveToFile(path string) error {
	data, err := yamlv2.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ToProviders converts the YAML provider list into the runtime
// types.Provider records the registry and router operate on.
func (c *Config) ToProviders() []*types.Provider {
	out := make([]*types.Provider, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, &types.Provider{
			Name:          p.Name,
			Kind:          types.ProviderKind(p.Type),
			BaseURL:       p.BaseURL,
			AuthMode:      types.AuthMode(p.AuthType),
			AuthMaterial:  p.AuthValue,
			ProxyURL:      p.Proxy,
			StreamingMode: defaultStreamingMode(p.StreamingMode),
			Enabled:       p.Enabled,
		})
	}
	return out
}

func defaultStreamingMode(m string) types.StreamingMode {
	if m == "" {
		return types.StreamingAuto
	}
	return types.StreamingMode(m)
}

// ToModelRoutes flattens the pattern-keyed YAML map into the router's
// flat []types.ModelRoute, since Go map iteration order is not the
// config-file order the "first pattern in config order" tiebreak in
// spec.md §4.3 relies on. The pattern order of the returned slice
// follows Go map iteration and is not stable between calls.
func (c *Config) ToModelRoutes() []types.ModelRoute {
	var out []types.ModelRoute
	for pattern, entries := range c.ModelRoutes {
		for _, e := range entries {
			out = append(out, types.ModelRoute{
				Pattern:       pattern,
				UpstreamModel: e.Model,
				ProviderName:  e.Provider,
				Priority:      e.Priority,
				Enabled:       e.Enabled,
			})
		}
	}
	return out
}

// HealthConfig adapts settings.* into internal/health.Config.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		UnhealthyThreshold: c.Settings.UnhealthyThreshold,
		FailureCooldown:    time.Duration(c.Settings.FailureCooldownSeconds) * time.Second,
		ResetOnSuccess:     c.Settings.UnhealthyResetOnSuccess,
		ResetTimeout:       time.Duration(c.Settings.UnhealthyResetTimeoutSeconds) * time.Second,
	}
}

// RoutingConfig adapts settings.* into internal/routing.Config.
func (c *Config) RoutingConfig() routing.Config {
	return routing.Config{
		Strategy:  types.SelectionStrategy(c.Settings.SelectionStrategy),
		StickyFor: time.Duration(c.Settings.StickyProviderDurationSeconds) * time.Second,
	}
}

// DedupConfig adapts settings.* into internal/dedup.Config.
func (c *Config) DedupConfig() dedup.Config {
	return dedup.Config{
		CacheTTL:     time.Duration(c.Settings.CacheTTLSeconds) * time.Second,
		WaitTimeout:  time.Duration(c.Settings.DeduplicationWaitSeconds) * time.Second,
		CleanupDelay: time.Duration(c.Settings.CleanupDelaySeconds) * time.Second,
	}
}

// UnhealthyHTTPCodeSet renders the configured list as the map shape
// internal/upstream.ClassifyError expects.
func (c *Config) UnhealthyHTTPCodeSet() map[int]struct{} {
	out := make(map[int]struct{}, len(c.Settings.UnhealthyHTTPCodes))
	for _, code := range c.Settings.UnhealthyHTTPCodes {
		out[code] = struct{}{}
	}
	return out
}
