package types

import "time"

// ProviderKind distinguishes the upstream wire protocol a Provider speaks.
type ProviderKind string

const (
	KindAnthropic ProviderKind = "anthropic"
	KindOpenAI    ProviderKind = "openai"
)

// AuthMode selects how the provider registry assembles the Authorization
// material for a given Provider.
type AuthMode string

const (
	AuthAPIKey      AuthMode = "api_key"
	AuthBearer      AuthMode = "bearer"
	AuthOAuth       AuthMode = "oauth"
	AuthPassthrough AuthMode = "passthrough"
)

// StreamingMode is the provider's configured streaming_mode. It is
// validated and carried on the Provider record, but no component reads
// it: the upstream transport always follows the client's own stream flag.
type StreamingMode string

const (
	StreamingAuto       StreamingMode = "auto"
	StreamingDirect      StreamingMode = "direct"
	StreamingBackground StreamingMode = "background"
)

// SelectionStrategy is the model router's default candidate ordering,
// overridden per-request only by the sticky window.
type SelectionStrategy string

const (
	StrategyPriority    SelectionStrategy = "priority"
	StrategyRoundRobin  SelectionStrategy = "round_robin"
	StrategyRandom      SelectionStrategy = "random"
)

// Provider is an identity record for one configured upstream. It is
// immutable after construction except for AuthMaterial, which an OAuth
// refresh collaborator may swap in place.
type Provider struct {
	Name          string
	Kind          ProviderKind
	BaseURL       string
	AuthMode      AuthMode
	AuthMaterial  string
	ProxyURL      string
	StreamingMode StreamingMode
	Enabled       bool
}

// ModelRoute binds a model pattern to a candidate provider+upstream-model
// pair at a given priority.
type ModelRoute struct {
	Pattern       string
	UpstreamModel string // "passthrough" means forward the requested model verbatim
	ProviderName  string
	Priority      int
	Enabled       bool
}

// Candidate is one (upstream-model, provider) pair the router has deemed
// eligible to serve a request, in the order they should be attempted.
type Candidate struct {
	Provider      *Provider
	UpstreamModel string
}

// ProviderHealth is the mutable runtime state tracked per provider name.
type ProviderHealth struct {
	ConsecutiveFailures int
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	UnhealthySince      time.Time // zero value means healthy
}

// IsUnhealthy reports the current state without considering cooldown.
func (h *ProviderHealth) IsUnhealthy() bool {
	return !h.UnhealthySince.IsZero()
}
