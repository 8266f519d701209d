package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

func newTestRegistry(names ...string) *providers.Registry {
	list := make([]*types.Provider, 0, len(names))
	for _, n := range names {
		list = append(list, &types.Provider{Name: n, Kind: types.KindAnthropic, Enabled: true, AuthMode: types.AuthAPIKey})
	}
	return providers.NewRegistry(list, nil)
}

func TestResolve_ExactMatchPreferredOverWildcard(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "claude-3-5-sonnet", UpstreamModel: "passthrough", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "claude-*", UpstreamModel: "passthrough", ProviderName: "p2", Priority: 1, Enabled: true},
	}
	router := New(routes, reg, hs, DefaultConfig(), nil)

	candidates, decision := router.Resolve("claude-3-5-sonnet", time.Now())
	require.Len(t, candidates, 1)
	assert.Equal(t, "p1", candidates[0].Provider.Name)
	assert.Equal(t, "claude-3-5-sonnet", decision.MatchedPattern)
}

func TestResolve_WildcardFallback(t *testing.T) {
	reg := newTestRegistry("p1")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "claude-*", UpstreamModel: "passthrough", ProviderName: "p1", Priority: 1, Enabled: true},
	}
	router := New(routes, reg, hs, DefaultConfig(), nil)

	candidates, _ := router.Resolve("claude-3-opus", time.Now())
	require.Len(t, candidates, 1)
	assert.Equal(t, "p1", candidates[0].Provider.Name)
}

func TestResolve_PriorityOrdering(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
	}
	router := New(routes, reg, hs, DefaultConfig(), nil)

	candidates, _ := router.Resolve("m", time.Now())
	require.Len(t, candidates, 2)
	assert.Equal(t, "p1", candidates[0].Provider.Name)
	assert.Equal(t, "p2", candidates[1].Provider.Name)
}

func TestResolve_UnhealthyProviderExcluded(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.Config{UnhealthyThreshold: 1, FailureCooldown: time.Hour, ResetOnSuccess: true}, nil)
	now := time.Now()
	hs.RecordOutcome("p1", false, true, "boom", now)

	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
	}
	router := New(routes, reg, hs, DefaultConfig(), nil)

	candidates, _ := router.Resolve("m", now)
	require.Len(t, candidates, 1)
	assert.Equal(t, "p2", candidates[0].Provider.Name)
}

func TestResolve_StickyOverrideHoistsRecentProvider(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
	}
	cfg := Config{Strategy: types.StrategyPriority, StickyFor: time.Minute}
	router := New(routes, reg, hs, cfg, nil)

	now := time.Now()
	router.RecordSuccess("m", "p2", now)

	candidates, decision := router.Resolve("m", now.Add(time.Second))
	require.Len(t, candidates, 2)
	assert.Equal(t, "p2", candidates[0].Provider.Name)
	assert.True(t, decision.StickyApplied)
}

func TestResolve_MarkUsedHoistsProviderJustLikeRecordSuccess(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
	}
	cfg := Config{Strategy: types.StrategyPriority, StickyFor: time.Minute}
	router := New(routes, reg, hs, cfg, nil)

	now := time.Now()
	router.MarkUsed("m", "p2", now)

	candidates, decision := router.Resolve("m", now.Add(time.Second))
	require.Len(t, candidates, 2)
	assert.Equal(t, "p2", candidates[0].Provider.Name)
	assert.True(t, decision.StickyApplied, "a provider that merely returned a non-failover client error must still stay sticky")
}

func TestResolve_StickyExpiresAfterWindow(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
	}
	cfg := Config{Strategy: types.StrategyPriority, StickyFor: time.Millisecond}
	router := New(routes, reg, hs, cfg, nil)

	now := time.Now()
	router.RecordSuccess("m", "p2", now)

	candidates, decision := router.Resolve("m", now.Add(time.Hour))
	require.Len(t, candidates, 2)
	assert.Equal(t, "p1", candidates[0].Provider.Name)
	assert.False(t, decision.StickyApplied)
}

func TestResolve_RoundRobinRotatesCursor(t *testing.T) {
	reg := newTestRegistry("p1", "p2")
	hs := health.NewStore(health.DefaultConfig(), nil)
	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p2", Priority: 2, Enabled: true},
	}
	cfg := Config{Strategy: types.StrategyRoundRobin}
	router := New(routes, reg, hs, cfg, nil)

	now := time.Now()
	first, _ := router.Resolve("m", now)
	second, _ := router.Resolve("m", now)

	assert.Equal(t, "p1", first[0].Provider.Name)
	assert.Equal(t, "p2", second[0].Provider.Name)
}

func TestResolve_NoEligibleProvidersReturnsEmpty(t *testing.T) {
	reg := newTestRegistry("p1")
	hs := health.NewStore(health.Config{UnhealthyThreshold: 1, FailureCooldown: time.Hour}, nil)
	now := time.Now()
	hs.RecordOutcome("p1", false, true, "boom", now)

	routes := []types.ModelRoute{
		{Pattern: "m", UpstreamModel: "m", ProviderName: "p1", Priority: 1, Enabled: true},
	}
	router := New(routes, reg, hs, DefaultConfig(), nil)

	candidates, _ := router.Resolve("m", now)
	assert.Empty(t, candidates)
}
