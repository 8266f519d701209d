// Package routing implements C3: matching an incoming model name against
// configured model_routes, then ordering the eligible candidates per the
// configured selection strategy with a sticky-provider override.
//
// Grounded on manager.py's select_model_and_provider_options (pattern
// matching with exact-match precedence over wildcards) and
// _apply_selection_strategy (priority / round_robin / random, with the
// sticky provider hoisted to the front of whatever order the strategy
// produced). The teacher's cost_optimized/performance strategies and
// their EWMA latency tracking have no home in this spec — model_routes
// carries no cost or latency metadata — so they are dropped; see
// DESIGN.md.
package routing

import (
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// Router selects and orders provider candidates for a requested model.
type Router struct {
	mu        sync.Mutex
	routes    []types.ModelRoute
	registry  *providers.Registry
	health    *health.Store
	strategy  types.SelectionStrategy
	stickyFor time.Duration
	rrCursor  map[string]int         // round_robin cursor, keyed by matched pattern
	lastUsed  map[string]stickyEntry // sticky state, keyed by matched pattern
	log       *logrus.Logger
}

type stickyEntry struct {
	providerName string
	at           time.Time
}

// Config carries settings.* routing knobs.
type Config struct {
	Strategy  types.SelectionStrategy
	StickyFor time.Duration // 0 disables stickiness
}

// DefaultConfig selects the priority strategy with stickiness disabled.
// It differs from the config loader, whose sticky_provider_duration
// defaults to 300s.
func DefaultConfig() Config {
	return Config{Strategy: types.StrategyPriority}
}

// New constructs a Router over the given routes, wired to a provider
// registry (for enabled/exists checks) and a health store (for
// eligibility).
func New(routes []types.ModelRoute, registry *providers.Registry, healthStore *health.Store, cfg Config, log *logrus.Logger) *Router {
	return &Router{
		routes:    routes,
		registry:  registry,
		health:    healthStore,
		strategy:  cfg.Strategy,
		stickyFor: cfg.StickyFor,
		rrCursor:  make(map[string]int),
		lastUsed:  make(map[string]stickyEntry),
		log:       log,
	}
}

// Reload swaps in a new route set, e.g. after a config hot-reload.
func (r *Router) Reload(routes []types.ModelRoute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = routes
}

// matchesPattern reports whether a model name satisfies a route pattern.
// Patterns are either an exact model name or a glob using '*' (e.g.
// "claude-3-*", "gpt-4*"), matched with path.Match semantics — grounded
// on _matches_pattern's fnmatch-style behavior.
func matchesPattern(pattern, model string) bool {
	if pattern == model {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	ok, err := path.Match(pattern, model)
	return err == nil && ok
}

// Resolve returns the ordered list of candidates eligible to serve
// requestedModel, plus the Decision record describing how it got there.
// Exact-pattern routes are preferred over wildcard routes regardless of
// priority, per manager.py's lookup order (exact match dict lookup
// happens before the wildcard scan).
func (r *Router) Resolve(requestedModel string, now time.Time) ([]types.Candidate, Decision) {
	r.mu.Lock()
	routes := append([]types.ModelRoute(nil), r.routes...)
	r.mu.Unlock()

	matched, pattern := selectRoutes(routes, requestedModel)

	var eligible []types.ModelRoute
	for _, rt := range matched {
		if !rt.Enabled {
			continue
		}
		p, ok := r.registry.Get(rt.ProviderName)
		if !ok || !p.Enabled {
			continue
		}
		if !r.health.IsEligible(rt.ProviderName, now) {
			continue
		}
		eligible = append(eligible, rt)
	}

	ordered := r.order(pattern, eligible, now)

	candidates := make([]types.Candidate, 0, len(ordered))
	names := make([]string, 0, len(ordered))
	stickyApplied := false
	if sticky, ok := r.currentSticky(pattern, now); ok && len(ordered) > 0 && ordered[0].ProviderName == sticky {
		stickyApplied = true
	}

	for _, rt := range ordered {
		p, _ := r.registry.Get(rt.ProviderName)
		upstreamModel := rt.UpstreamModel
		if upstreamModel == "passthrough" || upstreamModel == "" {
			upstreamModel = requestedModel
		}
		candidates = append(candidates, types.Candidate{Provider: p, UpstreamModel: upstreamModel})
		names = append(names, rt.ProviderName+"/"+upstreamModel)
	}

	return candidates, Decision{
		RequestedModel: requestedModel,
		MatchedPattern: pattern,
		Strategy:       string(r.strategy),
		StickyApplied:  stickyApplied,
		Candidates:     names,
		Timestamp:      now,
	}
}

// selectRoutes returns every route bound to the first pattern that
// matches requestedModel under exact-match-first precedence: all exact
// matches are considered before any wildcard pattern is tried.
func selectRoutes(routes []types.ModelRoute, requestedModel string) ([]types.ModelRoute, string) {
	for _, rt := range routes {
		if rt.Pattern == requestedModel {
			return routesForPattern(routes, rt.Pattern), rt.Pattern
		}
	}
	for _, rt := range routes {
		if matchesPattern(rt.Pattern, requestedModel) {
			return routesForPattern(routes, rt.Pattern), rt.Pattern
		}
	}
	return nil, ""
}

func routesForPattern(routes []types.ModelRoute, pattern string) []types.ModelRoute {
	var out []types.ModelRoute
	for _, rt := range routes {
		if rt.Pattern == pattern {
			out = append(out, rt)
		}
	}
	return out
}

// order applies the configured selection strategy to the eligible
// candidates, then hoists the sticky provider (if any, and still
// eligible) to the front. The remainder is always priority-sorted
// regardless of the configured strategy, per manager.py's
// _apply_selection_strategy: stickiness only ever decides the head of
// the list, never the tail ordering.
func (r *Router) order(pattern string, eligible []types.ModelRoute, now time.Time) []types.ModelRoute {
	if len(eligible) == 0 {
		return nil
	}

	byPriority := append([]types.ModelRoute(nil), eligible...)
	sort.SliceStable(byPriority, func(i, j int) bool { return byPriority[i].Priority < byPriority[j].Priority })

	var ordered []types.ModelRoute
	switch r.strategy {
	case types.StrategyRoundRobin:
		ordered = r.roundRobinOrder(pattern, byPriority)
	case types.StrategyRandom:
		top := len(byPriority)
		if top > 3 {
			top = 3
		}
		pick := rand.Intn(top)
		ordered = append([]types.ModelRoute{byPriority[pick]}, byPriority[:pick]...)
		ordered = append(ordered, byPriority[pick+1:]...)
	default:
		ordered = byPriority
	}

	if r.stickyFor <= 0 {
		return ordered
	}

	sticky, ok := r.currentSticky(pattern, now)
	if !ok {
		return ordered
	}

	for i, rt := range ordered {
		if rt.ProviderName == sticky {
			if i == 0 {
				return ordered
			}
			hoisted := append([]types.ModelRoute{rt}, append(append([]types.ModelRoute(nil), ordered[:i]...), ordered[i+1:]...)...)
			return hoisted
		}
	}
	return ordered
}

func (r *Router) roundRobinOrder(pattern string, byPriority []types.ModelRoute) []types.ModelRoute {
	r.mu.Lock()
	cursor := r.rrCursor[pattern] % len(byPriority)
	r.rrCursor[pattern] = (cursor + 1) % len(byPriority)
	r.mu.Unlock()

	out := make([]types.ModelRoute, 0, len(byPriority))
	out = append(out, byPriority[cursor])
	out = append(out, byPriority[:cursor]...)
	out = append(out, byPriority[cursor+1:]...)
	return out
}

func (r *Router) currentSticky(pattern string, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.lastUsed[pattern]
	if !ok {
		return "", false
	}
	if now.Sub(entry.at) > r.stickyFor {
		return "", false
	}
	return entry.providerName, true
}

// RecordSuccess marks providerName as the sticky choice for future
// requests matching pattern, within the configured sticky window.
func (r *Router) RecordSuccess(pattern, providerName string, now time.Time) {
	if r.stickyFor <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed[pattern] = stickyEntry{providerName: providerName, at: now}
}

// MarkUsed records providerName as the sticky choice for pattern the same
// way RecordSuccess does, but without implying the call actually
// succeeded — for a candidate that returned a definitive, non-retryable
// error the client sees as-is. Per spec.md §4.8, stickiness stays with a
// provider that is merely returning client errors rather than bouncing
// to the next candidate on every request.
func (r *Router) MarkUsed(pattern, providerName string, now time.Time) {
	r.RecordSuccess(pattern, providerName, now)
}
