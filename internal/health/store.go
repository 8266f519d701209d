// Package health tracks per-provider failure counters and derives
// eligibility and sticky-recovery decisions from them. It is the Go
// counterpart of the original balancer's provider_manager health
// bookkeeping (consecutive failure counts, unhealthy thresholds, cooldown
// and timeout-based recovery), generalized from the teacher's periodic
// HealthCheck-poll model to a purely failure-driven one.
package health

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the thresholding knobs from settings.*.
type Config struct {
	UnhealthyThreshold     int
	FailureCooldown        time.Duration
	ResetOnSuccess         bool
	ResetTimeout           time.Duration // 0 disables timeout-based recovery
}

// DefaultConfig mirrors the original's defaults (threshold=2, cooldown=60s,
// reset_on_success=true, reset_timeout=300s).
func DefaultConfig() Config {
	return Config{
		UnhealthyThreshold: 2,
		FailureCooldown:    60 * time.Second,
		ResetOnSuccess:     true,
		ResetTimeout:       300 * time.Second,
	}
}

type providerState struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	lastSuccessAt       time.Time
	unhealthySince      time.Time
}

// Store is the single mutex-protected home for every provider's health
// state. Methods never block on I/O; callers classify errors elsewhere
// (internal/upstream) and only report the verdict here.
type Store struct {
	mu     sync.RWMutex
	cfg    Config
	states map[string]*providerState
	log    *logrus.Logger
}

// NewStore constructs an empty health store.
func NewStore(cfg Config, log *logrus.Logger) *Store {
	return &Store{
		cfg:    cfg,
		states: make(map[string]*providerState),
		log:    log,
	}
}

func (s *Store) state(name string) *providerState {
	if st, ok := s.states[name]; ok {
		return st
	}
	st := &providerState{}
	s.states[name] = st
	return st
}

// IsEligible reports whether a provider may currently be selected:
// healthy, or unhealthy but past its cooldown window.
func (s *Store) IsEligible(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[name]
	if !ok || st.unhealthySince.IsZero() {
		return true
	}
	return now.Sub(st.unhealthySince) > s.cfg.FailureCooldown
}

// RecordOutcome updates the failure counters for a provider. On success,
// the last-success time is recorded, and the counters and unhealthy mark
// are cleared only when ResetOnSuccess is set. On failure, the counter increments and, on crossing
// the configured threshold, the provider is marked unhealthy exactly
// once (the transition is logged, not every subsequent failure).
// shouldMarkUnhealthy is the verdict the upstream client's error
// classifier already computed (§4.7); a false here still increments
// nothing — non-health-affecting errors (client errors, auth errors)
// never reach this counter.
func (s *Store) RecordOutcome(name string, ok bool, shouldMarkUnhealthy bool, reason string, now time.Time) (becameUnhealthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(name)

	if ok {
		st.lastSuccessAt = now
		if s.cfg.ResetOnSuccess && st.consecutiveFailures > 0 {
			st.consecutiveFailures = 0
			st.unhealthySince = time.Time{}
		}
		return false
	}

	if !shouldMarkUnhealthy {
		return false
	}

	st.lastFailureAt = now
	st.consecutiveFailures++

	if st.unhealthySince.IsZero() && st.consecutiveFailures >= s.cfg.UnhealthyThreshold {
		st.unhealthySince = now
		if s.log != nil {
			s.log.WithFields(logrus.Fields{
				"provider":             name,
				"consecutive_failures": st.consecutiveFailures,
				"reason":               reason,
			}).Warn("provider marked unhealthy")
		}
		return true
	}
	return false
}

// Sweep clears failure counters for any provider that has been quiet
// (no new failure) for longer than ResetTimeout. Called opportunistically
// on request arrival and periodically by the janitor.
func (s *Store) Sweep(now time.Time) {
	if s.cfg.ResetTimeout <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, st := range s.states {
		if st.consecutiveFailures > 0 && now.Sub(st.lastFailureAt) > s.cfg.ResetTimeout {
			st.consecutiveFailures = 0
			st.unhealthySince = time.Time{}
			if s.log != nil {
				s.log.WithField("provider", name).Info("provider health reset by timeout sweep")
			}
		}
	}
}

// Snapshot is a read-only view of a provider's health for status
// reporting (GET /providers).
type Snapshot struct {
	Name                string    `json:"name"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Eligible            bool      `json:"eligible"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	UnhealthySince      time.Time `json:"unhealthy_since,omitempty"`
}

// Snapshot returns the current state for a single provider.
func (s *Store) Snapshot(name string, now time.Time) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[name]
	if !ok {
		return Snapshot{Name: name, Eligible: true}
	}
	return Snapshot{
		Name:                name,
		ConsecutiveFailures: st.consecutiveFailures,
		Eligible:            st.unhealthySince.IsZero() || now.Sub(st.unhealthySince) > s.cfg.FailureCooldown,
		LastFailureAt:       st.lastFailureAt,
		LastSuccessAt:       st.lastSuccessAt,
		UnhealthySince:      st.unhealthySince,
	}
}
