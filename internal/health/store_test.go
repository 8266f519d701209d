package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordOutcome_ThresholdTransition(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 2
	s := NewStore(cfg, nil)
	now := time.Now()

	require.False(t, s.RecordOutcome("p1", false, true, "http_status_503", now))
	assert.True(t, s.IsEligible("p1", now), "below threshold stays eligible")

	require.True(t, s.RecordOutcome("p1", false, true, "http_status_503", now))
	assert.False(t, s.IsEligible("p1", now), "at threshold becomes ineligible")
}

func TestRecordOutcome_SuccessResets(t *testing.T) {
	cfg := DefaultConfig()
	s := NewStore(cfg, nil)
	now := time.Now()

	s.RecordOutcome("p1", false, true, "x", now)
	s.RecordOutcome("p1", true, false, "", now)

	snap := s.Snapshot("p1", now)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.True(t, snap.UnhealthySince.IsZero())
}

func TestIsEligible_AfterCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 1
	cfg.FailureCooldown = 10 * time.Millisecond
	s := NewStore(cfg, nil)
	now := time.Now()

	s.RecordOutcome("p1", false, true, "x", now)
	assert.False(t, s.IsEligible("p1", now))
	assert.True(t, s.IsEligible("p1", now.Add(20*time.Millisecond)))
}

func TestSweep_ResetsOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResetTimeout = 5 * time.Millisecond
	cfg.UnhealthyThreshold = 5
	s := NewStore(cfg, nil)
	now := time.Now()

	s.RecordOutcome("p1", false, true, "x", now)
	s.Sweep(now.Add(10 * time.Millisecond))

	snap := s.Snapshot("p1", now)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
}

func TestNonHealthError_NeverCountsTowardThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnhealthyThreshold = 1
	s := NewStore(cfg, nil)
	now := time.Now()

	became := s.RecordOutcome("p1", false, false, "client_error", now)
	assert.False(t, became)
	assert.True(t, s.IsEligible("p1", now))
}
