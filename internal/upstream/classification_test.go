package upstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError_UnhealthyHTTPCode(t *testing.T) {
	v := ClassifyError(nil, 503, false, false, nil)
	assert.True(t, v.ShouldMarkUnhealthy)
	assert.True(t, v.CanFailover)
}

func TestClassifyError_ClientErrorNotUnhealthy(t *testing.T) {
	v := ClassifyError(nil, 404, false, false, nil)
	assert.False(t, v.ShouldMarkUnhealthy)
	assert.False(t, v.CanFailover, "a 4xx outside the unhealthy-codes set must be surfaced as-is, not retried against another provider")
}

func TestClassifyError_UnhealthyCodeInThe4xxRangeStillFailsOver(t *testing.T) {
	v := ClassifyError(nil, 429, false, false, nil)
	assert.True(t, v.ShouldMarkUnhealthy)
	assert.True(t, v.CanFailover, "429 is in the default unhealthy-codes set, so it still fails over like a 5xx")
}

func TestClassifyError_NetworkFailureFailsOver(t *testing.T) {
	v := ClassifyError(errors.New("dial tcp: connection refused"), 0, false, false, nil)
	assert.True(t, v.ShouldMarkUnhealthy)
	assert.True(t, v.CanFailover)
}

func TestClassifyError_HeadersSentBlocksFailover(t *testing.T) {
	v := ClassifyError(errors.New("connection reset by peer"), 0, true, true, nil)
	assert.True(t, v.ShouldMarkUnhealthy)
	assert.False(t, v.CanFailover, "once headers are sent, failover is impossible")
}

func TestClassifyError_CriticalErrorNeverFailsOver(t *testing.T) {
	v := ClassifyError(errors.New("request too large: 10MB exceeds limit"), 0, false, false, nil)
	assert.False(t, v.CanFailover)
}

func TestClassifyError_ResponseStartedIndicatorBlocksStreamingFailover(t *testing.T) {
	v := ClassifyError(errors.New("headers already sent for this response"), 0, true, false, nil)
	assert.False(t, v.CanFailover)
}
