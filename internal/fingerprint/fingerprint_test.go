package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

func sampleRequest(stream bool) *types.MessagesRequest {
	return &types.MessagesRequest{
		Model:    "claude-3-5-sonnet",
		Stream:   stream,
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}
}

func TestCompute_StreamFlagExcluded(t *testing.T) {
	a, err := Compute(sampleRequest(true), Options{})
	require.NoError(t, err)
	b, err := Compute(sampleRequest(false), Options{})
	require.NoError(t, err)

	assert.Equal(t, a, b, "stream and non-stream variants of identical content must dedupe together")
}

func TestCompute_Deterministic(t *testing.T) {
	a, err := Compute(sampleRequest(false), Options{})
	require.NoError(t, err)
	b, err := Compute(sampleRequest(false), Options{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64, "hex sha256 digest")
}

func TestCompute_DifferentContentDiffers(t *testing.T) {
	a, _ := Compute(sampleRequest(false), Options{})
	other := sampleRequest(false)
	other.Messages[0].Content = "bye"
	b, _ := Compute(other, Options{})
	assert.NotEqual(t, a, b)
}

func TestCompute_MaxTokensGatedByOption(t *testing.T) {
	req := sampleRequest(false)
	req.MaxTokens = 100

	withoutMT, _ := Compute(req, Options{IncludeMaxTokens: false})
	req2 := sampleRequest(false)
	req2.MaxTokens = 999
	withoutMT2, _ := Compute(req2, Options{IncludeMaxTokens: false})
	assert.Equal(t, withoutMT, withoutMT2, "max_tokens excluded by default")

	withMT, _ := Compute(req, Options{IncludeMaxTokens: true})
	withMT2, _ := Compute(req2, Options{IncludeMaxTokens: true})
	assert.NotEqual(t, withMT, withMT2, "max_tokens participates when enabled")
}
