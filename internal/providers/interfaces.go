package providers

import (
	"context"
	"net/http"

	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

// UpstreamClient is C7: the thing that actually performs an outbound call
// to one provider kind, buffered or streamed, and normalizes the outcome
// into either an Anthropic-shaped response or a classified error.
//
// This replaces the teacher's LLMProvider interface (ChatCompletion /
// StreamCompletion / EstimateCost / HealthCheck / GetCapabilities): cost
// estimation and capability negotiation have no home in this spec's
// routing model (candidates are chosen by priority/round-robin/random and
// health alone, never by cost or declared feature support), so those
// methods are dropped rather than carried as dead surface.
type UpstreamClient interface {
	// Invoke performs a buffered call and returns the response already
	// translated into Anthropic's MessagesResponse shape.
	Invoke(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (*types.MessagesResponse, error)

	// InvokeStream performs a streaming call and returns a channel of raw
	// SSE text blocks already translated into Anthropic's event grammar,
	// plus a channel that carries at most one terminal error. Both
	// channels are closed when the upstream stream ends.
	InvokeStream(ctx context.Context, provider *types.Provider, upstreamModel string, req *types.MessagesRequest, headers http.Header) (chunks <-chan string, errs <-chan error, err error)
}
