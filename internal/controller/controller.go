// Package controller implements C8: the request controller that drives
// one /v1/messages call through PARSE -> FINGERPRINT -> DEDUP_CHECK ->
// (ServeCached | JoinBroadcaster | Wait | Lead) -> candidate loop ->
// invoke -> respond, per spec.md §4.8. Grounded on main_original.py's
// create_message handler and _handle_duplicate_request, restructured
// around explicit Go types instead of the source's nested
// try/except-over-asyncio.Future control flow.
package controller

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/zkytech/claude-code-provider-balancer/internal/apierr"
	"github.com/zkytech/claude-code-provider-balancer/internal/dedup"
	"github.com/zkytech/claude-code-provider-balancer/internal/fingerprint"
	"github.com/zkytech/claude-code-provider-balancer/internal/health"
	"github.com/zkytech/claude-code-provider-balancer/internal/providers"
	"github.com/zkytech/claude-code-provider-balancer/internal/routing"
	"github.com/zkytech/claude-code-provider-balancer/internal/streaming"
	"github.com/zkytech/claude-code-provider-balancer/internal/types"
)

func fingerprintRandomID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Clients resolves the concrete C7 implementation for a provider kind.
type Clients struct {
	Anthropic providers.UpstreamClient
	OpenAI    providers.UpstreamClient
}

func (c Clients) For(kind types.ProviderKind) providers.UpstreamClient {
	if kind == types.KindOpenAI {
		return c.OpenAI
	}
	return c.Anthropic
}

// Controller wires every C1-C7,C9 collaborator into the single request
// lifecycle C8 owns.
type Controller struct {
	Router      *routing.Router
	Registry    *providers.Registry
	Health      *health.Store
	Dedup       *dedup.Coordinator
	Clients     Clients
	FPOptions   fingerprint.Options
	Log         *logrus.Logger
	IDGenerator func() string

	// UnhealthyCodes overrides the default HTTP status codes that mark a
	// provider unhealthy, per settings.unhealthy_http_codes. Nil falls
	// back to upstream.ClassifyError's own defaults.
	UnhealthyCodes map[int]struct{}

	// StreamFirstByteTimeout bounds the wait for the first chunk of a
	// streaming call, per settings.timeouts.streaming.connect_seconds.
	// Zero falls back to defaultStreamFirstByteTimeout.
	StreamFirstByteTimeout time.Duration

	// CachingWaitTimeout additionally bounds how long a duplicate-request
	// waiter blocks on the leader's eventual result, per
	// settings.timeouts.caching.read_seconds. Zero leaves the wait bound
	// entirely to Dedup's own WaitTimeout.
	CachingWaitTimeout time.Duration
}

// defaultStreamFirstByteTimeout is used when StreamFirstByteTimeout is
// unset (zero value), e.g. in tests that construct a Controller directly.
const defaultStreamFirstByteTimeout = 30 * time.Second

// Result is what the HTTP layer renders: either a buffered JSON
// response or a live channel of pre-formatted Anthropic SSE chunks.
type Result struct {
	JSON     *types.MessagesResponse
	Stream   <-chan string
	Provider string

	// Disconnect, if non-nil, must be called by the HTTP layer the moment
	// it detects the client is gone — a failed write or a cancelled
	// request context — so the broadcaster can stop counting this
	// subscriber as alive.
	Disconnect func()
}

// Handle drives one client request through the full state machine.
// incomingHeaders is the client's original HTTP headers, forwarded to
// HeadersFor for passthrough-mode providers. Each request's own
// requestID is also handed to the dedup coordinator as its
// originalRequestID, so every waiter forms its own group and receives
// the leader's result. The health store is swept at the top of every
// call before the dedup check.
func (c *Controller) Handle(ctx context.Context, incomingHeaders http.Header, req *types.MessagesRequest) (*Result, error) {
	now := time.Now()
	c.Health.Sweep(now)
	requestID := c.newID()

	fp, err := fingerprint.Compute(req, c.FPOptions)
	if err != nil {
		return nil, &apierr.ClientError{Message: "failed to compute request fingerprint: " + err.Error()}
	}

	decision := c.Dedup.OnArrival(fp, requestID, requestID, req.Stream, now)

	switch decision.Kind {
	case dedup.DecisionServeCached:
		return resultFromDedupResult(decision.Cached, req.Stream)

	case dedup.DecisionJoinBroadcaster:
		return c.joinBroadcaster(ctx, decision.Broadcaster, requestID, req.Stream), nil

	case dedup.DecisionWait:
		waitCtx := ctx
		if c.CachingWaitTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, c.CachingWaitTimeout)
			defer cancel()
		}
		outcome := c.Dedup.Wait(waitCtx, decision.WaitCh)
		if outcome.Err != nil {
			return nil, translateWaitError(outcome.Err, requestID, fp)
		}
		return resultFromDedupResult(outcome.Result, req.Stream)

	default: // DecisionLead
		return c.lead(ctx, incomingHeaders, req, fp, requestID, now)
	}
}

func (c *Controller) newID() string {
	if c.IDGenerator != nil {
		return c.IDGenerator()
	}
	return fingerprintRandomID()
}

func translateWaitError(err error, requestID, fp string) error {
	switch err {
	case dedup.ErrCancelled:
		return &apierr.CancelledError{RequestID: requestID}
	case dedup.ErrWaitTimeout:
		return &apierr.DeduplicationTimeoutError{Fingerprint: fp}
	default:
		return err
	}
}

func resultFromDedupResult(r dedup.Result, wantsStream bool) (*Result, error) {
	if r.Kind == dedup.KindError {
		return nil, r.Err
	}
	if wantsStream {
		ch := make(chan string, len(r.Chunks))
		for _, chunk := range r.Chunks {
			ch <- chunk
		}
		close(ch)
		return &Result{Stream: ch, Provider: r.Provider}, nil
	}
	return &Result{JSON: r.JSON, Provider: r.Provider}, nil
}

// lead resolves candidates and attempts each in priority order until one
// succeeds or the list is exhausted.
func (c *Controller) lead(ctx context.Context, incomingHeaders http.Header, req *types.MessagesRequest, fp, requestID string, now time.Time) (*Result, error) {
	candidates, routeDecision := c.Router.Resolve(req.Model, now)
	if len(candidates) == 0 {
		err := &apierr.NoProviderError{RequestedModel: req.Model}
		c.Dedup.CompleteError(fp, err, time.Now())
		return nil, err
	}

	var lastErr error
	var lastProvider string

	for _, cand := range candidates {
		headers, headerErr := c.Registry.HeadersFor(cand.Provider, incomingHeaders)
		if headerErr != nil {
			finalErr := &apierr.UpstreamAuthError{Provider: cand.Provider.Name, Message: headerErr.Error()}
			c.Dedup.CompleteError(fp, finalErr, time.Now())
			return nil, finalErr
		}

		client := c.Clients.For(cand.Provider.Kind)

		if req.Stream {
			result, err := c.leadStream(client, cand, req, headers, fp, requestID)
			if err == nil {
				c.Health.RecordOutcome(cand.Provider.Name, true, false, "", time.Now())
				c.Router.RecordSuccess(routeDecision.MatchedPattern, cand.Provider.Name, time.Now())
				return result, nil
			}
			if partial, isPartial := err.(*apierr.UpstreamPartialStreamError); isPartial {
				// Bytes already reached the client via result.Stream; the
				// synthetic error sequence is the final word, never a
				// failover to another candidate.
				classifyAndRecord(c.Health, cand.Provider.Name, partial, true, true, c.UnhealthyCodes)
				return result, nil
			}
			verdict := classifyAndRecord(c.Health, cand.Provider.Name, err, true, false, c.UnhealthyCodes)
			if !verdict.CanFailover {
				// A single provider returning a definitive, non-retryable
				// error is not "every candidate failed" — surface its
				// actual status instead of a generic 502, and still mark
				// it the sticky choice for this pattern.
				c.Router.MarkUsed(routeDecision.MatchedPattern, cand.Provider.Name, time.Now())
				finalErr := wrapUpstreamError(err, cand.Provider.Name)
				c.Dedup.CompleteError(fp, finalErr, time.Now())
				return nil, finalErr
			}
			lastErr, lastProvider = err, cand.Provider.Name
			continue
		}

		resp, err := client.Invoke(ctx, cand.Provider, cand.UpstreamModel, req, headers)
		if err == nil {
			c.Health.RecordOutcome(cand.Provider.Name, true, false, "", time.Now())
			c.Router.RecordSuccess(routeDecision.MatchedPattern, cand.Provider.Name, time.Now())
			c.Dedup.Complete(fp, dedup.Result{Kind: dedup.KindJSON, JSON: resp, Provider: cand.Provider.Name}, time.Now())
			return &Result{JSON: resp, Provider: cand.Provider.Name}, nil
		}

		verdict := classifyAndRecord(c.Health, cand.Provider.Name, err, false, false, c.UnhealthyCodes)
		if !verdict.CanFailover {
			c.Router.MarkUsed(routeDecision.MatchedPattern, cand.Provider.Name, time.Now())
			finalErr := wrapUpstreamError(err, cand.Provider.Name)
			c.Dedup.CompleteError(fp, finalErr, time.Now())
			return nil, finalErr
		}
		lastErr, lastProvider = err, cand.Provider.Name
	}

	finalErr := &apierr.UpstreamHealthError{LastProvider: lastProvider, Message: errString(lastErr)}
	c.Dedup.CompleteError(fp, finalErr, time.Now())
	return nil, finalErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// wrapUpstreamError renders a raw, already-classified non-failover
// upstream error into the apierr taxonomy so the HTTP layer surfaces the
// provider's actual status instead of a generic "every candidate failed"
// 502 — per spec.md §4.7's "single provider, non-failover error ->
// propagate upstream HTTP status" rule.
func wrapUpstreamError(err error, provider string) error {
	if ae, ok := err.(apierr.Error); ok {
		return ae
	}
	if sc, ok := err.(statusCoder); ok {
		status := sc.StatusCode()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return &apierr.UpstreamAuthError{Provider: provider, Message: err.Error()}
		}
		return &apierr.UpstreamClientError{Provider: provider, StatusCode: status, Message: err.Error()}
	}
	return &apierr.UpstreamHealthError{LastProvider: provider, Message: errString(err)}
}

// errFirstByteTimeout is returned when no chunk or error arrived from the
// upstream stream within StreamFirstByteTimeout. Its message deliberately
// matches classification.go's network-exception markers so it is treated
// like any other transient network failure: ShouldMarkUnhealthy and
// CanFailover both true, since no bytes have reached the client yet.
type errFirstByteTimeout struct{ timeout time.Duration }

func (e *errFirstByteTimeout) Error() string {
	return fmt.Sprintf("stream first byte not received within %s: context deadline exceeded", e.timeout)
}

func (c *Controller) streamFirstByteTimeout() time.Duration {
	if c.StreamFirstByteTimeout > 0 {
		return c.StreamFirstByteTimeout
	}
	return defaultStreamFirstByteTimeout
}

// leadStream drives one streaming candidate, fanning its output through a
// broadcaster so concurrent duplicates can subscribe mid-flight. The
// upstream call is driven by a context detached from any single client's
// request — per spec.md §4.6 the broadcaster keeps draining upstream as
// long as at least one subscriber (primary or duplicate) is alive, and
// only cancels once none remain, never because the primary alone hung up.
func (c *Controller) leadStream(client providers.UpstreamClient, cand types.Candidate, req *types.MessagesRequest, headers http.Header, fp, requestID string) (*Result, error) {
	streamCtx, cancelStream := context.WithCancel(context.Background())

	chunks, errs, err := client.InvokeStream(streamCtx, cand.Provider, cand.UpstreamModel, req, headers)
	if err != nil {
		cancelStream()
		return nil, err
	}

	b := streaming.New(cand.Provider.Name, c.Log)
	c.Dedup.RegisterBroadcaster(fp, b)
	primary := b.AddSubscriber(requestID, "primary")

	done := make(chan error, 1)
	go func() {
		defer cancelStream()

		timer := time.NewTimer(c.streamFirstByteTimeout())
		defer timer.Stop()
		guard := timer.C

		for {
			select {
			case <-guard:
				done <- &errFirstByteTimeout{timeout: c.streamFirstByteTimeout()}
				return
			case chunk, ok := <-chunks:
				guard = nil
				if !ok {
					chunks = nil
					if errs == nil {
						done <- nil
						return
					}
					continue
				}
				b.Publish(chunk)
				if b.ActiveSubscriberCount() == 0 {
					// Every subscriber (primary and any duplicates) has
					// disconnected; draining further is pointless.
					done <- nil
					return
				}
			case streamErr, ok := <-errs:
				guard = nil
				if !ok {
					errs = nil
					if chunks == nil {
						done <- nil
						return
					}
					continue
				}
				done <- streamErr
				return
			}
		}
	}()

	err = <-done
	ok := err == nil
	c.Dedup.UnregisterBroadcaster(fp)

	history := b.History()
	if ok {
		b.Close(true)
		c.Dedup.Complete(fp, dedup.Result{Kind: dedup.KindStreamChunks, Chunks: history, Provider: cand.Provider.Name}, time.Now())
		return c.subscriberResult(primary, cand.Provider.Name), nil
	}

	if len(history) > 0 {
		// Bytes are already on the wire: the synthetic in-stream error
		// sequence is what the client (and every duplicate subscriber)
		// gets, never an HTTP-level failover to another candidate.
		errEvents := streaming.SyntheticErrorSequence(err.Error())
		history = append(history, errEvents...)
		c.Dedup.Complete(fp, dedup.Result{Kind: dedup.KindStreamChunks, Chunks: history, Provider: cand.Provider.Name}, time.Now())
		for _, ev := range errEvents {
			b.Publish(ev)
		}
		b.Close(false)
		return c.subscriberResult(primary, cand.Provider.Name), &apierr.UpstreamPartialStreamError{Provider: cand.Provider.Name, Message: err.Error()}
	}

	b.Close(false)
	return nil, err
}

func (c *Controller) subscriberResult(sub *streaming.Subscriber, provider string) *Result {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for {
			chunk, ok := sub.Next()
			if !ok {
				return
			}
			out <- chunk
		}
	}()
	return &Result{Stream: out, Provider: provider, Disconnect: sub.MarkDead}
}

func (c *Controller) joinBroadcaster(ctx context.Context, b *streaming.Broadcaster, requestID string, wantsStream bool) *Result {
	sub := b.AddSubscriber(requestID, "duplicate")
	if !wantsStream {
		history := b.History()
		resp := streaming.SSEToJSON(history)
		return &Result{JSON: resp, Provider: b.Provider()}
	}
	return c.subscriberResult(sub, b.Provider())
}

func classifyAndRecord(store *health.Store, providerName string, err error, isStreaming, headersSent bool, unhealthyCodes map[int]struct{}) classificationVerdict {
	status := httpStatusOf(err)
	v := classifyErrorFor(err, status, isStreaming, headersSent, unhealthyCodes)
	store.RecordOutcome(providerName, false, v.ShouldMarkUnhealthy, v.Reason, time.Now())
	return v
}
