// Package apierr defines the concrete Go error types behind spec.md §7's
// error taxonomy, each carrying the HTTP status and Anthropic error "type"
// string the server writes into the response envelope. Grounded on
// exceptions.py's exception hierarchy (ProviderError subclasses with a
// status_code and error_type class attribute each), translated into Go's
// error-interface-plus-type-assertion idiom rather than a class hierarchy.
package apierr

import "fmt"

// Error is implemented by every taxonomy member so the server can render
// a uniform error envelope without a type switch per call site.
type Error interface {
	error
	Kind() string
	HTTPStatus() int
}

// ClientError covers malformed or invalid requests rejected before any
// upstream call is attempted: bad JSON, a missing required field, a
// request that cannot be fingerprinted. An unroutable model is reported
// as NoProviderError instead. Maps to Anthropic's invalid_request_error.
type ClientError struct {
	Message string
}

func (e *ClientError) Error() string   { return e.Message }
func (e *ClientError) Kind() string    { return "invalid_request_error" }
func (e *ClientError) HTTPStatus() int { return 400 }

// UpstreamAuthError is returned when a provider rejects the assembled
// credentials (HTTP 401/403) or an oauth provider has no usable token.
type UpstreamAuthError struct {
	Provider string
	Message  string
}

func (e *UpstreamAuthError) Error() string {
	return fmt.Sprintf("provider %s: authentication failed: %s", e.Provider, e.Message)
}
func (e *UpstreamAuthError) Kind() string    { return "authentication_error" }
func (e *UpstreamAuthError) HTTPStatus() int { return 401 }

// UpstreamClientError wraps a 4xx (other than 401/403/429) returned by an
// upstream provider in response to a request the proxy otherwise
// constructed correctly — e.g. the provider rejected a tool schema.
type UpstreamClientError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *UpstreamClientError) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.StatusCode, e.Message)
}
func (e *UpstreamClientError) Kind() string    { return "invalid_request_error" }
func (e *UpstreamClientError) HTTPStatus() int { return e.StatusCode }

// UpstreamHealthError is raised when every eligible candidate for a
// request failed with a health-affecting error; the last candidate's
// classified error is carried for diagnostics.
type UpstreamHealthError struct {
	LastProvider string
	Message      string
}

func (e *UpstreamHealthError) Error() string {
	return fmt.Sprintf("all eligible providers failed, last=%s: %s", e.LastProvider, e.Message)
}
func (e *UpstreamHealthError) Kind() string    { return "api_error" }
func (e *UpstreamHealthError) HTTPStatus() int { return 502 }

// UpstreamPartialStreamError is raised when a streaming response failed
// after already sending content_block events to the client; spec.md
// §4.6/§8 require the synthetic in-stream error sequence rather than an
// HTTP-level error in this case, since headers are already committed.
type UpstreamPartialStreamError struct {
	Provider string
	Message  string
}

func (e *UpstreamPartialStreamError) Error() string {
	return fmt.Sprintf("provider %s: stream failed after partial content: %s", e.Provider, e.Message)
}
func (e *UpstreamPartialStreamError) Kind() string    { return "api_error" }
func (e *UpstreamPartialStreamError) HTTPStatus() int { return 200 } // headers already sent; status is informational only

// NoProviderError is raised when the router yields no candidate for the
// requested model: no model_routes pattern matches it, or every matched
// route or provider is disabled or currently ineligible. Those cases are
// not told apart.
type NoProviderError struct {
	RequestedModel string
}

func (e *NoProviderError) Error() string {
	return fmt.Sprintf("no provider configured for model %q", e.RequestedModel)
}
func (e *NoProviderError) Kind() string    { return "not_found_error" }
func (e *NoProviderError) HTTPStatus() int { return 404 }

// DeduplicationTimeoutError is raised when a waiter outlasted the
// configured dedup wait bound without the leader completing.
type DeduplicationTimeoutError struct {
	Fingerprint string
}

func (e *DeduplicationTimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for in-flight identical request %s", e.Fingerprint)
}
func (e *DeduplicationTimeoutError) Kind() string    { return "timeout_error" }
func (e *DeduplicationTimeoutError) HTTPStatus() int { return 504 }

// CancelledError is raised when a waiter was superseded by a newer
// duplicate arrival from the same client, per the "newest waiter wins"
// rule; it maps to a 409 so the client can tell it apart from a genuine
// upstream failure.
type CancelledError struct {
	RequestID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("request %s superseded by a newer identical request", e.RequestID)
}
func (e *CancelledError) Kind() string    { return "cancelled_error" }
func (e *CancelledError) HTTPStatus() int { return 409 }
