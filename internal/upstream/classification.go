// Package upstream implements C7: the outbound HTTP call to one upstream
// provider kind, plus the error classification rules that feed the
// health store and the failover decision in C8.
//
// classification.go is a direct Go transcription of
// provider_manager/health.py's should_mark_unhealthy / can_failover /
// get_error_handling_decision — the exact string-pattern lists are kept
// verbatim since they encode operational knowledge (which client
// libraries' exception names and streaming-engine messages indicate an
// unrecoverable network condition) that would be reinvented worse.
package upstream

import (
	"context"
	"errors"
	"net"
	"strings"
)

// defaultUnhealthyHTTPCodes is the out-of-the-box "unhealthy codes" set
// named in the external configuration table (settings.unhealthy_http_codes).
var defaultUnhealthyHTTPCodes = map[int]struct{}{
	500: {}, 502: {}, 503: {}, 504: {}, 429: {},
}

// networkExceptionMarkers are substrings of a Go error's message or type
// that indicate a connection-level failure, mirroring the Python source's
// network_exception_types list (ConnectError, ConnectTimeout, ReadTimeout,
// TimeoutError, SSLError, etc. — translated to what net/http and
// crypto/tls actually produce in Go).
var networkExceptionMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"tls:",
	"x509:",
	"eof",
}

// responseStartedIndicators mirrors can_failover's streaming block-list:
// once any of these is true, failover is categorically impossible
// regardless of error severity, because bytes are already on the wire.
var responseStartedIndicators = []string{
	"response headers already sent",
	"cannot set status after response started",
	"response already started",
	"headers already sent",
}

// criticalErrorIndicators mirrors can_failover's non-streaming block-list:
// errors that retrying against a different provider cannot possibly fix.
var criticalErrorIndicators = []string{
	"configuration error",
	"invalid request format",
	"malformed request",
	"request too large",
	"unsupported media type",
}

// Verdict is the (should_mark_unhealthy, can_failover, reason) triple
// consumed by the health store (C1) and the request controller (C8).
type Verdict struct {
	ShouldMarkUnhealthy bool
	CanFailover         bool
	Reason              string
}

// ClassifyError turns a Go error plus optional HTTP status into a
// Verdict. headersSent must be true once any byte of the downstream
// response has been written to the client — from that point on,
// CanFailover is forced false regardless of everything else, per
// spec.md §4.7's streaming-commit rule.
func ClassifyError(err error, httpStatus int, isStreaming bool, headersSent bool, unhealthyCodes map[int]struct{}) Verdict {
	if unhealthyCodes == nil {
		unhealthyCodes = defaultUnhealthyHTTPCodes
	}

	shouldMark, reason := shouldMarkUnhealthy(err, httpStatus, unhealthyCodes)
	canFail := canFailover(isStreaming, headersSent, reason, err, httpStatus, unhealthyCodes)

	return Verdict{ShouldMarkUnhealthy: shouldMark, CanFailover: canFail, Reason: reason}
}

func shouldMarkUnhealthy(err error, httpStatus int, unhealthyCodes map[int]struct{}) (bool, string) {
	// 1. HTTP status code — highest priority, exact match.
	if httpStatus != 0 {
		if _, bad := unhealthyCodes[httpStatus]; bad {
			return true, "http_status"
		}
	}

	// 2. Network-level failure — a fairly loose substring match against
	// both the error's message and its type information, matching the
	// Python source's deliberately permissive "exception" source_type.
	if err != nil {
		msg := strings.ToLower(err.Error())
		for _, marker := range networkExceptionMarkers {
			if strings.Contains(msg, marker) {
				return true, "network_exception_" + marker
			}
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return true, "network_exception_timeout"
			}
			return true, "network_exception_net_error"
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return true, "network_exception_deadline_exceeded"
		}
	}

	return false, "healthy"
}

func canFailover(isStreaming bool, headersSent bool, reason string, err error, httpStatus int, unhealthyCodes map[int]struct{}) bool {
	if isStreaming && headersSent {
		return false
	}

	var msg string
	if err != nil {
		msg = strings.ToLower(err.Error())
	}

	if isStreaming {
		for _, indicator := range responseStartedIndicators {
			if strings.Contains(msg, indicator) {
				return false
			}
		}
	}

	for _, indicator := range criticalErrorIndicators {
		if strings.Contains(msg, indicator) {
			return false
		}
	}

	// A 4xx that isn't in the configured unhealthy-codes set is the
	// upstream rejecting this particular request (bad auth, bad payload,
	// not found) rather than a transient provider fault — per spec.md
	// §4.7's table this is a single-provider, non-failover error that
	// must be surfaced as-is instead of retried against another
	// candidate.
	if httpStatus >= 400 && httpStatus < 500 {
		if _, unhealthy := unhealthyCodes[httpStatus]; !unhealthy {
			return false
		}
	}

	return true
}
