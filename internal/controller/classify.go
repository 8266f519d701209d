package controller

import (
	"github.com/zkytech/claude-code-provider-balancer/internal/upstream"
)

// classificationVerdict re-exports upstream.Verdict under a local alias
// so the rest of this package doesn't need to import internal/upstream
// just to spell the type.
type classificationVerdict = upstream.Verdict

func classifyErrorFor(err error, httpStatus int, isStreaming, headersSent bool, unhealthyCodes map[int]struct{}) classificationVerdict {
	return upstream.ClassifyError(err, httpStatus, isStreaming, headersSent, unhealthyCodes)
}

// statusCoder is implemented by httpStatusError (internal/upstream); the
// controller only depends on the interface so it need not know the
// concrete type.
type statusCoder interface {
	StatusCode() int
}

func httpStatusOf(err error) int {
	if sc, ok := err.(statusCoder); ok {
		return sc.StatusCode()
	}
	return 0
}
