package llm

import "strings"

// FailureClass buckets a completion error for retry decisions.
type FailureClass string

const (
	FailureTimeout        FailureClass = "timeout"
	FailureRateLimit      FailureClass = "rate_limit"
	FailureOverloaded     FailureClass = "overloaded"
	FailureServerError    FailureClass = "server_error"
	FailureAuth           FailureClass = "auth"
	FailureInvalidRequest FailureClass = "invalid_request"
	FailureModelNotFound  FailureClass = "model_not_found"
	FailureUnknown        FailureClass = "unknown"
)

// Transient reports whether the failure is worth retrying. Unknown failures
// count as transient: a flaky network error should not kill the turn.
func (c FailureClass) Transient() bool {
	switch c {
	case FailureAuth, FailureInvalidRequest, FailureModelNotFound:
		return false
	default:
		return true
	}
}

// Classify determines the failure class from the error content. Provider SDKs
// wrap HTTP failures in their own types, so matching on the message is the
// lowest common denominator that works across both.
func Classify(err error) FailureClass {
	if err == nil {
		return FailureUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "context deadline"):
		return FailureTimeout

	case strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "529"):
		return FailureOverloaded

	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FailureRateLimit

	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return FailureAuth

	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "not_found_error"),
		strings.Contains(msg, "does not exist"):
		return FailureModelNotFound

	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return FailureServerError

	case strings.Contains(msg, "invalid request"),
		strings.Contains(msg, "invalid_request"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return FailureInvalidRequest

	default:
		return FailureUnknown
	}
}
