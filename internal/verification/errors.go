package verification

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a verification did not succeed.
type Kind int

const (
	// KindInvalidInput means a required field was missing or unreadable.
	KindInvalidInput Kind = iota + 1
	// KindConfiguration means the analysis service credential is absent.
	KindConfiguration
	// KindUpstreamRateLimited means the analysis service asked us to back off.
	KindUpstreamRateLimited
	// KindUpstreamUnavailable covers every other analysis service failure, timeouts included.
	KindUpstreamUnavailable
	// KindMalformedUpstreamResponse means the model's answer did not match the decision schema.
	KindMalformedUpstreamResponse
	// KindValidationFailed means the acceptance rule did not hold.
	KindValidationFailed
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindConfiguration:
		return "configuration"
	case KindUpstreamRateLimited:
		return "upstream_rate_limited"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindMalformedUpstreamResponse:
		return "malformed_upstream_response"
	case KindValidationFailed:
		return "validation_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// HTTPStatus maps the kind to the status code of the verify-age response.
// Rejections are normal outcomes and answer 200.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// User-facing reasons.
const (
	ReasonMissingData       = "missing required data"
	ReasonInvalidImage      = "could not read the provided images"
	ReasonNotConfigured     = "verification service is not configured"
	ReasonRateLimited       = "verification service busy, please try again shortly"
	ReasonUnavailable       = "verification service unavailable, please try again later"
	ReasonMalformedResponse = "could not process verification result"
	ReasonRejected          = "verification failed"
	ReasonVerified          = "age verified"
)

// Error is a failed verification. Reason is safe to show to the end user.
type Error struct {
	Kind       Kind
	Reason     string
	Confidence Confidence
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf returns the kind of a verification error, if err is one.
func KindOf(err error) (Kind, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Kind, true
	}
	return 0, false
}
