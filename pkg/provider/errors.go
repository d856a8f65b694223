// Package provider contains the shared plumbing for calls made against the
// cloud identity provider: error classification, pacing and bounded retries.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/smithy-go"
)

// error codes returned by IAM, IAM Identity Center and the Identity Store which
// indicate that the resource does not exist.
var notFoundCodes = map[string]bool{
	"NoSuchEntity":              true,
	"ResourceNotFoundException": true,
	"NotFoundException":         true,
}

var alreadyExistsCodes = map[string]bool{
	"EntityAlreadyExists": true,
	"ConflictException":   true,
}

var transientCodes = map[string]bool{
	"Throttling":                  true,
	"ThrottlingException":         true,
	"TooManyRequestsException":    true,
	"RequestLimitExceeded":        true,
	"ServiceUnavailable":          true,
	"ServiceUnavailableException": true,
	"ServiceFailure":              true,
	"InternalFailure":             true,
	"InternalServerException":     true,
	"ConcurrentModification":      true,
	"RequestTimeout":              true,
	"RequestTimeoutException":     true,
}

func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsNotFound reports whether err means the provider-side resource is absent.
// For teardown operations this is a success outcome.
func IsNotFound(err error) bool {
	return err != nil && notFoundCodes[apiErrorCode(err)]
}

// IsAlreadyExists reports whether err means the resource being created already exists.
func IsAlreadyExists(err error) bool {
	return err != nil && alreadyExistsCodes[apiErrorCode(err)]
}

// IsDeleteConflict reports whether a delete failed because the resource is still in use.
func IsDeleteConflict(err error) bool {
	return apiErrorCode(err) == "DeleteConflict"
}

// IsTransient reports whether err is worth retrying: throttling, server side
// failures, eventual consistency conflicts and timeouts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if transientCodes[apiErrorCode(err)] {
		return true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, errCallTimeout)
}

var errCallTimeout = errors.New("provider call timed out")

// DegradedError is returned when a transient failure persisted through every retry.
// The operation may or may not have taken effect and needs to be retried later.
type DegradedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %s", e.Op, e.Attempts, e.Err)
}

func (e *DegradedError) Unwrap() error {
	return e.Err
}

// IsDegraded reports whether err is, or wraps, a DegradedError.
func IsDegraded(err error) bool {
	var d *DegradedError
	return errors.As(err, &d)
}

// callTimedOut reports whether the per-call timeout expired while the parent
// context is still live.
func callTimedOut(parent context.Context, err error) bool {
	return parent.Err() == nil && errors.Is(err, context.DeadlineExceeded)
}
