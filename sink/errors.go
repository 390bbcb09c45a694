package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Kind classifies object store failures.
type Kind int

const (
	KindUnavailable Kind = iota
	KindThrottled
	KindDenied
	KindNotFound
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindDenied:
		return "denied"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	default:
		return "unavailable"
	}
}

// Error is a classified object store failure.
type Error struct {
	Op   string
	Key  string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s s3 object key=%q (%s): %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(op, key string, err error) *Error {
	return &Error{Op: op, Key: key, Kind: Classify(err), Err: err}
}

var errorCodes = map[string]Kind{
	"SlowDown":                   KindThrottled,
	"Throttling":                 KindThrottled,
	"ThrottlingException":        KindThrottled,
	"RequestLimitExceeded":       KindThrottled,
	"TooManyRequestsException":   KindThrottled,
	"ConditionalRequestConflict": KindThrottled,
	"RequestTimeout":             KindUnavailable,
	"ServiceUnavailable":         KindUnavailable,
	"InternalError":              KindUnavailable,
	"AccessDenied":               KindDenied,
	"AllAccessDisabled":          KindDenied,
	"InvalidAccessKeyId":         KindDenied,
	"SignatureDoesNotMatch":      KindDenied,
	"ExpiredToken":               KindDenied,
	"InvalidToken":               KindDenied,
	"AccountProblem":             KindDenied,
	"NoSuchBucket":               KindNotFound,
	"InvalidArgument":            KindInvalid,
	"InvalidRequest":             KindInvalid,
	"EntityTooLarge":             KindInvalid,
	"KeyTooLongError":            KindInvalid,
	"MetadataTooLarge":           KindInvalid,
	"InvalidBucketName":          KindInvalid,
}

// Classify maps an error returned by the object store client to a Kind.
// Unknown errors, including transport failures, are KindUnavailable.
func Classify(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if k, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return k
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusTooManyRequests || code == http.StatusConflict:
			return KindThrottled
		case code == http.StatusForbidden || code == http.StatusUnauthorized:
			return KindDenied
		case code == http.StatusNotFound:
			return KindNotFound
		case code >= 400 && code < 500 && code != http.StatusRequestTimeout:
			return KindInvalid
		}
	}
	return KindUnavailable
}

// Retryable reports whether repeating the same write may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return false
	}
	switch Classify(err) {
	case KindThrottled, KindUnavailable:
		return true
	default:
		return false
	}
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return true
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusPreconditionFailed {
		return true
	}
	return false
}
