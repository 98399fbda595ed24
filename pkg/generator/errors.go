package generator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ModelErrorKind classifies provider failures. The values double as the
// error codes surfaced on failed jobs.
type ModelErrorKind string

const (
	KindUnavailable   ModelErrorKind = "MODEL_UNAVAILABLE"
	KindRateLimited   ModelErrorKind = "MODEL_RATE_LIMITED"
	KindContentPolicy ModelErrorKind = "MODEL_CONTENT_POLICY_REJECTED"
	KindTimeout       ModelErrorKind = "MODEL_TIMEOUT"
	KindMalformed     ModelErrorKind = "MODEL_MALFORMED_RESPONSE"
)

// ModelError describes a failed call to the generation provider. Kind
// drives the retry policy: only timeouts and rate limits are transient.
type ModelError struct {
	Kind       ModelErrorKind
	Model      string
	Operation  string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *ModelError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s (%s): %s", e.Operation, e.Kind, msg)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may clear on a retry.
func (e *ModelError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindRateLimited
}

// malformed builds the error for a response that arrived but could not
// be used: undecodable JSON, empty choices, shape violations.
func malformed(operation, model, message string, err error) *ModelError {
	return &ModelError{
		Kind:      KindMalformed,
		Model:     model,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// classifyTransport maps request-level failures (no HTTP response) to a
// ModelError. Context deadlines and net timeouts are KindTimeout; a
// caller-initiated cancel is passed through untouched so it is never
// retried as transient.
func classifyTransport(operation, model string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	kind := KindUnavailable
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &ModelError{
		Kind:      kind,
		Model:     model,
		Operation: operation,
		Err:       err,
	}
}

// classifyStatus maps a non-2xx provider response to a ModelError.
// 429 is rate limiting, 5xx is unavailability, and a 400/422 carrying a
// content-policy code is a policy rejection; everything else in the 4xx
// range is treated as malformed usage of the API.
func classifyStatus(operation, model string, status int, code, message, retryAfter string) *ModelError {
	e := &ModelError{
		Model:      model,
		Operation:  operation,
		StatusCode: status,
		Message:    message,
	}
	if e.Message == "" {
		e.Message = "status " + strconv.Itoa(status)
	}

	switch {
	case status == 429:
		e.Kind = KindRateLimited
		e.RetryAfter = parseRetryAfter(retryAfter)
	case status >= 500:
		e.Kind = KindUnavailable
	case (status == 400 || status == 422) && isPolicyCode(code):
		e.Kind = KindContentPolicy
	default:
		e.Kind = KindMalformed
	}
	return e
}

func isPolicyCode(code string) bool {
	switch code {
	case "content_policy_violation", "content_filter", "moderation_blocked":
		return true
	}
	return false
}

// parseRetryAfter reads the delay form of a Retry-After header. The
// HTTP-date form is rare on provider APIs and is ignored.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
