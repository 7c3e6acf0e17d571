package unifi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// TransientError marks a failure worth a bounded retry: timeouts and
// controller 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient controller error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermissionError marks a 401/403 from the controller. Never retried; the
// message tells the operator what to fix.
type PermissionError struct {
	Op         string
	StatusCode int
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: controller denied access (status %d): check that the account has admin rights on the site",
		e.Op, e.StatusCode)
}

// RateLimitError marks a 429. The controller can lock access for 15-30
// minutes once it starts rate limiting, so callers back off hard.
type RateLimitError struct {
	Op string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: controller rate limit hit (429), backing off", e.Op)
}

// AmbiguousWriteError marks a mutating call that timed out. The write may
// have landed; callers must resolve it with a verifying read-back before
// reporting success or failure.
type AmbiguousWriteError struct {
	Op  string
	Err error
}

func (e *AmbiguousWriteError) Error() string {
	return fmt.Sprintf("%s: write timed out, outcome unknown: %v", e.Op, e.Err)
}

func (e *AmbiguousWriteError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermission reports whether err is a permission failure.
func IsPermission(err error) bool {
	var pe *PermissionError
	return errors.As(err, &pe)
}

// IsRateLimited reports whether err is a 429.
func IsRateLimited(err error) bool {
	var re *RateLimitError
	return errors.As(err, &re)
}

// IsAmbiguousWrite reports whether err is an unresolved write timeout.
func IsAmbiguousWrite(err error) bool {
	var ae *AmbiguousWriteError
	return errors.As(err, &ae)
}

// classifyStatus maps an HTTP status code to the error taxonomy.
func classifyStatus(op string, code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &PermissionError{Op: op, StatusCode: code}
	case code == http.StatusTooManyRequests:
		return &RateLimitError{Op: op}
	case code >= 500:
		return &TransientError{Op: op, Err: fmt.Errorf("controller returned status %d", code)}
	default:
		return fmt.Errorf("%s: controller returned status %d", op, code)
	}
}

// classifyErr maps a transport-level error from the upstream library to the
// taxonomy. The library folds HTTP status into error strings, so this falls
// back to substring checks when no typed cause is available.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Op: op, Err: err}
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return &PermissionError{Op: op, StatusCode: http.StatusUnauthorized}
	case strings.Contains(msg, "429"):
		return &RateLimitError{Op: op}
	case strings.Contains(strings.ToLower(msg), "timeout") ||
		strings.Contains(msg, "status 5") ||
		strings.Contains(strings.ToLower(msg), "connection refused"):
		return &TransientError{Op: op, Err: err}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
