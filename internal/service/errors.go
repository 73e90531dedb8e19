package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrSyncAlreadyRunning is returned by Trigger when a running sync log entry
// already exists for the (tenant, kind).
var ErrSyncAlreadyRunning = errors.New("sync already running for this tenant and kind")

// AuthError means the credential exchange (or a later call with the token)
// was rejected. Non-retryable; aborts the tenant's job and flags the tenant
// for re-validation.
type AuthError struct {
	TenantID string
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected for tenant %s: %s", e.TenantID, e.Reason)
}

// RemoteError is a failed provider call. Transient errors (timeouts, 429,
// 5xx) are retryable on the next schedule tick; permanent ones are not.
type RemoteError struct {
	Op         string
	StatusCode int
	Transient  bool
	Message    string
}

func (e *RemoteError) Error() string {
	class := "permanent"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("remote %s error in %s (status %d): %s", class, e.Op, e.StatusCode, e.Message)
}

// WriteError wraps a storage failure. The job is marked failed; there is no
// partial silent success.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write to %s failed: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ValidationError marks one malformed provider record. The offending record
// is skipped and counted as a warning; the batch continues.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid record: %s %s", e.Field, e.Message)
}

// IsAuthError reports whether err (or anything it wraps) is an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err should be retried on the next tick.
// Deadline expiry counts: a job that ran out of time is worth another run.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// transientStatus classifies HTTP status codes that are worth retrying.
func transientStatus(code int) bool {
	return code == 429 || code >= 500
}
