package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindNotFound    ErrorKind = "not_found"
	KindMalformed   ErrorKind = "malformed"
	KindServer      ErrorKind = "server"
	KindUnknown     ErrorKind = "unknown"
)

// Error is a typed failure from a data provider.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Ticker     string
	StatusCode int // HTTP status when one was received
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Provider, e.Kind)
	if e.Ticker != "" {
		msg += " for " + e.Ticker
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether a later attempt may succeed.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindRateLimited, KindServer:
		return true
	}
	return false
}

// KindOf classifies any error. Context deadlines count as timeouts.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsTransient reports whether err is a provider failure worth retrying on a
// later run.
func IsTransient(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Transient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
