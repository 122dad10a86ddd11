// Package recovery classifies pipeline failures, keeps a persisted error
// history per workspace, and maps failure kinds to operator suggestions.
package recovery

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind is the closed failure taxonomy shared by every component.
type Kind string

const (
	KindConnectivity         Kind = "connectivity"
	KindTimeout              Kind = "timeout"
	KindAuthentication       Kind = "authentication"
	KindRateLimitExceeded    Kind = "rate_limit_exceeded"
	KindInvalidConfiguration Kind = "invalid_configuration"
	KindMissingResource      Kind = "missing_resource"
	KindResourceExhaustion   Kind = "resource_exhaustion"
	KindUnexpectedRuntime    Kind = "unexpected_runtime"
)

// Kinds lists every kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindConnectivity,
		KindTimeout,
		KindAuthentication,
		KindRateLimitExceeded,
		KindInvalidConfiguration,
		KindMissingResource,
		KindResourceExhaustion,
		KindUnexpectedRuntime,
	}
}

// Valid reports whether k is part of the taxonomy.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Error attaches a Kind to an underlying error without hiding it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind satisfies Kinded.
func (e *Error) ErrorKind() Kind { return e.Kind }

// Kinded is implemented by errors that know their own kind.
type Kinded interface {
	ErrorKind() Kind
}

// Wrap returns err tagged with kind, or nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Classify maps err onto the taxonomy. Explicit kinds win, then well-known
// stdlib errors, then message heuristics; anything else is unexpected.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var kinded Kinded
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindMissingResource
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET):
		return KindConnectivity
	case errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.ENOSPC):
		return KindResourceExhaustion
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindConnectivity
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

var messageRules = []struct {
	kind    Kind
	needles []string
}{
	{KindAuthentication, []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "authentication"}},
	{KindRateLimitExceeded, []string{"429", "rate limit", "too many requests"}},
	{KindTimeout, []string{"timeout", "timed out", "deadline"}},
	{KindResourceExhaustion, []string{"out of memory", "cannot allocate", "no space left"}},
	{KindConnectivity, []string{"connection", "no such host", "unavailable", "eof"}},
	{KindMissingResource, []string{"not found", "no such file", "missing"}},
	{KindInvalidConfiguration, []string{"invalid", "malformed", "must be"}},
}

func classifyMessage(msg string) Kind {
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.kind
			}
		}
	}
	return KindUnexpectedRuntime
}
