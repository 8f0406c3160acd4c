// Package errs defines the controller's error kinds and attaches stack
// traces to fatal ones, matching the error-handling design: adapters and
// the supervisor never silently swallow errors in the steady state.
package errs

import (
	"github.com/pkg/errors"
)

// Kind classifies an error for the cleanup path.
type Kind int

const (
	// KindConfig: malformed/missing config, unknown policy kind, CLOS
	// with no assigned CPUs. Surfaced before launching anything.
	KindConfig Kind = iota
	// KindLaunch: fork/exec failure, missing libvirt domain/snapshot,
	// non-zero SSH launch, vCPU pin failure.
	KindLaunch
	// KindAdapter: PMU setup over max_num_events, RDT init/reset
	// failure, libvirt call failure during steady state.
	KindAdapter
	// KindCounterInvariant: non-monotonic cumulative counter outside
	// the recognized wrap-around set.
	KindCounterInvariant
	// KindTransient: a warning-class condition; logged, not fatal.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindLaunch:
		return "LaunchError"
	case KindAdapter:
		return "AdapterError"
	case KindCounterInvariant:
		return "CounterInvariantError"
	case KindTransient:
		return "TransientWarning"
	default:
		return "UnknownError"
	}
}

// Error is a kinded, traced error. KindConfig through KindCounterInvariant
// are fatal and route to the cleanup-and-die path; KindTransient is
// logged and the loop continues.
type Error struct {
	Kind Kind
	Subject string // workload name, counter name, etc.
	cause error
}

func (e *Error) Error() string {
	if e.Subject != "" {
		return e.Kind.String() + " (" + e.Subject + "): " + e.cause.Error()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Fatal returns true for every kind except KindTransient.
func (e *Error) Fatal() bool { return e.Kind != KindTransient }

// New wraps cause with a stack trace and the given kind/subject.
func New(kind Kind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
