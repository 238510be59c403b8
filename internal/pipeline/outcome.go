package pipeline

import (
	"context"
	"errors"

	"github.com/g6run/g6run/internal/provider"
)

// Outcome is the final classification of one phase's attempt sequence.
type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeExhausted   Outcome = "recoverable_exhausted"
	OutcomeAbort       Outcome = "abort"
	OutcomeFatal       Outcome = "fatal"
	OutcomeUnknown     Outcome = "unknown"
)

// Retryable reports whether the executor may retry after this outcome.
func (o Outcome) Retryable() bool { return o == OutcomeRecoverable }

// Failure reports whether the outcome marks the index run failed. Aborts
// stop the sequence but are not failures.
func (o Outcome) Failure() bool { return o == OutcomeFatal || o == OutcomeUnknown }

// AbortError stops the phase sequence cleanly. Remaining phases are skipped
// and the run is not counted as a failure.
type AbortError struct {
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return "abort(" + e.Reason + "): " + e.Err.Error()
	}
	return "abort(" + e.Reason + ")"
}

func (e *AbortError) Unwrap() error { return e.Err }

// Abort wraps err as a clean stop with a taxonomy reason.
func Abort(reason string, err error) error { return &AbortError{Reason: reason, Err: err} }

// RecoverableError marks a degraded phase result. The executor retries it
// when retries are enabled; once attempts run out (or retries are off) the
// token is recorded and the remaining phases are skipped.
type RecoverableError struct {
	Reason string
	Err    error
}

func (e *RecoverableError) Error() string {
	if e.Err != nil {
		return "recoverable(" + e.Reason + "): " + e.Err.Error()
	}
	return "recoverable(" + e.Reason + ")"
}

func (e *RecoverableError) Unwrap() error { return e.Err }

// Recoverable wraps err as a retryable degradation with a taxonomy reason.
func Recoverable(reason string, err error) error { return &RecoverableError{Reason: reason, Err: err} }

// FatalError stops the sequence and marks the index run failed.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return "fatal(" + e.Reason + "): " + e.Err.Error()
	}
	return "fatal(" + e.Reason + ")"
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a hard failure with a taxonomy reason.
func Fatal(reason string, err error) error { return &FatalError{Reason: reason, Err: err} }

// Classify maps a phase error to its outcome and taxonomy reason. Provider
// taxonomy errors are understood directly so phases can return facade errors
// unwrapped. Context cancellation aborts cleanly (shutdown is not a
// failure); a blown deadline is fatal. Anything else is unknown.
func Classify(err error) (Outcome, string) {
	if err == nil {
		return OutcomeOK, ""
	}

	var abort *AbortError
	if errors.As(err, &abort) {
		return OutcomeAbort, abort.Reason
	}
	var rec *RecoverableError
	if errors.As(err, &rec) {
		return OutcomeRecoverable, rec.Reason
	}
	var fatal *FatalError
	if errors.As(err, &fatal) {
		return OutcomeFatal, fatal.Reason
	}

	var auth *provider.AuthError
	if errors.As(err, &auth) {
		return OutcomeFatal, auth.Reason()
	}
	var unresolved *provider.ResolveExpiryError
	if errors.As(err, &unresolved) {
		return OutcomeAbort, unresolved.Reason()
	}
	var noInst *provider.NoInstrumentsError
	if errors.As(err, &noInst) {
		return OutcomeRecoverable, noInst.Reason()
	}
	var noQuotes *provider.NoQuotesError
	if errors.As(err, &noQuotes) {
		return OutcomeRecoverable, noQuotes.Reason()
	}
	var transient *provider.TransientError
	if errors.As(err, &transient) {
		return OutcomeRecoverable, transient.Reason()
	}

	if errors.Is(err, context.Canceled) {
		return OutcomeAbort, "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeFatal, "deadline_exceeded"
	}

	return OutcomeUnknown, ""
}
