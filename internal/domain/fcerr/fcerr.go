// Package fcerr provides the classified error taxonomy shared by all
// orchestration components. The kind of a failure decides whether it is
// retried, aborts the run, or only fails a single story.
package fcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the coordinator and the retry service.
type Kind int

const (
	// KindUnknown covers unexpected programmer errors; treated as a generic,
	// non-retryable failure.
	KindUnknown Kind = iota
	// KindFatal covers configuration errors (missing repositories, missing
	// credential, ownership mismatch). Never retried.
	KindFatal
	// KindValidation covers blocking domain violations (overlapping work
	// assignment, malformed structured output after exhausted repairs).
	// Never retried; prevents all subsequent phases.
	KindValidation
	// KindTransient covers network/timeout/rate-limit class errors from the
	// agent-execution or VCS boundary. Retried with backoff.
	KindTransient
	// KindStagnation covers supervisor aborts of a stuck agent execution.
	// Fails the owning story, not the whole phase.
	KindStagnation
	// KindBudget covers cost ceiling refusals. Fatal, non-retryable.
	KindBudget
)

// String returns the kind's wire/log name.
func (k Kind) String() string {
	switch k {
	case KindFatal:
		return "fatal"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindStagnation:
		return "stagnation"
	case KindBudget:
		return "budget"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify returns the kind of err, walking the wrap chain.
// Unclassified errors are KindUnknown.
func Classify(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsValidation reports whether err is a blocking domain violation.
func IsValidation(err error) bool { return Classify(err) == KindValidation }

// IsFatal reports whether err is a non-retryable configuration failure.
func IsFatal(err error) bool { return Classify(err) == KindFatal }

// IsStagnation reports whether err is a supervisor abort.
func IsStagnation(err error) bool { return Classify(err) == KindStagnation }

// IsBudget reports whether err is a cost ceiling refusal.
func IsBudget(err error) bool { return Classify(err) == KindBudget }

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")
