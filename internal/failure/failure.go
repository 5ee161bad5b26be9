package failure

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a terminal outcome so callers can tell "rejected" apart from
// "we do not know what happened".
type Kind string

const (
	KindNone                Kind = ""
	KindAuthentication      Kind = "authentication"
	KindValidation          Kind = "validation"
	KindResolution          Kind = "resolution"
	KindDispatch            Kind = "dispatch"
	KindTimeout             Kind = "timeout"
	KindLedgerInconsistency Kind = "ledger_inconsistency"
	KindNotCancellable      Kind = "not_cancellable"
	KindDuplicate           Kind = "duplicate"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with kind, keeping the stack recorded by pkg/errors.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: errors.WithStack(cause)}
}

// KindOf returns the kind of the outermost *Error in the chain. Context
// deadline errors without a tag count as timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Message returns the human readable part of err without the kind prefix.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Cause != nil {
			return fe.Message + ": " + errors.Cause(fe.Cause).Error()
		}
		return fe.Message
	}
	return err.Error()
}

// Retryable reports whether the caller may safely try again. Order
// submission failures are never retryable from this side.
func Retryable(err error) bool {
	return KindOf(err) == KindRateLimited
}

func Is(err error, kind Kind) bool { return KindOf(err) == kind }
