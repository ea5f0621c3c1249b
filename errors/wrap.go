package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to an error without losing its classification.
// A nil err returns nil. Wrapping an *Error keeps its code, category
// and identifiers; context deadline and cancellation errors map to
// their codes; anything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var inner *Error
	if errors.As(err, &inner) {
		wrapped := &Error{
			code:      inner.code,
			category:  inner.category,
			message:   message,
			cause:     err,
			metadata:  inner.Metadata(),
			retryable: inner.retryable,
			agentID:   inner.agentID,
			taskID:    inner.taskID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Is reports whether any error in the chain carries the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.code == code
	}
	return false
}

// IsRetryable reports whether the operation behind err may succeed on
// retry. Plain errors are treated as not retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// Code extracts the error code from the chain, or "" for plain errors.
func Code(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return ""
}

// Category extracts the error category from the chain, or "" for
// plain errors.
func Category(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.category
	}
	return ""
}

// Cause walks to the root of the error chain.
func Cause(err error) error {
	for {
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		inner := unwrapper.Unwrap()
		if inner == nil {
			return err
		}
		err = inner
	}
}

// RecoverPanic converts a recovered panic value into a PANIC error.
// Message handlers, aligners and subtask executors are contained this
// way so one bad callback cannot crash a pump.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
