package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: broker unreachable, ack not received in time.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed envelope, unroutable message type, missing ids.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion issues.
	// Examples: dispatch buffer full, too many pending acks.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: nil pointer, corrupted state, recovered panics.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTransport   ErrorCode = "TRANSPORT"   // Broker connection or publish failure
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Peer or service temporarily unavailable
	ErrCodeAckMissing  ErrorCode = "ACK_MISSING" // Acknowledgement not received before deadline

	// Permanent errors
	ErrCodeMalformed    ErrorCode = "MALFORMED"    // Envelope or payload failed to parse/validate
	ErrCodeUnroutable   ErrorCode = "UNROUTABLE"   // Message type has no dispatch route
	ErrCodeRegistration ErrorCode = "REGISTRATION" // Capability advertisement rejected
	ErrCodeSubtask      ErrorCode = "SUBTASK"      // A subtask of a compound task failed
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"    // Resource does not exist
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT" // Malformed or invalid caller input
	ErrCodeCanceled     ErrorCode = "CANCELED"      // Operation was canceled

	// Resource errors
	ErrCodeBufferFull ErrorCode = "BUFFER_FULL" // Dispatch buffer at capacity
	ErrCodeCapacity   ErrorCode = "CAPACITY"    // System at capacity

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic

	// Collaboration-specific errors
	ErrCodeCapabilityMissing ErrorCode = "CAPABILITY_MISSING" // No advertised capability matched
	ErrCodeAgentOffline      ErrorCode = "AGENT_OFFLINE"      // Target agent is offline
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeTransport, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeAckMissing:
		return CategoryTransient

	// Permanent
	case ErrCodeMalformed, ErrCodeUnroutable, ErrCodeRegistration, ErrCodeSubtask,
		ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeCanceled, ErrCodeCapabilityMissing:
		return CategoryPermanent

	// Resource
	case ErrCodeBufferFull, ErrCodeCapacity:
		return CategoryResource

	// Internal
	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	// Varies with deployment; offline peers usually come back.
	case ErrCodeAgentOffline:
		return CategoryTransient

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTransport:         "broker transport failure",
	ErrCodeTimeout:           "operation timed out",
	ErrCodeUnavailable:       "service temporarily unavailable",
	ErrCodeAckMissing:        "acknowledgement not received",
	ErrCodeMalformed:         "malformed message",
	ErrCodeUnroutable:        "no route for message type",
	ErrCodeRegistration:      "capability registration rejected",
	ErrCodeSubtask:           "subtask execution failed",
	ErrCodeNotFound:          "resource not found",
	ErrCodeInvalidInput:      "invalid input provided",
	ErrCodeCanceled:          "operation canceled",
	ErrCodeBufferFull:        "dispatch buffer full",
	ErrCodeCapacity:          "system at capacity",
	ErrCodeInternal:          "internal error",
	ErrCodePanic:             "recovered from panic",
	ErrCodeCapabilityMissing: "required capability missing",
	ErrCodeAgentOffline:      "agent is offline",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
