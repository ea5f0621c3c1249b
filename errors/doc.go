// Package errors provides a structured error taxonomy for inter-agent
// messaging in agentwire. It defines error types, codes, and categories
// that enable consistent handling across the connector, bridge, registry,
// and collaboration layers.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (broker outages, missing acks)
//   - Permanent: Failures where retry will not help (malformed envelopes, unroutable types)
//   - Resource: Resource exhaustion issues (full dispatch buffers, capacity)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Error Codes
//
// Each error has a specific code that identifies the type of failure:
//
//   - TRANSPORT: Broker connection or publish failure
//   - MALFORMED: Envelope failed to parse or validate
//   - UNROUTABLE: Message type with no dispatch route
//   - SUBTASK: A subtask of a compound task failed
//   - REGISTRATION: Capability advertisement rejected
//   - And more...
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeTransport, "broker unreachable")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "publishing task request")
//
// Check if an error is retryable:
//
//	if errors.IsRetryable(err) {
//	    // retry logic
//	}
//
// # JSON Serialization
//
// All errors support JSON serialization for cross-agent communication:
//
//	data, err := json.Marshal(agentErr)
//
// Errors can be deserialized back:
//
//	var agentErr errors.Error
//	json.Unmarshal(data, &agentErr)
package errors
