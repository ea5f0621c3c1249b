package shutdown

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned when shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout is returned when shutdown ran out of time mid-sequence.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed is returned when at least one handler errored.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Handler is implemented by components that need an orderly stop.
// A node registers one per subsystem: the advertiser stops announcing,
// the collaboration manager cancels open tasks, the connector settles
// acks and disconnects, the registry and bridge release local state.
type Handler interface {
	// OnShutdown stops the component. The context is cancelled when
	// the shutdown deadline passes; implementations should stop
	// accepting work first and drain within the deadline.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult records one handler's shutdown outcome.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a full shutdown sequence.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler errored or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that errored.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0) and signal-driven
	// shutdown. Default: 30s
	DefaultTimeout time.Duration

	// DefaultPhase is assigned by Register. Default: 100
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler
	// fails. A node wants this: a stuck advertiser must not leave the
	// broker connection open. Default: true
	ContinueOnError bool

	// OnProgress is called as each handler finishes. Optional.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns the defaults used by node teardown.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

// registration pairs a named handler with its phase.
type registration struct {
	name    string
	handler Handler
	phase   int
}
