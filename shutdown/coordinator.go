package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator runs registered handlers in phase order, lowest phase
// first, handlers within a phase concurrently. It fires exactly once.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	err     error
	result  *Result
	signals chan os.Signal
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}

	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler at the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler. Lower phases stop first; handlers
// sharing a phase stop concurrently.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers a plain function at the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers a plain function at a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs the sequence once. Later calls return the first run's
// error, or ErrAlreadyShutdown while that run is still in flight.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	var err error
	c.once.Do(func() {
		err = c.run(ctx)
		c.err = err
		close(c.done)
	})

	select {
	case <-c.done:
		return c.err
	default:
		return ErrAlreadyShutdown
	}
}

// ShutdownWithTimeout runs Shutdown bounded by the timeout, falling
// back to the configured default when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals triggers shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c.signals
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Trigger injects a synthetic SIGTERM. Requires HandleSignals.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed once shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err reports the shutdown error, or nil before completion.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result reports per-handler outcomes. Nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

// run executes the phases in order.
func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	byPhase := make(map[int][]registration)
	for _, reg := range c.handlers {
		byPhase[reg.phase] = append(byPhase[reg.phase], reg)
	}
	c.mu.Unlock()

	phases := make([]int, 0, len(byPhase))
	for phase := range byPhase {
		phases = append(phases, phase)
	}
	sort.Ints(phases)

	result := &Result{}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		return err
	}

	var failed bool
	for _, phase := range phases {
		select {
		case <-ctx.Done():
			return finish(ErrTimeout)
		default:
		}

		for _, hr := range c.runPhase(ctx, byPhase[phase]) {
			result.Results = append(result.Results, hr)
			if hr.Err == nil {
				continue
			}
			failed = true
			if !c.config.ContinueOnError {
				return finish(ErrHandlerFailed)
			}
		}
	}

	if failed {
		return finish(ErrHandlerFailed)
	}
	return finish(nil)
}

// runPhase stops every handler in one phase concurrently.
func (c *Coordinator) runPhase(ctx context.Context, regs []registration) []HandlerResult {
	results := make([]HandlerResult, len(regs))
	var wg sync.WaitGroup

	for i, reg := range regs {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			started := time.Now()
			err := r.handler.OnShutdown(ctx)

			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(started),
				Err:      err,
			}
			results[idx] = hr

			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}
