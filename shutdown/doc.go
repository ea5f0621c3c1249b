// Package shutdown provides graceful shutdown coordination for mesh nodes.
//
// # Overview
//
// The shutdown package lets a node wind down in order: stop advertising
// and cancel running tasks first, then tear down the broker connection,
// then release local state. It handles OS signals (SIGTERM, SIGINT) and
// provides phased shutdown with per-handler results.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                          Coordinator                             │
//	├──────────────────────────────────────────────────────────────────┤
//	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────┐              │
//	│  │  Handler A  │→ │  Handler B  │→ │  Handler C  │  (ordered)   │
//	│  │  (Phase 1)  │  │  (Phase 2)  │  │  (Phase 3)  │              │
//	│  └─────────────┘  └─────────────┘  └─────────────┘              │
//	└──────────────────────────────────────────────────────────────────┘
//	                              ↑
//	                    SIGTERM / SIGINT / Shutdown()
//
// # Usage
//
// Basic usage with signal handling:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.HandleSignals() // SIGTERM, SIGINT
//
//	// Register handlers with phases (lower = earlier)
//	coord.RegisterWithPhase("advertiser", advertiserHandler, 1)
//	coord.RegisterWithPhase("connector", connectorHandler, 2)
//	coord.RegisterWithPhase("registry", registryHandler, 3)
//
//	// Handlers are called in phase order: advertiser → connector → registry
//
//	// Wait for shutdown
//	<-coord.Done()
//
// Implementing a shutdown handler:
//
//	type Dispatcher struct {
//	    pending chan Envelope
//	}
//
//	func (d *Dispatcher) OnShutdown(ctx context.Context) error {
//	    // 1. Stop accepting new messages
//	    close(d.pending)
//
//	    // 2. Drain what is already queued (respect context deadline)
//	    for {
//	        select {
//	        case <-ctx.Done():
//	            return ctx.Err() // Timeout reached
//	        case env := <-d.pending:
//	            d.dispatch(env)
//	        default:
//	            return nil // All done
//	        }
//	    }
//	}
//
// Manual shutdown with timeout:
//
//	if err := coord.ShutdownWithTimeout(30 * time.Second); err != nil {
//	    log.Printf("Shutdown incomplete: %v", err)
//	}
//
// # Phases
//
// Phases control shutdown order. Lower phase numbers are shut down first.
// The node uses:
//
//   - 1: Presence and collaboration (stop advertising, cancel tasks)
//   - 2: Broker connection (unsubscribe, settle acks, disconnect)
//   - 3: Local state (dispatch bus, registry)
//
// Handlers in the same phase are shut down concurrently.
//
// # Recommendations
//
//   - Always set a timeout for shutdown (30-60 seconds typical)
//   - Handlers should respect context cancellation
//   - Re-advertise on the next start rather than blocking exit
//   - Use phases to ensure dependencies shut down in order
//   - Log shutdown progress for debugging
package shutdown
