// Package bus provides message bus clients for agent-to-agent communication.
//
// # Overview
//
// The MessageBus interface enables pub/sub and request/reply patterns for
// distributed agent communication. All implementations use channel-based APIs
// for Go-idiomatic concurrent use.
//
// # Available Implementations
//
//   - NATSBus: Production-grade messaging using NATS
//   - WebSocketBus: Fallback transport against a websocket relay
//   - MemoryBus: In-memory implementation for testing, single-process use,
//     and the internal dispatch bus behind the message bridge
//
// # Topics
//
// Topics are dot-separated tokens ("mesh.requests.agent-1"). Subscriptions
// may use NATS-style wildcards: "*" matches one token, ">" matches the
// rest of the topic. MemoryBus and WebSocketBus apply the same matching
// rules locally, so code is portable across backends.
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	bus.Publish("mesh.facts.weather", data)
//	sub, _ := bus.Subscribe("mesh.facts.>")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Queue Groups - load balanced across workers:
//
//	sub, _ := bus.QueueSubscribe("mesh.requests.pool", "workers")
//	// Only one worker in the group receives each message
//
// Request/Reply - synchronous RPC:
//
//	// Responder
//	sub, _ := bus.Subscribe("service")
//	for msg := range sub.Messages() {
//	    bus.Publish(msg.Reply, response)
//	}
//
//	// Requester
//	reply, _ := bus.Request("service", data, timeout)
package bus
