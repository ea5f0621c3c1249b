// Package node assembles a complete mesh participant from the library's
// building blocks: broker connector, message bridge, capability
// registry, collaboration manager and presence advertiser.
//
// A Node subscribes to the standard topic layout, routes every inbound
// message through the bridge, and feeds the dispatched kinds to the
// components that consume them. Shutdown runs in phases, reverse of
// startup, via the shutdown coordinator.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/agentwire/agentwire/bridge"
	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/collab"
	"github.com/agentwire/agentwire/config"
	"github.com/agentwire/agentwire/connector"
	"github.com/agentwire/agentwire/discovery"
	"github.com/agentwire/agentwire/errors"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/presence"
	"github.com/agentwire/agentwire/shutdown"
	"github.com/agentwire/agentwire/telemetry"
	"github.com/agentwire/agentwire/trust"
	"github.com/agentwire/agentwire/wire"
)

// Node is one agent's presence on the mesh.
type Node struct {
	config *config.Config
	log    *logging.Logger

	provider    *telemetry.Provider // nil when tracing is disabled
	exporter    telemetry.Exporter  // never nil; noop when message logging is off
	trust       *trust.Memory
	registry    *discovery.MemoryRegistry
	connector   *connector.Connector
	bridge      *bridge.Bridge
	collab      *collab.Manager
	advertiser  *presence.Advertiser
	coordinator *shutdown.Coordinator

	mu      sync.Mutex
	started bool
	pumps   sync.WaitGroup
	subs    []bus.Subscription
}

// minTrustFinder layers a configured trust floor onto registry lookups.
type minTrustFinder struct {
	registry *discovery.MemoryRegistry
	minTrust float64
}

func (f *minTrustFinder) Find(filter discovery.Filter) ([]wire.CapabilityAdvertisement, error) {
	if filter.MinTrust == 0 {
		filter.MinTrust = f.minTrust
	}
	return f.registry.Find(filter)
}

// New assembles a Node from validated configuration.
func New(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Node, error) {
	if cfg == nil {
		return nil, errors.InvalidInput("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.New()
	}

	n := &Node{
		config: cfg,
		log:    log,
		trust:  trust.NewMemory(),
	}

	// Tracing is optional; without an endpoint the global tracer stays
	// a no-op.
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.AgentID,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			return nil, errors.Wrap(err, "init telemetry")
		}
		n.provider = provider
	}

	// The message log audits every envelope crossing this node.
	exporter, err := telemetry.NewExporter(cfg.Telemetry.MessageLog, cfg.Telemetry.MessageLogTarget)
	if err != nil {
		return nil, errors.Wrap(err, "init message log")
	}
	n.exporter = exporter

	n.registry = discovery.NewMemoryRegistry(discovery.MemoryConfig{
		StalenessThreshold: cfg.Discovery.StalenessThresholdDuration(),
		SweepInterval:      cfg.Discovery.SweepIntervalDuration(),
		Trust:              n.trust,
		Logger:             log,
	})

	conn, err := connector.New(connector.Config{
		AgentID:            cfg.AgentID,
		URL:                cfg.Broker.URL,
		MaxConnectAttempts: cfg.Broker.ConnectAttempts,
		BackoffBase:        cfg.Broker.BackoffBaseDuration(),
		AckTimeout:         cfg.Broker.AckTimeoutDuration(),
		AckRetries:         cfg.Broker.AckRetries,
		Logger:             log,
		// Remote registries forget silent agents; re-advertise as soon
		// as the connection is back.
		OnConnect: func() {
			if n.advertiser != nil {
				n.advertiser.Advertise()
			}
		},
	}, n.dialBroker)
	if err != nil {
		return nil, err
	}
	n.connector = conn

	n.bridge, err = bridge.New(bridge.Config{
		AgentID:    cfg.AgentID,
		Publisher:  conn,
		BufferSize: cfg.Broker.BufferSize,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	n.collab, err = collab.NewManager(collab.Config{
		AgentID:        cfg.AgentID,
		Registry:       &minTrustFinder{registry: n.registry, minTrust: cfg.Collab.MinTrust},
		Sender:         n.bridge,
		SubtaskTimeout: cfg.Collab.SubtaskTimeoutDuration(),
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}

	n.advertiser, err = presence.New(presence.Config{
		AgentID:   cfg.AgentID,
		Publisher: conn,
		Interval:  cfg.Presence.AdvertiseIntervalDuration(),
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	n.coordinator = shutdown.NewCoordinator(shutdown.DefaultConfig())
	n.coordinator.RegisterFuncWithPhase("advertiser", func(context.Context) error {
		err := n.advertiser.Stop()
		if err == presence.ErrNotStarted {
			return nil
		}
		return err
	}, 1)
	n.coordinator.RegisterFuncWithPhase("collab", func(context.Context) error {
		return n.collab.Close()
	}, 1)
	n.coordinator.RegisterFuncWithPhase("connector", func(context.Context) error {
		return n.connector.Close()
	}, 2)
	n.coordinator.RegisterFuncWithPhase("bridge", func(context.Context) error {
		return n.bridge.Close()
	}, 3)
	n.coordinator.RegisterFuncWithPhase("registry", func(context.Context) error {
		return n.registry.Close()
	}, 3)
	n.coordinator.RegisterFuncWithPhase("message_log", func(context.Context) error {
		return n.exporter.Close()
	}, 4)
	if n.provider != nil {
		n.coordinator.RegisterFuncWithPhase("telemetry", func(ctx context.Context) error {
			return n.provider.Shutdown(ctx)
		}, 4)
	}

	return n, nil
}

// dialBroker connects to NATS, falling back to the websocket relay
// when one is configured.
func (n *Node) dialBroker(ctx context.Context) (bus.MessageBus, error) {
	var natsErr error
	if n.config.Broker.URL != "" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = n.config.Broker.URL
		natsCfg.Name = n.config.Broker.Name
		natsCfg.Token = n.config.Broker.Token
		natsCfg.User = n.config.Broker.User
		natsCfg.Password = n.config.Broker.Password
		if n.config.Broker.BufferSize > 0 {
			natsCfg.BufferSize = n.config.Broker.BufferSize
		}

		b, err := bus.NewNATSBus(natsCfg)
		if err == nil {
			return b, nil
		}
		natsErr = err
	}

	if n.config.Broker.FallbackURL != "" {
		wsCfg := bus.DefaultWebSocketConfig()
		wsCfg.URL = n.config.Broker.FallbackURL
		if n.config.Broker.BufferSize > 0 {
			wsCfg.BufferSize = n.config.Broker.BufferSize
		}

		b, err := bus.NewWebSocketBus(wsCfg)
		if err == nil {
			if natsErr != nil {
				n.log.Warn("broker_fallback", map[string]interface{}{
					"nats_error": natsErr.Error(),
					"relay":      n.config.Broker.FallbackURL,
				})
			}
			return b, nil
		}
		if natsErr == nil {
			return nil, err
		}
		return nil, errors.Transport("both broker and relay unreachable", errors.WithCause(natsErr))
	}

	return nil, natsErr
}

// Start connects to the broker, subscribes the standard topic layout
// and begins advertising.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return errors.InvalidInput("node already started")
	}
	n.started = true
	n.mu.Unlock()

	agentID := n.config.AgentID

	// Broker topics all funnel through the bridge pipeline.
	inbound := func(msg *bus.Message) {
		n.bridge.HandleInbound(msg.Topic, msg.Data)
	}
	topics := []string{
		wire.TopicFactsAll,
		wire.TopicAdvertisementsAll,
		wire.RequestTopic(agentID),
		wire.ResultTopic(agentID),
		wire.AckTopic(agentID),
	}
	for _, topic := range topics {
		if err := n.connector.Subscribe(topic, inbound); err != nil {
			return err
		}
	}

	// Dispatched kinds feed their consumers.
	if err := n.pumpInbound(wire.KindCapabilityAdvertisement, n.handleAdvertisement); err != nil {
		return err
	}
	if err := n.pumpInbound(wire.KindTaskResult, n.handleTaskResult); err != nil {
		return err
	}
	if err := n.pumpInbound(wire.KindAcknowledgement, n.handleAcknowledgement); err != nil {
		return err
	}

	if err := n.connector.Connect(ctx); err != nil {
		return err
	}

	if err := n.advertiser.Start(ctx); err != nil {
		return err
	}

	n.exporter.LogEvent("node_started", map[string]interface{}{"agent_id": agentID})
	return nil
}

// pumpInbound drains one dispatched kind into a handler.
func (n *Node) pumpInbound(kind wire.Kind, handle func(env *wire.Envelope)) error {
	sub, err := n.bridge.Inbound(kind)
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()

	n.pumps.Add(1)
	go func() {
		defer n.pumps.Done()
		for msg := range sub.Messages() {
			env, err := wire.UnmarshalEnvelope(msg.Data)
			if err != nil {
				continue // bridge already validated; should not happen
			}
			// Topic here is the dispatch channel; the broker topic is
			// gone by the time the bridge has routed the message.
			n.exporter.LogMessage(telemetry.Message{
				AgentID:       n.config.AgentID,
				Direction:     "inbound",
				Topic:         msg.Topic,
				MessageID:     env.MessageID,
				CorrelationID: env.CorrelationID,
				MessageType:   env.MessageType,
				SizeBytes:     len(msg.Data),
			})
			handle(env)
		}
	}()
	return nil
}

func (n *Node) handleAdvertisement(env *wire.Envelope) {
	var ad wire.CapabilityAdvertisement
	if err := env.DecodePayload(&ad); err != nil {
		n.log.MessageRejected(wire.TopicAdvertisementsAll, env.MessageID, "decode", err.Error())
		return
	}
	if err := n.registry.ProcessAdvertisement(ad); err != nil {
		n.log.MessageRejected(wire.TopicAdvertisementsAll, env.MessageID, "register", err.Error())
	}
}

func (n *Node) handleTaskResult(env *wire.Envelope) {
	var result wire.TaskResult
	if err := env.DecodePayload(&result); err != nil {
		n.log.MessageRejected(wire.ResultTopic(n.config.AgentID), env.MessageID, "decode", err.Error())
		return
	}
	if !n.collab.HandleResult(result) {
		n.log.Debug("result_unclaimed", map[string]interface{}{
			"request_id": result.RequestID,
			"sender_id":  env.SenderID,
		})
	}
}

func (n *Node) handleAcknowledgement(env *wire.Envelope) {
	var ack wire.Acknowledgement
	if err := env.DecodePayload(&ack); err != nil {
		return
	}
	n.connector.ResolveAck(ack.TargetMessageID)
}

// PublishFact broadcasts a fact to a subject area.
func (n *Node) PublishFact(area string, fact wire.Fact) error {
	env, err := n.bridge.Send(wire.FactTopic(area), wire.KindFact, "", fact, wire.QoS{})
	if err != nil {
		return err
	}
	n.exporter.LogMessage(telemetry.Message{
		AgentID:     n.config.AgentID,
		Direction:   "outbound",
		Topic:       wire.FactTopic(area),
		MessageID:   env.MessageID,
		MessageType: env.MessageType,
		SizeBytes:   len(env.Payload),
	})
	return nil
}

// Coordinate fans a compound task out across the mesh and blocks until
// every subtask resolves.
func (n *Node) Coordinate(ctx context.Context, subtasks []collab.Subtask) (*collab.Task, error) {
	return n.collab.Coordinate(ctx, subtasks)
}

// CancelTask requests cooperative cancellation of a running task.
func (n *Node) CancelTask(taskID string) bool {
	return n.collab.Cancel(taskID)
}

// SetCapability registers a capability this agent provides; it is
// advertised immediately and refreshed periodically.
func (n *Node) SetCapability(ad wire.CapabilityAdvertisement) error {
	return n.advertiser.SetCapability(ad)
}

// Registry exposes the capability registry for discovery queries.
func (n *Node) Registry() *discovery.MemoryRegistry {
	return n.registry
}

// Trust exposes the trust store backing discovery filters.
func (n *Node) Trust() *trust.Memory {
	return n.trust
}

// Bridge exposes the message bridge for custom inbound consumers.
func (n *Node) Bridge() *bridge.Bridge {
	return n.bridge
}

// Status is a point-in-time snapshot of the node.
type Status struct {
	AgentID      string           `json:"agent_id"`
	Broker       connector.Status `json:"broker"`
	Capabilities int              `json:"capabilities"`
	KnownRemote  int              `json:"known_remote"`
}

// Status reports connection state and registry size.
func (n *Node) Status() Status {
	known := 0
	if records, err := n.registry.All(); err == nil {
		known = len(records)
	}
	return Status{
		AgentID:      n.config.AgentID,
		Broker:       n.connector.Status(),
		Capabilities: len(n.advertiser.Capabilities()),
		KnownRemote:  known,
	}
}

// Stop shuts the node down in phases, reverse of startup.
func (n *Node) Stop(ctx context.Context) error {
	n.exporter.LogEvent("node_stopping", map[string]interface{}{"agent_id": n.config.AgentID})
	err := n.coordinator.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		n.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return err
}

// StopWithTimeout shuts down with a deadline.
func (n *Node) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return n.Stop(ctx)
}
