// Package bridge translates between raw broker bytes and typed envelopes.
//
// Inbound, every message walks a fixed pipeline: received bytes are
// parsed into an envelope, aligned against local expectations, then
// dispatched to a per-kind channel on an internal bus. A failure at any
// stage rejects the message with a logged reason; nothing in the
// pipeline panics. Outbound, payloads are serialized per type and
// wrapped in envelopes before publishing.
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/agentwire/agentwire/bus"
	"github.com/agentwire/agentwire/errors"
	"github.com/agentwire/agentwire/logging"
	"github.com/agentwire/agentwire/wire"
)

// Disposition is the terminal state of one inbound message.
type Disposition string

const (
	// Dispatched: parsed, aligned and routed to its kind channel.
	Dispatched Disposition = "dispatched"

	// RejectedParse: the bytes were not a valid envelope.
	RejectedParse Disposition = "rejected_parse"

	// RejectedAlign: the envelope failed validation or alignment.
	RejectedAlign Disposition = "rejected_align"

	// RejectedUnroutable: the message type has no dispatch route.
	RejectedUnroutable Disposition = "rejected_unroutable"
)

// Rejected reports whether the disposition is any rejection.
func (d Disposition) Rejected() bool {
	return d != Dispatched
}

// Aligner checks a parsed envelope against local expectations before
// dispatch. Returning an error rejects the message.
type Aligner interface {
	Align(env *wire.Envelope) error
}

// AlignerFunc adapts a function to the Aligner interface.
type AlignerFunc func(env *wire.Envelope) error

// Align implements Aligner.
func (f AlignerFunc) Align(env *wire.Envelope) error {
	return f(env)
}

// Publisher sends bytes to a broker topic. *connector.Connector
// satisfies this.
type Publisher interface {
	Publish(topic string, data []byte) error
}

// Config configures a Bridge.
type Config struct {
	// AgentID identifies this agent; used as the sender on outbound
	// envelopes and acks.
	AgentID string

	// Publisher sends outbound messages and automatic acks.
	Publisher Publisher

	// Aligner runs between parse and dispatch. Nil means envelopes are
	// only checked for required fields.
	Aligner Aligner

	// BufferSize for the internal dispatch channels. Default: 256
	BufferSize int

	// Logger for pipeline events. Nil means a default logger.
	Logger *logging.Logger
}

// Bridge routes inbound envelopes to per-kind channels and serializes
// outbound messages.
type Bridge struct {
	agentID   string
	publisher Publisher
	aligner   Aligner
	internal  *bus.MemoryBus
	log       *logging.Logger
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.AgentID == "" {
		return nil, errors.InvalidInput("agent id is required")
	}

	busCfg := bus.DefaultConfig()
	if cfg.BufferSize > 0 {
		busCfg.BufferSize = cfg.BufferSize
	}

	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	return &Bridge{
		agentID:   cfg.AgentID,
		publisher: cfg.Publisher,
		aligner:   cfg.Aligner,
		internal:  bus.NewMemoryBus(busCfg),
		log:       log.WithComponent("bridge"),
	}, nil
}

// Inbound subscribes to dispatched envelopes of one kind. Messages on
// the returned subscription carry envelope JSON; decode with
// wire.UnmarshalEnvelope.
func (b *Bridge) Inbound(kind wire.Kind) (bus.Subscription, error) {
	if !kind.Known() {
		return nil, errors.InvalidInput("cannot subscribe to unknown kind")
	}
	return b.internal.Subscribe(kind.Channel())
}

// HandleInbound runs one raw broker message through the pipeline and
// returns its disposition. Errors are absorbed into the disposition and
// logs; the caller never needs to recover anything.
func (b *Bridge) HandleInbound(topic string, data []byte) Disposition {
	// Parse.
	env, err := wire.UnmarshalEnvelope(data)
	if err != nil {
		b.log.MessageRejected(topic, "", "parse", err.Error())
		return RejectedParse
	}

	// Align.
	if err := env.Validate(); err != nil {
		b.log.MessageRejected(topic, env.MessageID, "align", err.Error())
		return RejectedAlign
	}
	if b.aligner != nil {
		if err := b.align(env); err != nil {
			b.log.MessageRejected(topic, env.MessageID, "align", err.Error())
			return RejectedAlign
		}
	}

	// Route.
	kind := env.Kind()
	if !kind.Known() {
		err := errors.Unroutable(env.MessageType)
		b.log.MessageRejected(topic, env.MessageID, "dispatch", err.Error())
		return RejectedUnroutable
	}

	if err := b.internal.Publish(kind.Channel(), data); err != nil {
		b.log.MessageRejected(topic, env.MessageID, "dispatch", err.Error())
		return RejectedUnroutable
	}
	b.log.MessageDispatched(topic, env.MessageID, kind.Channel())

	b.maybeAck(env)

	return Dispatched
}

// align runs the aligner, containing any panic it raises.
func (b *Bridge) align(env *wire.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return b.aligner.Align(env)
}

// maybeAck sends an automatic acknowledgement for envelopes that ask
// for one. Acks themselves are never acked.
func (b *Bridge) maybeAck(env *wire.Envelope) {
	if !env.QoS.RequiresAck || env.Kind() == wire.KindAcknowledgement {
		return
	}
	if b.publisher == nil || env.SenderID == b.agentID {
		return
	}

	ack, err := wire.NewEnvelope(wire.KindAcknowledgement, b.agentID, env.SenderID,
		wire.NewAcknowledgement(env.MessageID))
	if err != nil {
		return
	}
	ack.CorrelationID = env.MessageID

	data, err := ack.Marshal()
	if err != nil {
		return
	}
	if err := b.publisher.Publish(wire.AckTopic(env.SenderID), data); err != nil {
		b.log.Warn("ack_publish_failed", map[string]interface{}{
			"message_id": env.MessageID,
			"error":      err.Error(),
		})
	}
}

// Send wraps a payload in an envelope and publishes it.
func (b *Bridge) Send(topic string, kind wire.Kind, recipientID string, payload interface{}, qos wire.QoS) (*wire.Envelope, error) {
	if b.publisher == nil {
		return nil, errors.Transport("no publisher configured")
	}
	if !kind.Known() {
		return nil, errors.InvalidInput("cannot send unknown kind")
	}

	env, err := wire.NewEnvelope(kind, b.agentID, recipientID, payload)
	if err != nil {
		return nil, errors.Wrap(err, "build envelope")
	}
	env.QoS = qos

	data, err := env.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	if err := b.publisher.Publish(topic, data); err != nil {
		return nil, err
	}
	return env, nil
}

// Publish serializes a bare payload per the EncodePayload rules and
// sends the bytes to a topic with no envelope wrapping. Collaborators
// that read raw topic bytes get exactly the encoded payload; QoS hints
// ride the transport, which on NATS means they are advisory only.
func (b *Bridge) Publish(topic string, payload interface{}, qos wire.QoS) error {
	if b.publisher == nil {
		return errors.Transport("no publisher configured")
	}

	data, err := EncodePayload(payload)
	if err != nil {
		return errors.Wrap(err, "encode payload")
	}
	if err := b.publisher.Publish(topic, data); err != nil {
		return err
	}
	b.log.Debug("raw_published", map[string]interface{}{
		"topic":        topic,
		"size_bytes":   len(data),
		"requires_ack": qos.RequiresAck,
	})
	return nil
}

// Close shuts down the internal dispatch bus.
func (b *Bridge) Close() error {
	return b.internal.Close()
}

/// EncodePayload serializes an outbound payload body by type: maps,
// structs and slices marshal to JSON, strings become their UTF-8 bytes,
// byte slices pass through untouched, anything else is formatted to its
// string form.
func EncodePayload(payload interface{}) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, wire.ErrNilPayload
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case map[string]interface{}:
		return json.Marshal(v)
	case int, int32, int64, float32, float64, bool:
		return []byte(fmt.Sprint(v)), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return []byte(fmt.Sprint(v)), nil
		}
		return data, nil
	}
}
