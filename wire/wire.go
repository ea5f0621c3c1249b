// Package wire defines the message envelope and typed payloads exchanged
// between agents over the broker.
//
// Every message on the wire is a JSON Envelope. The envelope's
// message_type tag is decoded into a closed Kind enum; payloads are
// carried as raw JSON and decoded per kind by the receiver.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the protocol version stamped on every envelope.
const EnvelopeVersion = "0.1"

// Common errors.
var (
	ErrMissingMessageID = errors.New("envelope missing message_id")
	ErrMissingSenderID  = errors.New("envelope missing sender_ai_id")
	ErrNilPayload       = errors.New("nil payload")
)

// Kind is the closed set of message types this protocol routes.
// Anything not in the set decodes to KindUnknown and is rejected at
// dispatch rather than crashing the pipeline.
type Kind string

const (
	KindUnknown                 Kind = ""
	KindFact                    Kind = "fact"
	KindTaskRequest             Kind = "task_request"
	KindTaskResult              Kind = "task_result"
	KindAcknowledgement         Kind = "acknowledgement"
	KindCapabilityAdvertisement Kind = "capability_advertisement"
)

// Wire tags for the message_type field.
const (
	TagFact                    = "Fact_v0.1"
	TagTaskRequest             = "TaskRequest_v0.1"
	TagTaskResult              = "TaskResult_v0.1"
	TagAcknowledgement         = "Acknowledgement_v0.1"
	TagCapabilityAdvertisement = "CapabilityAdvertisement_v0.1"
)

// kindByTag maps wire tags to kinds. Dispatch goes through this table;
// adding a message type means adding exactly one row here.
var kindByTag = map[string]Kind{
	TagFact:                    KindFact,
	TagTaskRequest:             KindTaskRequest,
	TagTaskResult:              KindTaskResult,
	TagAcknowledgement:         KindAcknowledgement,
	TagCapabilityAdvertisement: KindCapabilityAdvertisement,
}

var tagByKind = map[Kind]string{
	KindFact:                    TagFact,
	KindTaskRequest:             TagTaskRequest,
	KindTaskResult:              TagTaskResult,
	KindAcknowledgement:         TagAcknowledgement,
	KindCapabilityAdvertisement: TagCapabilityAdvertisement,
}

// ParseKind decodes a message_type tag. Unrecognized tags return
// KindUnknown, never an error.
func ParseKind(tag string) Kind {
	if k, ok := kindByTag[tag]; ok {
		return k
	}
	return KindUnknown
}

// Tag returns the wire tag for a kind, or "" for KindUnknown.
func (k Kind) Tag() string {
	return tagByKind[k]
}

// Channel returns the internal bus channel inbound messages of this
// kind are dispatched to.
func (k Kind) Channel() string {
	if k == KindUnknown {
		return ""
	}
	return "inbound." + string(k)
}

// Known reports whether the kind is a member of the closed set.
func (k Kind) Known() bool {
	return k != KindUnknown
}

// QoS carries per-message quality-of-service hints.
type QoS struct {
	RequiresAck bool   `json:"requires_ack"`
	Priority    string `json:"priority,omitempty"`
}

// Envelope is the wire format for every inter-agent message.
type Envelope struct {
	Version       string          `json:"envelope_version"`
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SenderID      string          `json:"sender_ai_id"`
	RecipientID   string          `json:"recipient_ai_id,omitempty"` // empty = broadcast
	TimestampSent string          `json:"timestamp_sent"`
	MessageType   string          `json:"message_type"`
	QoS           QoS             `json:"qos_parameters"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope of the given kind with a fresh message
// id, the current UTC timestamp and the payload marshaled to JSON.
func NewEnvelope(kind Kind, senderID, recipientID string, payload interface{}) (*Envelope, error) {
	if payload == nil {
		return nil, ErrNilPayload
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Version:       EnvelopeVersion,
		MessageID:     uuid.NewString(),
		SenderID:      senderID,
		RecipientID:   recipientID,
		TimestampSent: time.Now().UTC().Format(time.RFC3339Nano),
		MessageType:   kind.Tag(),
		Payload:       data,
	}, nil
}

// Kind decodes the envelope's message_type tag.
func (e *Envelope) Kind() Kind {
	return ParseKind(e.MessageType)
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return ErrMissingMessageID
	}
	if e.SenderID == "" {
		return ErrMissingSenderID
	}
	return nil
}

// Marshal serializes the envelope to JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope deserializes an envelope from JSON.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return ErrNilPayload
	}
	return json.Unmarshal(e.Payload, v)
}
