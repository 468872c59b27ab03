// Package wire implements the NDJSON wire protocol: line framing, the
// message envelope, and a codec that round-trips unrecognized fields so
// new message types introduced by the agent binary pass through unchanged.
package wire

import (
	"encoding/json"
)

// Envelope field names recognized by the codec. Everything else in a
// message is opaque payload owned by the protocol-meaning layer.
const (
	// FieldType is the message discriminator ("request", "response", ...).
	FieldType = "type"
	// FieldRequestID carries the correlation identifier tying a response
	// to its originating request.
	FieldRequestID = "request_id"
)

// Well-known discriminator values.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
	TypeControl  = "control"
)

// Kind classifies a message by its envelope. The set of kinds is closed,
// with KindUnknown as the explicit fallback for discriminators this core
// does not recognize — unknown messages still flow through untouched.
type Kind int

const (
	// KindUnknown is a well-formed object whose type is absent or unrecognized.
	KindUnknown Kind = iota
	// KindRequest is an outbound request expecting a correlated response.
	KindRequest
	// KindResponse is an inbound message correlated to a request.
	KindResponse
	// KindEvent is uncorrelated broadcast traffic.
	KindEvent
	// KindControl is supervisor-level control traffic (interrupt,
	// restart notifications).
	KindControl
	// KindDecodeError is a synthetic diagnostic for a line that failed to
	// decode. It carries the raw text and is never fatal to the stream.
	KindDecodeError
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindEvent:
		return "event"
	case KindControl:
		return "control"
	case KindDecodeError:
		return "decode_error"
	default:
		return "invalid"
	}
}

// Message is one parsed NDJSON object plus engine metadata.
// Messages are immutable once constructed; the Raw bytes are retained
// verbatim so fields this core doesn't model survive a round-trip.
type Message struct {
	Kind      Kind
	Type      string // value of the "type" discriminator, empty if absent
	RequestID string // correlation identifier, empty if absent

	// Seq is the per-process-instance sequence number, assigned by the
	// session engine on delivery. Strictly increasing and gap-free for
	// broadcast messages; not part of the wire format.
	Seq uint64

	// Raw is the original serialized object. Nil for decode errors.
	Raw json.RawMessage

	// RawText and DecodeErr are populated only for KindDecodeError:
	// the undecodable line and a description of the parse failure.
	RawText   string
	DecodeErr string
}

// kindForType maps a discriminator value to its Kind.
func kindForType(typ string) Kind {
	switch typ {
	case TypeRequest:
		return KindRequest
	case TypeResponse:
		return KindResponse
	case TypeEvent:
		return KindEvent
	case TypeControl:
		return KindControl
	default:
		return KindUnknown
	}
}

// NewControl builds a synthetic control message with the given subtype
// and extra fields. Used by the orchestrator for notifications such as
// channel restarts; never produced by the child process.
func NewControl(subtype string, fields map[string]any) Message {
	obj := map[string]any{
		FieldType: TypeControl,
		"subtype": subtype,
	}
	for k, v := range fields {
		obj[k] = v
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		// Marshal of map[string]any with JSON-safe values cannot fail;
		// fields containing unmarshalable values are a programmer error.
		panic("wire: marshal control message: " + err.Error())
	}
	return Message{
		Kind: KindControl,
		Type: TypeControl,
		Raw:  raw,
	}
}
