package wire

import (
	"encoding/json"
	"fmt"
	"sort"
)

// envelope is the subset of fields the codec itself understands.
// Decoding into this struct is deliberately tolerant: extra fields are
// ignored here and preserved through Message.Raw.
type envelope struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// Decode parses one line into a Message. It never fails: malformed JSON,
// or JSON that is not an object, yields a KindDecodeError diagnostic
// tagged with the raw text. One bad line must never terminate the stream.
func Decode(line string) Message {
	raw := []byte(line)

	// An envelope unmarshal rejects most non-object JSON (strings,
	// arrays, numbers) along with syntax errors, but `null` slips
	// through, so object-ness is checked explicitly.
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{
			Kind:      KindDecodeError,
			RawText:   line,
			DecodeErr: err.Error(),
		}
	}
	if !isObject(raw) {
		return Message{
			Kind:      KindDecodeError,
			RawText:   line,
			DecodeErr: "not a JSON object",
		}
	}

	kind := kindForType(env.Type)
	if kind == KindUnknown && env.RequestID != "" {
		// Correlated traffic without a recognized discriminator still
		// resolves its request — the child owns response semantics.
		kind = KindResponse
	}

	return Message{
		Kind:      kind,
		Type:      env.Type,
		RequestID: env.RequestID,
		Raw:       append(json.RawMessage(nil), raw...),
	}
}

// Encode serializes a Message back to a single line (no trailing
// newline — framing is the Framer's job). The envelope fields carried on
// the Message are stamped into the object; all other fields of Raw are
// emitted verbatim, so decode→encode preserves fields this core does not
// recognize.
func Encode(m Message) ([]byte, error) {
	if m.Kind == KindDecodeError {
		return nil, fmt.Errorf("cannot encode a decode-error diagnostic")
	}

	fields := map[string]json.RawMessage{}
	if len(m.Raw) > 0 {
		if err := json.Unmarshal(m.Raw, &fields); err != nil {
			return nil, fmt.Errorf("invalid raw payload: %w", err)
		}
	}

	if m.Type != "" {
		typ, _ := json.Marshal(m.Type)
		fields[FieldType] = typ
	}
	if m.RequestID != "" {
		id, _ := json.Marshal(m.RequestID)
		fields[FieldRequestID] = id
	}

	return marshalOrdered(fields)
}

// StampRequestID returns a copy of payload with the correlation field
// set. The payload must be a JSON object; every other field is preserved.
func StampRequestID(payload json.RawMessage, id string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	idRaw, _ := json.Marshal(id)
	fields[FieldRequestID] = idRaw
	return marshalOrdered(fields)
}

// isObject reports whether the first non-space byte of raw opens a JSON
// object. Caller has already verified raw is valid JSON.
func isObject(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return b == '{'
		}
	}
	return false
}

// marshalOrdered serializes a field map with deterministic key order.
// Go's map marshaling already sorts keys; done by hand here so the value
// bytes pass through as RawMessage without re-encoding.
func marshalOrdered(fields map[string]json.RawMessage) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, fields[k]...)
	}
	buf = append(buf, '}')
	return buf, nil
}
