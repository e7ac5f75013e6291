package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

type wireEnvelope struct {
	ID        string          `json:"id,omitempty"`
	Type      Kind            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// DecodeError is returned for bytes that do not form a valid envelope.
type DecodeError struct {
	Kind   Kind
	Field  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode envelope"
	if e.Kind != "" {
		msg += " " + string(e.Kind)
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes e as JSON.
func Encode(e Envelope) ([]byte, error) {
	if e.IsZero() {
		return nil, fmt.Errorf("%w: envelope is empty", ErrInvalidPayload)
	}
	payload, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.kind, err)
	}
	return json.Marshal(wireEnvelope{
		ID:        e.id,
		Type:      e.kind,
		Payload:   payload,
		Timestamp: e.occurredAt.UTC().Format(timestampLayout),
	})
}

// Decode parses bytes produced by Encode. Any shape mismatch yields *DecodeError.
func Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed json", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if w.Type == "" {
		return Envelope{}, &DecodeError{Field: "type", Err: ErrMissingField}
	}
	if w.Timestamp == "" {
		return Envelope{}, &DecodeError{Kind: w.Type, Field: "timestamp", Err: ErrMissingField}
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return Envelope{}, &DecodeError{Kind: w.Type, Field: "timestamp", Reason: "bad timestamp", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if isNull(w.Payload) {
		return Envelope{}, &DecodeError{Kind: w.Type, Field: "payload", Err: ErrMissingField}
	}

	var p Payload
	switch w.Type {
	case KindAttendanceRecorded:
		p, err = decodePayload[AttendanceRecorded](w.Payload)
	case KindExamResultsPublished:
		p, err = decodePayload[ExamResultsPublished](w.Payload)
	case KindPaymentCompleted:
		p, err = decodePayload[PaymentCompleted](w.Payload)
	case KindUserCreated:
		p, err = decodePayload[UserCreated](w.Payload)
	default:
		return Envelope{}, &DecodeError{Kind: w.Type, Err: ErrUnknownKind}
	}
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.Kind = w.Type
			return Envelope{}, de
		}
		return Envelope{}, &DecodeError{Kind: w.Type, Err: err}
	}

	return Envelope{
		id:         w.ID,
		kind:       w.Type,
		payload:    p,
		occurredAt: normalizeTime(ts),
	}, nil
}

func decodePayload[T Payload](raw json.RawMessage) (Payload, error) {
	var zero T
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &DecodeError{Field: "payload", Reason: "payload is not an object", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	for _, name := range zero.requiredFields() {
		if v, ok := fields[name]; !ok || isNull(v) {
			return nil, &DecodeError{Field: name, Err: ErrMissingField}
		}
	}
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &DecodeError{Field: "payload", Reason: "field type mismatch", Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if err := p.validate(); err != nil {
		return nil, &DecodeError{Field: "payload", Reason: err.Error(), Err: ErrInvalidPayload}
	}
	return p, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
