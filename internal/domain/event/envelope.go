package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps a single domain event. The zero value is not a valid envelope;
// use New or Decode.
type Envelope struct {
	id         string
	kind       Kind
	payload    Payload
	occurredAt time.Time
}

type options struct {
	now func() time.Time
	id  func() string
}

type Option func(*options)

// WithClock overrides the time source used to stamp OccurredAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithID fixes the envelope id instead of generating a random one.
func WithID(id string) Option {
	return func(o *options) { o.id = func() string { return id } }
}

// New validates p and stamps it with an id and the current time.
func New(p Payload, opts ...Option) (Envelope, error) {
	o := options{now: time.Now, id: func() string { return uuid.NewString() }}
	for _, fn := range opts {
		fn(&o)
	}
	if p == nil {
		return Envelope{}, fmt.Errorf("%w: payload is nil", ErrInvalidPayload)
	}
	if err := p.validate(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.Kind(), err)
	}
	return Envelope{
		id:         o.id(),
		kind:       p.Kind(),
		payload:    p,
		occurredAt: normalizeTime(o.now()),
	}, nil
}

func (e Envelope) ID() string            { return e.id }
func (e Envelope) Kind() Kind            { return e.kind }
func (e Envelope) Payload() Payload      { return e.payload }
func (e Envelope) OccurredAt() time.Time { return e.occurredAt }

// IsZero reports whether e was never constructed.
func (e Envelope) IsZero() bool { return e.payload == nil }

// PartitionKey is the record key used when the envelope is written to the log.
func (e Envelope) PartitionKey() string {
	if e.payload == nil {
		return ""
	}
	return e.payload.PartitionKey()
}

// normalizeTime drops the monotonic reading and anything below a millisecond,
// which is the precision carried on the wire.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrMissingField   = errors.New("missing required field")
	ErrMalformed      = errors.New("malformed envelope")
)
