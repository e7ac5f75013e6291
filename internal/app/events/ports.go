package events

import (
	"context"

	"github.com/reybrally/school-events/internal/domain/event"
)

// EventSink takes an envelope for a topic. The kafka publisher writes it
// directly; the outbox repository stores it for the relay.
type EventSink interface {
	Publish(ctx context.Context, topic string, env event.Envelope) error
}

// Result is what an emit call reports back.
type Result struct {
	Envelope  event.Envelope
	Topic     string
	Published bool
}
