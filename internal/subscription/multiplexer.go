package subscription

import (
	"context"

	"github.com/reybrally/school-events/internal/fanout"
)

// Source registers fan-out subscriptions. *fanout.Engine satisfies it.
type Source interface {
	Subscribe(channels ...string) (*fanout.Subscription, error)
}

type Multiplexer struct {
	src Source
}

func NewMultiplexer(src Source) *Multiplexer {
	return &Multiplexer{src: src}
}

// Open subscribes to channels with one handle and wraps it in a Stream
// bound to ctx.
func (m *Multiplexer) Open(ctx context.Context, channels ...string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := m.src.Subscribe(channels...)
	if err != nil {
		return nil, err
	}
	return Merge(ctx, h), nil
}

// Merge combines existing handles into one stream bound to ctx.
func (m *Multiplexer) Merge(ctx context.Context, handles ...*fanout.Subscription) *Stream {
	return Merge(ctx, handles...)
}
