package fanout

import "errors"

var (
	ErrSubscriptionClosed = errors.New("fanout: subscription closed")
	ErrEngineClosed       = errors.New("fanout: engine closed")
	ErrNoChannels         = errors.New("fanout: at least one channel is required")
	// ErrSlowConsumer is the cause recorded when the disconnect overflow policy fires.
	ErrSlowConsumer = errors.New("fanout: subscriber queue overflow")
)
