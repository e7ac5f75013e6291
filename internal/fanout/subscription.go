package fanout

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/logging"
)

// Subscription is one client's view of one or more channels. Notifications
// are queued per subscription and handed out in arrival order by Next.
type Subscription struct {
	id       string
	channels []string
	engine   *Engine

	mu     sync.Mutex
	queue  []Message
	closed bool
	err    error

	signal    chan struct{} // cap 1: "queue is not empty"
	out       chan Message
	done      chan struct{}
	pumpDone  chan struct{}
	closeOnce sync.Once
}

func newSubscription(e *Engine, channels []string) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		channels: channels,
		engine:   e,
		signal:   make(chan struct{}, 1),
		out:      make(chan Message),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Channels() []string {
	return append([]string(nil), s.channels...)
}

// Done is closed once the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended: nil while live, ErrSlowConsumer
// after an overflow disconnect, ErrSubscriptionClosed otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending is the number of queued, undelivered notifications.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next blocks until a notification arrives, ctx is done, or the
// subscription is cancelled (ErrSubscriptionClosed).
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	select {
	case <-s.done:
		return Message{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m := <-s.out:
		// Cancel may have won the race with the hand-off
		select {
		case <-s.done:
			return Message{}, ErrSubscriptionClosed
		default:
		}
		return m, nil
	}
}

// Cancel removes the subscription from every channel. Nothing is delivered
// after it returns. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.close(ErrSubscriptionClosed)
}

func (s *Subscription) close(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = cause
		s.queue = nil
		s.mu.Unlock()

		close(s.done)
		s.engine.remove(s)
		<-s.pumpDone
		logging.LogDebug("subscription closed", logrus.Fields{"subscription": s.id, "cause": cause.Error()})
	})
}

func (s *Subscription) enqueue(m Message) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		droppedTotal.WithLabelValues("closed").Inc()
		return
	}
	limit := s.engine.opts.MaxPending
	if limit > 0 && len(s.queue) >= limit {
		if s.engine.opts.Overflow == OverflowDisconnect {
			s.mu.Unlock()
			droppedTotal.WithLabelValues("overflow").Inc()
			logging.LogWarn("slow subscriber disconnected", logrus.Fields{
				"subscription": s.id, "channels": s.channels, "max_pending": limit,
			})
			// close waits for the pump, which never waits on publishers
			s.close(ErrSlowConsumer)
			return
		}
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		droppedTotal.WithLabelValues("overflow").Inc()
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	deliveriesTotal.Inc()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// pump moves queued notifications to out, one at a time.
func (s *Subscription) pump() {
	defer close(s.pumpDone)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.mu.Unlock()
			select {
			case <-s.signal:
			case <-s.done:
				return
			}
			s.mu.Lock()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue[0] = Message{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- m:
		case <-s.done:
			return
		}
	}
}
