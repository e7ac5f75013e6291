// Package subscription turns fan-out handles into client-facing streams of
// resolved notifications.
package subscription

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/reybrally/school-events/internal/dispatch"
	"github.com/reybrally/school-events/internal/domain/event"
	"github.com/reybrally/school-events/internal/fanout"
	"github.com/reybrally/school-events/internal/logging"
)

// Notification is a resolved fan-out message: the single field of the
// body and its value.
type Notification struct {
	Channel string          `json:"channel"`
	Field   string          `json:"field"`
	Data    json.RawMessage `json:"data"`
}

// Decode unmarshals the notification data into v.
func (n Notification) Decode(v any) error {
	return json.Unmarshal(n.Data, v)
}

var skippedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "school_events",
	Subsystem: "subscription",
	Name:      "skipped_total",
	Help:      "Ill-formed notifications dropped before reaching a client.",
})

// fields expected per channel namespace
var namespaceField = map[string]string{
	event.NamespaceAttendance:  dispatch.FieldAttendanceRecorded,
	event.NamespaceExamResults: dispatch.FieldExamResultPublished,
}

// Stream merges one or more fan-out handles. Close or cancellation of the
// context it was opened with cancels every handle.
type Stream struct {
	handles []*fanout.Subscription
	out     chan Notification
	done    chan struct{}

	once     sync.Once
	stopCtx  func() bool
	wg       sync.WaitGroup
	finished chan struct{}
}

// Merge wraps handles in a Stream. The stream owns the handles from now on.
func Merge(ctx context.Context, handles ...*fanout.Subscription) *Stream {
	s := &Stream{
		handles:  handles,
		out:      make(chan Notification),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	s.stopCtx = context.AfterFunc(ctx, s.shutdown)
	for _, h := range handles {
		s.wg.Add(1)
		go s.forward(h)
	}
	go func() {
		s.wg.Wait()
		// no-op unless every handle ended on its own
		s.shutdown()
		s.stopCtx()
		close(s.finished)
	}()
	return s
}

func (s *Stream) forward(h *fanout.Subscription) {
	defer s.wg.Done()
	for {
		msg, err := h.Next(context.Background())
		if err != nil {
			return
		}
		n, ok := Resolve(msg)
		if !ok {
			skippedTotal.Inc()
			logging.LogWarn("ill-formed notification skipped", logrus.Fields{
				"channel": msg.Channel, "subscription": h.ID(),
			})
			continue
		}
		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

// Next returns the next notification. It fails with
// fanout.ErrSubscriptionClosed once the stream is closed.
func (s *Stream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-s.done:
		return Notification{}, fanout.ErrSubscriptionClosed
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case n := <-s.out:
		select {
		case <-s.done:
			return Notification{}, fanout.ErrSubscriptionClosed
		default:
		}
		return n, nil
	}
}

// All yields notifications until the stream closes. Breaking out of the
// loop does not close the stream.
func (s *Stream) All() iter.Seq[Notification] {
	return func(yield func(Notification) bool) {
		for {
			n, err := s.Next(context.Background())
			if err != nil {
				return
			}
			if !yield(n) {
				return
			}
		}
	}
}

// Done is closed when the stream ends for any reason, after its handles
// were cancelled.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close cancels every handle and waits for the forwarders to exit.
func (s *Stream) Close() {
	s.shutdown()
	<-s.finished
}

func (s *Stream) shutdown() {
	s.once.Do(func() {
		for _, h := range s.handles {
			h.Cancel()
		}
		close(s.done)
	})
}

// Resolve unwraps a {"<field>": value} body. Bodies that are not a
// single-field object, carry a null value, or name the wrong field for the
// channel's namespace are rejected.
func Resolve(msg fanout.Message) (Notification, bool) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil || len(body) != 1 {
		return Notification{}, false
	}
	var field string
	var data json.RawMessage
	for k, v := range body {
		field, data = k, v
	}
	if field == "" || len(data) == 0 || string(data) == "null" {
		return Notification{}, false
	}
	if ns, _, ok := event.SplitChannelKey(msg.Channel); ok {
		if want, known := namespaceField[ns]; known && want != field {
			return Notification{}, false
		}
	}
	return Notification{Channel: msg.Channel, Field: field, Data: data}, true
}
